// Package provisioner drives a lab from REQUESTED to READY, or rolls it
// back to FAILED on any error or timeout, per spec §4.G.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cuemby/octolabd/pkg/errkind"
	"github.com/cuemby/octolabd/pkg/health"
	"github.com/cuemby/octolabd/pkg/log"
	"github.com/cuemby/octolabd/pkg/metrics"
	"github.com/cuemby/octolabd/pkg/portalloc"
	"github.com/cuemby/octolabd/pkg/runtime"
	"github.com/cuemby/octolabd/pkg/storage"
	"github.com/cuemby/octolabd/pkg/types"
	"github.com/google/uuid"
)

// Selector is the subset of pkg/selector.Selector the provisioner needs.
type Selector interface {
	Current() runtime.LabRuntime
	AssertReadyForLab(ctx context.Context) error
}

// Config bounds provisioning per spec §6.1.
type Config struct {
	StartupTimeoutSeconds   int
	ReadinessGatingEnabled  bool
	ReadinessPaths          []string
	ReadinessTimeoutSeconds int
	ReadinessIntervalSeconds int
	BindHost                string
}

// Provisioner owns the REQUESTED -> READY/FAILED transition.
type Provisioner struct {
	labs     *storage.LabStore
	ports    *portalloc.Allocator
	selector Selector
	cfg      Config
	breakers map[types.RuntimeKind]*gobreaker.CircuitBreaker
}

// New builds a Provisioner, one gobreaker.CircuitBreaker per runtime kind
// per spec §4.D.3 — a failing backend is throttled, never swapped out.
func New(labs *storage.LabStore, ports *portalloc.Allocator, sel Selector, cfg Config) *Provisioner {
	breakers := map[types.RuntimeKind]*gobreaker.CircuitBreaker{}
	for _, kind := range []types.RuntimeKind{types.RuntimeCompose, types.RuntimeMicroVM, types.RuntimeNoop} {
		k := kind
		breakers[k] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "create_lab_" + string(k),
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				metrics.CircuitBreakerStateChangesTotal.WithLabelValues(string(k), to.String()).Inc()
			},
		})
	}
	return &Provisioner{labs: labs, ports: ports, selector: sel, cfg: cfg, breakers: breakers}
}

// Provision runs the full REQUESTED -> READY flow for labID, owned by ownerID.
func (p *Provisioner) Provision(ctx context.Context, labID, ownerID uuid.UUID) error {
	timer := metrics.NewTimer()
	timeout := time.Duration(p.cfg.StartupTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lab, err := p.labs.GetLabForOwner(ctx, labID, ownerID)
	if err != nil {
		metrics.ProvisioningOutcomesTotal.WithLabelValues("load_failed", "").Inc()
		return fmt.Errorf("load lab: %w", err)
	}
	logger := log.WithLab(lab)

	exists, err := p.labs.RecipeExists(ctx, lab.RecipeID)
	if err != nil {
		return fmt.Errorf("check recipe: %w", err)
	}
	if !exists {
		_ = p.labs.MarkFailedFromProvisioning(ctx, labID, now())
		metrics.ProvisioningOutcomesTotal.WithLabelValues("recipe_missing", string(lab.Runtime)).Inc()
		return fmt.Errorf("%w: recipe %s not found", errkind.ErrRecipeMissing, lab.RecipeID)
	}

	if err := p.selector.AssertReadyForLab(ctx); err != nil {
		_ = p.labs.MarkFailedFromProvisioning(ctx, labID, now())
		metrics.ProvisioningOutcomesTotal.WithLabelValues("backend_not_ready", string(lab.Runtime)).Inc()
		return fmt.Errorf("%w", err)
	}

	if err := p.labs.MarkProvisioning(ctx, labID); err != nil {
		return fmt.Errorf("mark provisioning: %w", err)
	}

	port, err := p.ports.Allocate(ctx, labID, ownerID)
	if err != nil {
		p.rollback(ctx, labID, ownerID, lab.Runtime, "port allocation failed")
		metrics.ProvisioningOutcomesTotal.WithLabelValues("port_exhausted", string(lab.Runtime)).Inc()
		return fmt.Errorf("allocate port: %w", err)
	}

	env := types.CreateEnv{
		LabID:    labID.String(),
		HostPort: port,
		BindHost: p.cfg.BindHost,
	}

	backend := p.selector.Current()
	breaker := p.breakers[backend.Kind()]

	metaAny, err := breaker.Execute(func() (any, error) {
		return backend.CreateLab(ctx, lab, env)
	})
	if err != nil {
		p.rollback(ctx, labID, ownerID, lab.Runtime, "create_lab failed")
		metrics.ProvisioningOutcomesTotal.WithLabelValues("create_failed", string(lab.Runtime)).Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: create lab: %v", errkind.ErrBackendNotReady, err)
		}
		return fmt.Errorf("create lab: %w", err)
	}

	runtimeMeta, ok := metaAny.(types.RuntimeMeta)
	if !ok {
		runtimeMeta = types.RuntimeMeta{}
	}
	if err := p.labs.SetRuntimeMeta(ctx, labID, runtimeMeta); err != nil {
		p.rollback(ctx, labID, ownerID, lab.Runtime, "persist runtime_meta failed")
		return fmt.Errorf("set runtime meta: %w", err)
	}

	connectionURL := fmt.Sprintf("https://%s:%d/", p.cfg.BindHost, port)

	if p.cfg.ReadinessGatingEnabled {
		if err := p.waitReady(ctx, p.cfg.BindHost, port); err != nil {
			p.rollback(ctx, labID, ownerID, lab.Runtime, "readiness probe failed")
			metrics.ProvisioningOutcomesTotal.WithLabelValues("readiness_timeout", string(lab.Runtime)).Inc()
			return fmt.Errorf("%w: %v", errkind.ErrProvisioningTimeout, err)
		}
	}

	if err := p.labs.MarkReady(ctx, labID, connectionURL); err != nil {
		p.rollback(ctx, labID, ownerID, lab.Runtime, "mark ready failed")
		return fmt.Errorf("mark ready: %w", err)
	}

	logger.Info().Msg("lab ready")
	timer.ObserveDuration(metrics.ProvisioningDuration)
	metrics.ProvisioningOutcomesTotal.WithLabelValues("ready", string(lab.Runtime)).Inc()
	return nil
}

// rollback performs §4.G step 7: best-effort destroy, release the port,
// mark FAILED. Errors during rollback are logged, not propagated — the
// original failure is what the caller reports.
func (p *Provisioner) rollback(ctx context.Context, labID, ownerID uuid.UUID, runtimeKind types.RuntimeKind, reason string) {
	logger := log.WithLabID(labID.String())
	logger.Warn().Str("reason", reason).Msg("rolling back failed provisioning")

	rollbackCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lab, err := p.labs.GetLab(rollbackCtx, labID)
	if err == nil {
		backend := p.selector.Current()
		if _, err := backend.DestroyLab(rollbackCtx, lab); err != nil {
			logger.Warn().Err(err).Msg("best-effort destroy during rollback failed")
		}
	}

	if _, err := p.ports.Release(rollbackCtx, labID, &ownerID); err != nil {
		logger.Warn().Err(err).Msg("port release during rollback failed")
	}

	if err := p.labs.MarkFailedFromProvisioning(rollbackCtx, labID, now()); err != nil {
		logger.Warn().Err(err).Msg("mark failed during rollback failed")
	}
}

// waitReady polls TCP connect + HTTP GET of the configured paths until the
// first success or the probe timeout, per §4.G step 5.
func (p *Provisioner) waitReady(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	deadline := time.Now().Add(time.Duration(p.cfg.ReadinessTimeoutSeconds) * time.Second)
	interval := time.Duration(p.cfg.ReadinessIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Second
	}

	tcpChecker := health.NewTCPChecker(addr)

	for time.Now().Before(deadline) {
		if res := tcpChecker.Check(ctx); res.Healthy {
			if len(p.cfg.ReadinessPaths) == 0 {
				return nil
			}
			for _, path := range p.cfg.ReadinessPaths {
				httpChecker := health.NewHTTPChecker(fmt.Sprintf("http://%s%s", addr, path))
				httpChecker.ExpectedStatusMax = 399
				if res := httpChecker.Check(ctx); res.Healthy {
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("readiness probe timed out after %ds", p.cfg.ReadinessTimeoutSeconds)
}

func now() time.Time { return time.Now() }
