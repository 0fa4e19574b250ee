// Package teardown implements the Teardown Worker of spec §4.H: a
// long-running task, safely replicable at N>1, that claims ENDING labs via
// SELECT ... FOR UPDATE SKIP LOCKED and drives each to FINISHED or FAILED.
package teardown

import (
	"context"
	"time"

	"github.com/cuemby/octolabd/pkg/evidence"
	"github.com/cuemby/octolabd/pkg/log"
	"github.com/cuemby/octolabd/pkg/metrics"
	"github.com/cuemby/octolabd/pkg/portalloc"
	"github.com/cuemby/octolabd/pkg/runtime"
	"github.com/cuemby/octolabd/pkg/storage"
	"github.com/cuemby/octolabd/pkg/types"
)

// Selector resolves which backend owns a lightweight lab's resources.
type Selector interface {
	BackendFor(kind types.RuntimeKind) runtime.LabRuntime
}

// Config tunes the worker loop per spec §6.1.
type Config struct {
	IntervalSeconds        int
	BatchSize              int
	StartupTick            bool
	TeardownTimeoutSeconds int
	EvidenceRetentionHours int
}

// Worker owns the claim-and-drain loop. It holds no in-process lock across
// ticks — correctness comes entirely from FOR UPDATE SKIP LOCKED.
type Worker struct {
	labs      *storage.LabStore
	ports     *portalloc.Allocator
	selector  Selector
	finalizer *evidence.Finalizer
	cfg       Config
}

// New builds a Worker. sel doubles as the evidence.Selector the finalizer
// uses to resolve each lab's own backend.
func New(labs *storage.LabStore, ports *portalloc.Allocator, sel Selector, cfg Config) *Worker {
	return &Worker{labs: labs, ports: ports, selector: sel, finalizer: evidence.NewFinalizer(labs, sel), cfg: cfg}
}

// Run blocks, ticking every IntervalSeconds, until ctx is cancelled. A
// shutdown signal aborts sleep immediately but never interrupts a destroy
// call already in flight for the current batch.
func (w *Worker) Run(ctx context.Context) {
	logger := log.WithComponent("teardown")

	if w.cfg.StartupTick {
		w.Tick(ctx)
	}

	interval := time.Duration(w.cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("teardown worker stopping")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs exactly one claim-and-drain cycle.
func (w *Worker) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TeardownTickDuration)

	logger := log.WithComponent("teardown")

	batchSize := w.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	claimed, err := w.labs.ClaimEndingLabs(ctx, batchSize)
	if err != nil {
		logger.Error().Err(err).Msg("claim ending labs failed")
		return
	}
	if len(claimed) == 0 {
		return
	}
	metrics.TeardownClaimedTotal.Add(float64(len(claimed)))

	for _, lab := range claimed {
		w.drain(ctx, lab)
	}
}

func (w *Worker) drain(ctx context.Context, lightweight types.LightweightLab) {
	logger := log.WithLabID(lightweight.ID.String())

	lab, err := w.labs.GetLab(ctx, lightweight.ID)
	if err != nil {
		logger.Error().Err(err).Msg("fetch full lab row for teardown failed")
		return
	}

	backend := w.selector.BackendFor(lab.Runtime)
	if backend == nil {
		logger.Warn().Str("runtime", string(lab.Runtime)).Msg("no backend registered for lab runtime; marking failed")
		w.finalizeFailed(ctx, lab)
		return
	}

	exists, err := backend.ResourcesExistForLab(ctx, lab)
	if err != nil {
		logger.Error().Err(err).Msg("resources_exist_for_lab probe failed")
	}
	if err == nil && !exists {
		w.finalizeFinished(ctx, lab)
		return
	}

	destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(w.cfg.TeardownTimeoutSeconds)*time.Second)
	result, err := backend.DestroyLab(destroyCtx, lab)
	cancel()

	if _, err := w.ports.Release(ctx, lab.ID, nil); err != nil {
		logger.Warn().Err(err).Msg("port release during teardown failed")
	}

	if err != nil || !result.Success {
		logger.Warn().
			Int("containers_remaining", result.ContainersRemaining).
			Int("networks_remaining", result.NetworksRemaining).
			Msg("teardown incomplete")
		w.finalizeFailed(ctx, lab)
		return
	}

	w.finalizeFinished(ctx, lab)
}

func (w *Worker) finalizeFinished(ctx context.Context, lab *types.Lab) {
	now := time.Now()
	retention := time.Duration(w.cfg.EvidenceRetentionHours) * time.Hour
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	ok, err := w.labs.FinalizeEndingToFinished(ctx, lab.ID, now, now.Add(retention))
	if err != nil {
		log.WithLabID(lab.ID.String()).Error().Err(err).Msg("finalize to finished failed")
		return
	}
	if !ok {
		// Another writer already moved this lab off ENDING between claim
		// and finalize; nothing to do.
		return
	}
	metrics.TeardownOutcomesTotal.WithLabelValues("finished", "").Inc()

	if err := w.finalizer.Finalize(ctx, lab); err != nil {
		log.WithLabID(lab.ID.String()).Error().Err(err).Msg("evidence finalize failed")
	}
}

func (w *Worker) finalizeFailed(ctx context.Context, lab *types.Lab) {
	ok, err := w.labs.FinalizeEndingToFailed(ctx, lab.ID, time.Now())
	if err != nil {
		log.WithLabID(lab.ID.String()).Error().Err(err).Msg("finalize to failed failed")
		return
	}
	if !ok {
		return
	}
	metrics.TeardownOutcomesTotal.WithLabelValues("failed", "").Inc()

	if err := w.finalizer.Finalize(ctx, lab); err != nil {
		log.WithLabID(lab.ID.String()).Error().Err(err).Msg("evidence finalize failed")
	}
}
