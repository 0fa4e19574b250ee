// Package watchdog implements the periodic/admin-invoked reconciliation job
// of spec §4.L: labs stuck in ENDING longer than a threshold are forced
// through teardown or failed outright, sharing the same FOR UPDATE SKIP
// LOCKED claim discipline as pkg/teardown.
package watchdog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/octolabd/pkg/evidence"
	"github.com/cuemby/octolabd/pkg/log"
	"github.com/cuemby/octolabd/pkg/metrics"
	"github.com/cuemby/octolabd/pkg/pathsafe"
	"github.com/cuemby/octolabd/pkg/portalloc"
	"github.com/cuemby/octolabd/pkg/runtime"
	"github.com/cuemby/octolabd/pkg/storage"
	"github.com/cuemby/octolabd/pkg/types"
)

// Action selects what the watchdog does to a claimed stuck lab.
type Action string

const (
	ActionForce Action = "force"
	ActionFail  Action = "fail"
)

// Selector resolves which backend owns a lab's resources.
type Selector interface {
	BackendFor(kind types.RuntimeKind) runtime.LabRuntime
}

// Config bounds one watchdog run.
type Config struct {
	OlderThanMinutes int
	MaxLabs          int
	Action           Action
	DryRun           bool
}

// Watchdog reconciles labs stuck in ENDING.
type Watchdog struct {
	labs      *storage.LabStore
	ports     *portalloc.Allocator
	selector  Selector
	finalizer *evidence.Finalizer
}

// New builds a Watchdog. sel doubles as the evidence.Selector the finalizer
// uses to resolve each lab's own backend.
func New(labs *storage.LabStore, ports *portalloc.Allocator, sel Selector) *Watchdog {
	return &Watchdog{labs: labs, ports: ports, selector: sel, finalizer: evidence.NewFinalizer(labs, sel)}
}

// TouchedLab reports one lab the watchdog acted on (or would act on, in
// dry-run mode), with the owner suffix redacted.
type TouchedLab struct {
	LabID             uuid.UUID
	RedactedOwnerID   string
	ResultingStatus   types.LabStatus
}

// Run claims stuck ENDING labs and applies cfg.Action to each. In dry-run
// mode it performs no writes and reports only what would happen.
func (w *Watchdog) Run(ctx context.Context, cfg Config) ([]TouchedLab, error) {
	logger := log.WithComponent("watchdog")

	threshold := time.Duration(cfg.OlderThanMinutes) * time.Minute
	olderThan := time.Now().Add(-threshold)

	maxLabs := cfg.MaxLabs
	if maxLabs <= 0 {
		maxLabs = 50
	}

	claimed, err := w.labs.ClaimStuckEndingLabs(ctx, olderThan, maxLabs)
	if err != nil {
		return nil, err
	}

	var touched []TouchedLab
	for _, lightweight := range claimed {
		lab, err := w.labs.GetLab(ctx, lightweight.ID)
		if err != nil {
			logger.Error().Err(err).Str("lab_id", lightweight.ID.String()).Msg("fetch lab for watchdog failed")
			continue
		}

		redactedOwner := pathsafe.RedactOwnerID(lab.OwnerID.String())

		if cfg.DryRun {
			touched = append(touched, TouchedLab{LabID: lab.ID, RedactedOwnerID: redactedOwner, ResultingStatus: lab.Status})
			continue
		}

		resultingStatus := w.apply(ctx, lab, cfg.Action)
		touched = append(touched, TouchedLab{LabID: lab.ID, RedactedOwnerID: redactedOwner, ResultingStatus: resultingStatus})
		metrics.WatchdogReconciledTotal.WithLabelValues(string(resultingStatus)).Inc()
	}

	return touched, nil
}

func (w *Watchdog) apply(ctx context.Context, lab *types.Lab, action Action) types.LabStatus {
	logger := log.WithLabID(lab.ID.String())

	if action == ActionFail {
		if ok, err := w.labs.FinalizeEndingToFailed(ctx, lab.ID, time.Now()); err != nil || !ok {
			logger.Warn().Err(err).Msg("watchdog fail action could not finalize")
		}
		if _, err := w.ports.Release(ctx, lab.ID, nil); err != nil {
			logger.Warn().Err(err).Msg("watchdog port release failed")
		}
		w.finalizeEvidence(ctx, lab)
		return types.LabStatusFailed
	}

	backend := w.selector.BackendFor(lab.Runtime)
	if backend == nil {
		_, _ = w.labs.FinalizeEndingToFailed(ctx, lab.ID, time.Now())
		w.finalizeEvidence(ctx, lab)
		return types.LabStatusFailed
	}

	result, err := backend.DestroyLab(ctx, lab)
	if _, rerr := w.ports.Release(ctx, lab.ID, nil); rerr != nil {
		logger.Warn().Err(rerr).Msg("watchdog port release failed")
	}

	if err != nil || !result.Success {
		_, _ = w.labs.FinalizeEndingToFailed(ctx, lab.ID, time.Now())
		w.finalizeEvidence(ctx, lab)
		return types.LabStatusFailed
	}

	if ok, ferr := w.labs.FinalizeEndingToFinished(ctx, lab.ID, time.Now(), time.Now().Add(24*time.Hour)); ferr != nil || !ok {
		logger.Warn().Err(ferr).Msg("watchdog finalize to finished failed")
	}
	w.finalizeEvidence(ctx, lab)
	return types.LabStatusFinished
}

func (w *Watchdog) finalizeEvidence(ctx context.Context, lab *types.Lab) {
	if err := w.finalizer.Finalize(ctx, lab); err != nil {
		log.WithLabID(lab.ID.String()).Error().Err(err).Msg("evidence finalize failed")
	}
}
