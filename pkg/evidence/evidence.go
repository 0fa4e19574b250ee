// Package evidence implements the Evidence Finalizer and Retention job of
// spec §4.I/§4.J: a truthful evidence_state computation on lab terminal
// transition, and a bounded, dry-run-by-default purge of expired evidence.
package evidence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/octolabd/pkg/log"
	"github.com/cuemby/octolabd/pkg/metrics"
	"github.com/cuemby/octolabd/pkg/runtime"
	"github.com/cuemby/octolabd/pkg/security"
	"github.com/cuemby/octolabd/pkg/storage"
	"github.com/cuemby/octolabd/pkg/types"
)

// Selector is the subset of pkg/selector.Selector needed to resolve a
// specific lab's backend — never the process-wide current backend, since a
// lab finalized or purged today may have been created under a runtime that
// is no longer the startup selection.
type Selector interface {
	BackendFor(kind types.RuntimeKind) runtime.LabRuntime
}

// Finalizer computes evidence_state on lab terminal transition.
type Finalizer struct {
	labs     *storage.LabStore
	selector Selector
}

// NewFinalizer builds a Finalizer.
func NewFinalizer(labs *storage.LabStore, sel Selector) *Finalizer {
	return &Finalizer{labs: labs, selector: sel}
}

// Finalize probes the lab's own backend for actual artifact presence and
// stamps evidence_state truthfully: READY only if both a terminal-log and a
// pcap artifact are present on disk/in volumes, PARTIAL if exactly one is,
// UNAVAILABLE otherwise. It then computes and stores the manifest hash over
// the artifact names actually observed.
func (f *Finalizer) Finalize(ctx context.Context, lab *types.Lab) error {
	backend := f.selector.BackendFor(lab.Runtime)
	artifacts, err := backend.EvidenceArtifactsForLab(ctx, lab)
	if err != nil {
		return err
	}

	var state types.EvidenceState
	switch {
	case artifacts.All():
		state = types.EvidenceReady
	case artifacts.Any():
		state = types.EvidencePartial
	default:
		state = types.EvidenceUnavailable
	}

	now := time.Now()
	if err := f.labs.SetEvidenceState(ctx, lab.ID, state, now); err != nil {
		return err
	}

	names := artifactNames(artifacts)
	sealStatus := types.EvidenceSealSealed
	manifestHash := ""
	if len(names) > 0 {
		manifestHash = security.ManifestHash(names)
	} else {
		sealStatus = types.EvidenceSealFailed
	}
	if err := f.labs.SetEvidenceSeal(ctx, lab.ID, sealStatus, manifestHash, now); err != nil {
		return err
	}

	metrics.EvidenceFinalizedTotal.WithLabelValues(string(state)).Inc()
	log.WithEvidenceState(lab.ID.String(), state).Info().Msg("evidence finalized")
	return nil
}

func artifactNames(artifacts types.EvidenceArtifacts) []string {
	var names []string
	if artifacts.TerminalLogs {
		names = append(names, "terminal_log")
	}
	if artifacts.Pcap {
		names = append(names, "pcap")
	}
	return names
}

// Retention is the §4.J purge job: dry-run by default, destructive only
// when explicitly asked.
type Retention struct {
	labs     *storage.LabStore
	selector Selector
}

// NewRetention builds a Retention job.
func NewRetention(labs *storage.LabStore, sel Selector) *Retention {
	return &Retention{labs: labs, selector: sel}
}

// RunResult reports what Run touched or would touch.
type RunResult struct {
	Candidates []uuid.UUID
	Purged     []uuid.UUID
}

// Run finds labs whose evidence is past retentionDays and not yet purged.
// In dry-run mode (the default), it only reports candidates; execute=true
// deletes the lab's backend evidence artifacts before flipping
// evidence_purged_at — a lab whose artifacts fail to delete is skipped
// rather than marked purged, so evidence_purged_at never lies about what
// actually happened on disk.
func (r *Retention) Run(ctx context.Context, retentionDays int, execute bool, limit int) (RunResult, error) {
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	labs, err := r.labs.ListForRetention(ctx, cutoff, limit)
	if err != nil {
		return RunResult{}, err
	}

	result := RunResult{}
	for _, lab := range labs {
		result.Candidates = append(result.Candidates, lab.ID)
	}
	if !execute {
		return result, nil
	}

	now := time.Now()
	for _, lab := range labs {
		backend := r.selector.BackendFor(lab.Runtime)
		if err := backend.DeleteEvidenceArtifacts(ctx, lab); err != nil {
			log.WithLabID(lab.ID.String()).Error().Err(err).Msg("evidence artifact deletion failed")
			continue
		}
		if err := r.labs.SetEvidencePurged(ctx, lab.ID, now); err != nil {
			log.WithLabID(lab.ID.String()).Error().Err(err).Msg("evidence purge failed")
			continue
		}
		result.Purged = append(result.Purged, lab.ID)
		metrics.RetentionPurgedTotal.Inc()
	}
	return result, nil
}
