// Package service is the facade the HTTP/API and admin layers call into: it
// owns no business logic of its own beyond wiring storage, the provisioner,
// the port allocator, and the in-process rate-limit/dedup guards behind a
// small set of request-shaped methods, per spec §6.2.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/octolabd/pkg/errkind"
	"github.com/cuemby/octolabd/pkg/log"
	"github.com/cuemby/octolabd/pkg/portalloc"
	"github.com/cuemby/octolabd/pkg/provisioner"
	"github.com/cuemby/octolabd/pkg/ratelimit"
	"github.com/cuemby/octolabd/pkg/security"
	"github.com/cuemby/octolabd/pkg/storage"
	"github.com/cuemby/octolabd/pkg/types"
)

// Service is the single entry point the outer request layer depends on.
type Service struct {
	labs        *storage.LabStore
	ports       *portalloc.Allocator
	provisioner *provisioner.Provisioner
	limiter     *ratelimit.Limiter
	dedup       *ratelimit.Dedup
}

// New builds a Service from its already-constructed collaborators.
func New(labs *storage.LabStore, ports *portalloc.Allocator, prov *provisioner.Provisioner, limiter *ratelimit.Limiter, dedup *ratelimit.Dedup) *Service {
	return &Service{labs: labs, ports: ports, provisioner: prov, limiter: limiter, dedup: dedup}
}

// ProvisionLab inserts a new REQUESTED row and kicks off provisioning
// asynchronously, returning the lab immediately per spec §4.G step 1.
func (s *Service) ProvisionLab(ctx context.Context, ownerID, recipeID uuid.UUID, runtimeKind types.RuntimeKind, intent types.RuntimeMeta) (*types.Lab, error) {
	lab := &types.Lab{
		ID:              uuid.New(),
		OwnerID:         ownerID,
		RecipeID:        recipeID,
		Status:          types.LabStatusRequested,
		Runtime:         runtimeKind,
		RuntimeMeta:     types.RuntimeMeta{},
		RequestedIntent: intent,
		EvidenceState:   types.EvidenceCollecting,
	}
	if err := s.labs.CreateLab(ctx, lab); err != nil {
		return nil, fmt.Errorf("create lab: %w", err)
	}

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.provisioner.Provision(bgCtx, lab.ID, ownerID); err != nil {
			log.WithLabID(lab.ID.String()).Error().Err(err).Msg("background provisioning failed")
		}
	}()

	return lab, nil
}

// GetLab returns a single lab scoped to its owner.
func (s *Service) GetLab(ctx context.Context, labID, ownerID uuid.UUID) (*types.Lab, error) {
	lab, err := s.labs.GetLabForOwner(ctx, labID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errkind.ErrNotFound, err)
	}
	return lab, nil
}

// ListLabsForOwner returns every lab owned by ownerID, most recent first.
func (s *Service) ListLabsForOwner(ctx context.Context, ownerID uuid.UUID) ([]*types.Lab, error) {
	return s.labs.ListLabsForOwner(ctx, ownerID)
}

// AllocatePort is a thin wrapper over the port allocator, exposed on the
// facade for its callers; the Provisioner uses the allocator directly.
func (s *Service) AllocatePort(ctx context.Context, labID, ownerID uuid.UUID) (int, error) {
	return s.ports.Allocate(ctx, labID, ownerID)
}

// ReleasePort is a thin wrapper over the port allocator, exposed on the
// facade for its callers; the Provisioner's rollback releases the port
// through the allocator directly.
func (s *Service) ReleasePort(ctx context.Context, labID uuid.UUID, ownerID *uuid.UUID) (bool, error) {
	return s.ports.Release(ctx, labID, ownerID)
}

// TerminateLab moves a lab from READY/DEGRADED to ENDING; the teardown
// worker picks it up asynchronously per spec §4.H. Terminating a lab already
// in ENDING or a terminal state is a no-op success (idempotent per invariant
// in spec §4.F).
func (s *Service) TerminateLab(ctx context.Context, labID, ownerID uuid.UUID) error {
	lab, err := s.labs.GetLabForOwner(ctx, labID, ownerID)
	if err != nil {
		return fmt.Errorf("%w: %v", errkind.ErrNotFound, err)
	}
	if lab.Status == types.LabStatusEnding || lab.Status == types.LabStatusFinished || lab.Status == types.LabStatusFailed {
		return nil
	}
	if lab.Status != types.LabStatusReady && lab.Status != types.LabStatusDegraded {
		return fmt.Errorf("%w: cannot terminate lab in status %s", errkind.ErrWrongState, lab.Status)
	}
	if err := s.labs.MarkEnding(ctx, labID); err != nil {
		return fmt.Errorf("mark ending: %w", err)
	}
	return nil
}

// IngestEvents accepts one evidence event, applying the per-lab rate
// limiter and the dedup cache before touching storage, per spec §4.K.
func (s *Service) IngestEvents(ctx context.Context, ev *types.EvidenceEvent) (accepted bool, err error) {
	if !s.limiter.Allow(ev.LabID.String()) {
		return false, errkind.ErrRateLimited
	}

	if ev.EventHash == "" {
		ev.EventHash = security.EventHash(string(ev.EventType), ev.Timestamp.Format(time.RFC3339Nano), ev.LabID.String(), ev.ContainerName)
	}

	if s.dedup.CheckAndStore(ev.EventHash) {
		return false, errkind.ErrDuplicateEvent
	}

	inserted, err := s.labs.UpsertEvidenceEvent(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("upsert evidence event: %w", err)
	}
	return inserted, nil
}
