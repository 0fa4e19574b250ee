package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/octolabd/pkg/errkind"
	"github.com/cuemby/octolabd/pkg/types"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// LabStore is the Postgres-backed repository for labs and their evidence
// events. Apart from pkg/portalloc, which sets and clears novnc_host_port,
// it is the only package that issues SQL against the labs table.
type LabStore struct {
	db *sqlx.DB
}

// NewLabStore wraps an already-open sqlx connection.
func NewLabStore(db *sqlx.DB) *LabStore {
	return &LabStore{db: db}
}

const labColumns = `id, owner_id, recipe_id, status, runtime, runtime_meta, requested_intent,
	novnc_host_port, expires_at, connection_url, evidence_state, evidence_finalized_at,
	evidence_purged_at, evidence_expires_at, evidence_sealed_at, evidence_seal_status,
	evidence_manifest_sha256, created_at, updated_at, finished_at`

// CreateLab inserts a new lab row in REQUESTED status.
func (s *LabStore) CreateLab(ctx context.Context, lab *types.Lab) error {
	lab.Status = types.LabStatusRequested
	lab.EvidenceState = types.EvidenceCollecting
	lab.EvidenceSealStatus = types.EvidenceSealNone
	if lab.RuntimeMeta == nil {
		lab.RuntimeMeta = types.RuntimeMeta{}
	}
	if lab.RequestedIntent == nil {
		lab.RequestedIntent = types.RuntimeMeta{}
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO labs (id, owner_id, recipe_id, status, runtime, runtime_meta, requested_intent,
			expires_at, evidence_state, evidence_seal_status)
		VALUES (:id, :owner_id, :recipe_id, :status, :runtime, :runtime_meta, :requested_intent,
			:expires_at, :evidence_state, :evidence_seal_status)
	`, lab)
	if err != nil {
		return fmt.Errorf("create lab: %w", err)
	}
	return nil
}

// GetLab fetches a lab by id with no tenant filter — reserved for the
// teardown worker and watchdog, per invariant 5.
func (s *LabStore) GetLab(ctx context.Context, id uuid.UUID) (*types.Lab, error) {
	var lab types.Lab
	err := s.db.GetContext(ctx, &lab, `SELECT `+labColumns+` FROM labs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lab: %w", err)
	}
	return &lab, nil
}

// GetLabForOwner fetches a lab filtered by owner — the only form any
// user-facing read or mutation may use (invariant 5).
func (s *LabStore) GetLabForOwner(ctx context.Context, id, ownerID uuid.UUID) (*types.Lab, error) {
	var lab types.Lab
	err := s.db.GetContext(ctx, &lab,
		`SELECT `+labColumns+` FROM labs WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lab for owner: %w", err)
	}
	return &lab, nil
}

// ListLabsForOwner lists every lab belonging to ownerID.
func (s *LabStore) ListLabsForOwner(ctx context.Context, ownerID uuid.UUID) ([]*types.Lab, error) {
	var labs []*types.Lab
	err := s.db.SelectContext(ctx, &labs,
		`SELECT `+labColumns+` FROM labs WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list labs for owner: %w", err)
	}
	return labs, nil
}

// RecipeExists reports whether recipeID is a known recipe — used by the
// Provisioner's "recipe missing" fast-fail path (spec scenario 5).
func (s *LabStore) RecipeExists(ctx context.Context, recipeID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM recipes WHERE id = $1)`, recipeID)
	if err != nil {
		return false, fmt.Errorf("check recipe exists: %w", err)
	}
	return exists, nil
}

// execStatusUpdate runs a status UPDATE and reports whether a row changed.
// Each caller's WHERE clause enforces "only from this status", so a concurrent
// writer that already moved the row elsewhere simply updates zero rows.
func (s *LabStore) execStatusUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProvisioning moves a lab REQUESTED -> PROVISIONING.
func (s *LabStore) MarkProvisioning(ctx context.Context, id uuid.UUID) error {
	ok, err := s.execStatusUpdate(ctx,
		`UPDATE labs SET status = 'PROVISIONING' WHERE id = $1 AND status = 'REQUESTED'`, id)
	if err != nil {
		return fmt.Errorf("mark provisioning: %w", err)
	}
	if !ok {
		return fmt.Errorf("mark provisioning: %w", errkind.ErrWrongState)
	}
	return nil
}

// MarkReady moves a lab PROVISIONING -> READY, recording connectionURL.
func (s *LabStore) MarkReady(ctx context.Context, id uuid.UUID, connectionURL string) error {
	ok, err := s.execStatusUpdate(ctx,
		`UPDATE labs SET status = 'READY', connection_url = $2
		 WHERE id = $1 AND status = 'PROVISIONING'`, id, connectionURL)
	if err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	if !ok {
		return fmt.Errorf("mark ready: %w", errkind.ErrWrongState)
	}
	return nil
}

// MarkFailedFromProvisioning moves PROVISIONING -> FAILED, e.g. on rollback.
func (s *LabStore) MarkFailedFromProvisioning(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := s.execStatusUpdate(ctx,
		`UPDATE labs SET status = 'FAILED', finished_at = $2
		 WHERE id = $1 AND status = 'PROVISIONING' AND finished_at IS NULL`, id, now)
	if err != nil {
		return fmt.Errorf("mark failed from provisioning: %w", err)
	}
	return nil
}

// MarkEnding moves a lab READY or DEGRADED -> ENDING (user stop, TTL expiry, admin).
func (s *LabStore) MarkEnding(ctx context.Context, id uuid.UUID) error {
	ok, err := s.execStatusUpdate(ctx,
		`UPDATE labs SET status = 'ENDING'
		 WHERE id = $1 AND status IN ('READY', 'DEGRADED')`, id)
	if err != nil {
		return fmt.Errorf("mark ending: %w", err)
	}
	if !ok {
		return fmt.Errorf("mark ending: %w", errkind.ErrWrongState)
	}
	return nil
}

// ClaimEndingLabs is the Teardown Worker's claim step: a short transaction
// that selects-for-update-skip-locked and commits immediately, per spec
// §4.H ("the SELECT was the claim").
func (s *LabStore) ClaimEndingLabs(ctx context.Context, limit int) ([]types.LightweightLab, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryxContext(ctx, `
		SELECT id, status, runtime FROM labs
		WHERE status = 'ENDING'
		ORDER BY updated_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim ending labs: %w", err)
	}

	var claimed []types.LightweightLab
	for rows.Next() {
		var l types.LightweightLab
		if err := rows.Scan(&l.ID, &l.Status, &l.Runtime); err != nil {
			rows.Close() //nolint:errcheck
			return nil, fmt.Errorf("scan claimed lab: %w", err)
		}
		claimed = append(claimed, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close() //nolint:errcheck

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return claimed, nil
}

// ClaimStuckEndingLabs is the watchdog's variant of ClaimEndingLabs: same
// skip-locked claim, with an additional age predicate.
func (s *LabStore) ClaimStuckEndingLabs(ctx context.Context, olderThan time.Time, limit int) ([]types.LightweightLab, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin watchdog claim tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryxContext(ctx, `
		SELECT id, status, runtime FROM labs
		WHERE status = 'ENDING' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("claim stuck ending labs: %w", err)
	}

	var claimed []types.LightweightLab
	for rows.Next() {
		var l types.LightweightLab
		if err := rows.Scan(&l.ID, &l.Status, &l.Runtime); err != nil {
			rows.Close() //nolint:errcheck
			return nil, fmt.Errorf("scan stuck lab: %w", err)
		}
		claimed = append(claimed, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close() //nolint:errcheck

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit watchdog claim tx: %w", err)
	}
	return claimed, nil
}

// FinalizeEndingToFinished applies the race-guarded finalize of spec §4.H: the
// row is only moved if it is still ENDING, preventing a double-finalize if
// another writer raced in between claim and this call.
func (s *LabStore) FinalizeEndingToFinished(ctx context.Context, id uuid.UUID, now, evidenceExpiresAt time.Time) (bool, error) {
	ok, err := s.execStatusUpdate(ctx, `
		UPDATE labs SET status = 'FINISHED',
			finished_at = COALESCE(finished_at, $2),
			evidence_expires_at = $3
		WHERE id = $1 AND status = 'ENDING'
	`, id, now, evidenceExpiresAt)
	if err != nil {
		return false, fmt.Errorf("finalize ending to finished: %w", err)
	}
	return ok, nil
}

// FinalizeEndingToFailed applies the race-guarded FAILED finalize.
func (s *LabStore) FinalizeEndingToFailed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	ok, err := s.execStatusUpdate(ctx, `
		UPDATE labs SET status = 'FAILED', finished_at = COALESCE(finished_at, $2)
		WHERE id = $1 AND status = 'ENDING'
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("finalize ending to failed: %w", err)
	}
	return ok, nil
}

// SetEvidenceState stamps the evidence finalization fields on a terminal lab.
func (s *LabStore) SetEvidenceState(ctx context.Context, id uuid.UUID, state types.EvidenceState, finalizedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE labs SET evidence_state = $2, evidence_finalized_at = $3 WHERE id = $1
	`, id, state, finalizedAt)
	if err != nil {
		return fmt.Errorf("set evidence state: %w", err)
	}
	return nil
}

// SetEvidenceSeal records the manifest hash computed at finalization time.
func (s *LabStore) SetEvidenceSeal(ctx context.Context, id uuid.UUID, status types.EvidenceSealStatus, manifestSHA256 string, sealedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE labs SET evidence_seal_status = $2, evidence_manifest_sha256 = $3, evidence_sealed_at = $4
		WHERE id = $1
	`, id, status, manifestSHA256, sealedAt)
	if err != nil {
		return fmt.Errorf("set evidence seal: %w", err)
	}
	return nil
}

// ListForRetention returns terminal labs whose evidence is past the
// retention cutoff and not yet purged, for the retention job of spec §4.J.
func (s *LabStore) ListForRetention(ctx context.Context, cutoff time.Time, limit int) ([]*types.Lab, error) {
	var labs []*types.Lab
	err := s.db.SelectContext(ctx, &labs, `
		SELECT `+labColumns+` FROM labs
		WHERE status IN ('FINISHED', 'FAILED')
			AND evidence_finalized_at IS NOT NULL
			AND evidence_finalized_at < $1
			AND evidence_purged_at IS NULL
		ORDER BY evidence_finalized_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list labs for retention: %w", err)
	}
	return labs, nil
}

// SetEvidencePurged marks a lab's evidence as purged (retention's terminal step).
func (s *LabStore) SetEvidencePurged(ctx context.Context, id uuid.UUID, purgedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE labs SET evidence_state = 'UNAVAILABLE', evidence_purged_at = $2 WHERE id = $1
	`, id, purgedAt)
	if err != nil {
		return fmt.Errorf("set evidence purged: %w", err)
	}
	return nil
}

// ListExpired returns READY/DEGRADED labs whose expires_at has passed, for
// the GC lab-expiry sweep (spec §6.3).
func (s *LabStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*types.Lab, error) {
	var labs []*types.Lab
	err := s.db.SelectContext(ctx, &labs, `
		SELECT `+labColumns+` FROM labs
		WHERE status IN ('READY', 'DEGRADED') AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired labs: %w", err)
	}
	return labs, nil
}

// ListRecentlyTerminal returns FINISHED/FAILED labs updated since cutoff,
// for the GC orphan-volume sweep (spec §6.3): a bounded recent window, not
// a full-table scan, since anything older has already passed through the
// teardown worker's own reconciliation.
func (s *LabStore) ListRecentlyTerminal(ctx context.Context, since time.Time, limit int) ([]*types.Lab, error) {
	var labs []*types.Lab
	err := s.db.SelectContext(ctx, &labs, `
		SELECT `+labColumns+` FROM labs
		WHERE status IN ('FINISHED', 'FAILED') AND updated_at >= $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list recently terminal labs: %w", err)
	}
	return labs, nil
}

// CountByStatusRuntime feeds the octolab_labs_total gauge.
func (s *LabStore) CountByStatusRuntime(ctx context.Context) (map[[2]string]int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT status, runtime, count(*) FROM labs GROUP BY status, runtime`)
	if err != nil {
		return nil, fmt.Errorf("count labs by status/runtime: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[[2]string]int)
	for rows.Next() {
		var status, runtime string
		var n int
		if err := rows.Scan(&status, &runtime, &n); err != nil {
			return nil, err
		}
		counts[[2]string{status, runtime}] = n
	}
	return counts, rows.Err()
}

// UpsertEvidenceEvent inserts an evidence event, ignoring conflicts on
// event_hash — the idempotent upsert-ignore-on-conflict of spec §3.1.
// Returns true if a new row was inserted (false if it was a duplicate).
func (s *LabStore) UpsertEvidenceEvent(ctx context.Context, ev *types.EvidenceEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_events (event_hash, lab_id, event_type, container_name, timestamp, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_hash) DO NOTHING
	`, ev.EventHash, ev.LabID, ev.EventType, ev.ContainerName, ev.Timestamp, ev.Payload)
	if err != nil {
		return false, fmt.Errorf("upsert evidence event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetRuntimeMeta persists the backend handles CreateLab returned — pid,
// socket basename, tap device, token presence — per spec §4.D.2 step 4.
// Called once, right after a successful CreateLab; runtime_meta is never
// mutated again afterward.
func (s *LabStore) SetRuntimeMeta(ctx context.Context, id uuid.UUID, meta types.RuntimeMeta) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE labs SET runtime_meta = $2 WHERE id = $1
	`, id, meta)
	if err != nil {
		return fmt.Errorf("set runtime meta: %w", err)
	}
	return nil
}
