// Package portalloc assigns a unique host port to a lab at most once and
// releases it idempotently, per spec §4.C. Correctness comes from the
// UNIQUE(novnc_host_port) constraint, not from a global lock: concurrent
// allocators racing for the same random port simply retry.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/cuemby/octolabd/pkg/errkind"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

const maxAttempts = 16

const pgUniqueViolation = "23505"

// Allocator allocates and releases host ports against the labs table.
type Allocator struct {
	db       *sqlx.DB
	portMin  int
	portMax  int
	rangeLen int
}

// New builds an Allocator over [portMin, portMax] (inclusive).
func New(db *sqlx.DB, portMin, portMax int) *Allocator {
	return &Allocator{
		db:       db,
		portMin:  portMin,
		portMax:  portMax,
		rangeLen: portMax - portMin + 1,
	}
}

// Allocate assigns a port to lab, scoped by owner. It is idempotent: if the
// lab already holds a port, that same port is returned.
func (a *Allocator) Allocate(ctx context.Context, labID, ownerID uuid.UUID) (int, error) {
	var existing *int
	err := a.db.GetContext(ctx, &existing,
		`SELECT novnc_host_port FROM labs WHERE id = $1 AND owner_id = $2`, labID, ownerID)
	if err != nil {
		return 0, fmt.Errorf("read existing port: %w", err)
	}
	if existing != nil {
		return *existing, nil
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		port := a.portMin + rand.Intn(a.rangeLen)

		res, err := a.db.ExecContext(ctx, `
			UPDATE labs SET novnc_host_port = $3
			WHERE id = $1 AND owner_id = $2 AND novnc_host_port IS NULL
		`, labID, ownerID, port)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return 0, fmt.Errorf("allocate port: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("allocate port: %w", err)
		}
		if n == 0 {
			// No row updated: either the lab vanished, or a concurrent
			// allocator already set the port. Re-check idempotently.
			var recheck *int
			if err := a.db.GetContext(ctx, &recheck,
				`SELECT novnc_host_port FROM labs WHERE id = $1 AND owner_id = $2`, labID, ownerID); err != nil {
				return 0, fmt.Errorf("recheck port after no-op update: %w", err)
			}
			if recheck != nil {
				return *recheck, nil
			}
			return 0, fmt.Errorf("allocate port: %w", errkind.ErrNotFound)
		}

		if _, err := a.db.ExecContext(ctx,
			`INSERT INTO port_reservations (lab_id, port) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			labID, port); err != nil {
			return 0, fmt.Errorf("record port reservation: %w", err)
		}
		return port, nil
	}

	return 0, fmt.Errorf("%w: no free port found in %d attempts", errkind.ErrPortPoolExhausted, maxAttempts)
}

// Release clears a lab's port, if any. ownerID may be nil — the
// teardown worker only ever has a lab id. Calling Release twice is safe:
// the second call returns (false, nil).
func (a *Allocator) Release(ctx context.Context, labID uuid.UUID, ownerID *uuid.UUID) (bool, error) {
	query := `UPDATE labs SET novnc_host_port = NULL WHERE id = $1 AND novnc_host_port IS NOT NULL`
	args := []any{labID}
	if ownerID != nil {
		query += ` AND owner_id = $2`
		args = append(args, *ownerID)
	}

	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("release port: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release port: %w", err)
	}

	if _, err := a.db.ExecContext(ctx, `DELETE FROM port_reservations WHERE lab_id = $1`, labID); err != nil {
		return false, fmt.Errorf("clear port reservation: %w", err)
	}

	return n > 0, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
