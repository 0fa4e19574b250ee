// Package storage is the Postgres-backed persistence layer for labs, port
// reservations, and evidence events (spec §3, §6.4). Postgres is used instead
// of the teacher's embedded BoltDB because the Teardown Worker (§4.H) and the
// Port Allocator (§4.C) both depend on real cross-row, cross-process locking
// (`SELECT ... FOR UPDATE SKIP LOCKED`, unique-constraint retry) that a
// single-process embedded store cannot provide.
package storage

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to Postgres via the pgx stdlib driver and wraps the handle in
// sqlx for the convenience methods (Get/Select/NamedExec) the rest of the
// package uses.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return db, nil
}

// Migrate runs all pending goose migrations embedded in this package.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
