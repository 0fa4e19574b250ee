package portalloc

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "sqlmock"), mock
}

func TestAllocateReturnsExistingPortIdempotently(t *testing.T) {
	db, mock := newMock(t)
	labID, ownerID := uuid.New(), uuid.New()

	rows := sqlmock.NewRows([]string{"novnc_host_port"}).AddRow(30123)
	mock.ExpectQuery(`SELECT novnc_host_port FROM labs WHERE id = \$1 AND owner_id = \$2`).
		WithArgs(labID, ownerID).
		WillReturnRows(rows)

	a := New(db, 30000, 40000)
	port, err := a.Allocate(context.Background(), labID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, 30123, port)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocateRetriesOnUniqueViolationThenSucceeds(t *testing.T) {
	db, mock := newMock(t)
	labID, ownerID := uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT novnc_host_port FROM labs`).
		WithArgs(labID, ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"novnc_host_port"}).AddRow(nil))

	mock.ExpectExec(`UPDATE labs SET novnc_host_port`).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})

	mock.ExpectExec(`UPDATE labs SET novnc_host_port`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(`INSERT INTO port_reservations`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	a := New(db, 30000, 40000)
	port, err := a.Allocate(context.Background(), labID, ownerID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 30000)
	assert.LessOrEqual(t, port, 40000)
}

func TestReleaseIsIdempotent(t *testing.T) {
	db, mock := newMock(t)
	labID := uuid.New()

	mock.ExpectExec(`UPDATE labs SET novnc_host_port = NULL WHERE id = \$1 AND novnc_host_port IS NOT NULL`).
		WithArgs(labID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM port_reservations WHERE lab_id = \$1`).
		WithArgs(labID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := New(db, 30000, 40000)
	released, err := a.Release(context.Background(), labID, nil)
	require.NoError(t, err)
	assert.True(t, released)

	mock.ExpectExec(`UPDATE labs SET novnc_host_port = NULL WHERE id = \$1 AND novnc_host_port IS NOT NULL`).
		WithArgs(labID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM port_reservations WHERE lab_id = \$1`).
		WithArgs(labID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	released, err = a.Release(context.Background(), labID, nil)
	require.NoError(t, err)
	assert.False(t, released)
}
