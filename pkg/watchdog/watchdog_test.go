package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/octolabd/pkg/portalloc"
	"github.com/cuemby/octolabd/pkg/runtime"
	"github.com/cuemby/octolabd/pkg/storage"
	"github.com/cuemby/octolabd/pkg/types"
)

type singleBackendSelector struct{ backend runtime.LabRuntime }

func (s *singleBackendSelector) BackendFor(kind types.RuntimeKind) runtime.LabRuntime { return s.backend }

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "sqlmock"), mock
}

func TestRunDryRunPerformsNoWrites(t *testing.T) {
	db, mock := newMock(t)
	labs := storage.NewLabStore(db)
	ports := portalloc.New(db, 30000, 40000)
	sel := &singleBackendSelector{backend: runtime.NoopRuntime{}}
	w := New(labs, ports, sel)

	labID, ownerID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, status, runtime FROM labs`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "runtime"}).
			AddRow(labID, types.LabStatusEnding, types.RuntimeNoop))
	mock.ExpectCommit()

	labRows := sqlmock.NewRows([]string{
		"id", "owner_id", "recipe_id", "status", "runtime", "runtime_meta", "requested_intent",
		"novnc_host_port", "expires_at", "connection_url", "evidence_state", "evidence_finalized_at",
		"evidence_purged_at", "evidence_expires_at", "evidence_sealed_at", "evidence_seal_status",
		"evidence_manifest_sha256", "created_at", "updated_at", "finished_at",
	}).AddRow(labID, ownerID, uuid.New(), types.LabStatusEnding, types.RuntimeNoop, []byte("{}"), []byte("{}"),
		nil, nil, nil, types.EvidenceCollecting, nil, nil, nil, nil, types.EvidenceSealNone, nil,
		time.Now(), time.Now(), nil)
	mock.ExpectQuery(`SELECT .* FROM labs WHERE id = \$1$`).
		WithArgs(labID).
		WillReturnRows(labRows)

	touched, err := w.Run(context.Background(), Config{OlderThanMinutes: 30, MaxLabs: 10, DryRun: true, Action: ActionForce})
	require.NoError(t, err)
	require.Len(t, touched, 1)
	require.NotContains(t, touched[0].RedactedOwnerID, ownerID.String())
	require.NoError(t, mock.ExpectationsWereMet())
}
