package teardown

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

func TestTickClaimsAndFinalizesAlreadyGoneLab(t *testing.T) {
	db, mock := newMock(t)
	labs := storage.NewLabStore(db)
	ports := portalloc.New(db, 30000, 40000)
	sel := &singleBackendSelector{backend: runtime.NoopRuntime{}}
	w := New(labs, ports, sel, Config{BatchSize: 10, TeardownTimeoutSeconds: 10})

	labID := uuid.New()

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
	}).AddRow(labID, uuid.New(), uuid.New(), types.LabStatusEnding, types.RuntimeNoop, []byte("{}"), []byte("{}"),
		nil, nil, nil, types.EvidenceCollecting, nil, nil, nil, nil, types.EvidenceSealNone, nil,
		time.Now(), time.Now(), nil)
	mock.ExpectQuery(`SELECT .* FROM labs WHERE id = \$1$`).
		WithArgs(labID).
		WillReturnRows(labRows)

	mock.ExpectExec(`UPDATE labs SET status = 'FINISHED'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE labs SET evidence_state`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE labs SET evidence_seal_status`).WillReturnResult(sqlmock.NewResult(0, 1))

	w.Tick(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())
}
