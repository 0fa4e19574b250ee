package service

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/octolabd/pkg/errkind"
	"github.com/cuemby/octolabd/pkg/portalloc"
	"github.com/cuemby/octolabd/pkg/provisioner"
	"github.com/cuemby/octolabd/pkg/ratelimit"
	"github.com/cuemby/octolabd/pkg/runtime"
	"github.com/cuemby/octolabd/pkg/storage"
	"github.com/cuemby/octolabd/pkg/types"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "sqlmock"), mock
}

type fixedSelector struct{ backend runtime.LabRuntime }

func (f *fixedSelector) Current() runtime.LabRuntime                 { return f.backend }
func (f *fixedSelector) AssertReadyForLab(ctx context.Context) error { return nil }

func newService(t *testing.T, db *sqlx.DB) *Service {
	labs := storage.NewLabStore(db)
	ports := portalloc.New(db, 30000, 40000)
	sel := &fixedSelector{backend: runtime.NoopRuntime{}}
	prov := provisioner.New(labs, ports, sel, provisioner.Config{StartupTimeoutSeconds: 30, BindHost: "127.0.0.1"})
	return New(labs, ports, prov, ratelimit.NewLimiter(60), ratelimit.NewDedup(5*time.Minute))
}

func TestProvisionLabInsertsRequestedRow(t *testing.T) {
	db, mock := newMock(t)
	svc := newService(t, db)

	mock.ExpectExec(`INSERT INTO labs`).WillReturnResult(sqlmock.NewResult(0, 1))

	lab, err := svc.ProvisionLab(context.Background(), uuid.New(), uuid.New(), types.RuntimeNoop, nil)
	require.NoError(t, err)
	require.Equal(t, types.LabStatusRequested, lab.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTerminateLabRejectsFromRequested(t *testing.T) {
	db, mock := newMock(t)
	svc := newService(t, db)

	labID, ownerID := uuid.New(), uuid.New()
	labRows := sqlmock.NewRows([]string{
		"id", "owner_id", "recipe_id", "status", "runtime", "runtime_meta", "requested_intent",
		"novnc_host_port", "expires_at", "connection_url", "evidence_state", "evidence_finalized_at",
		"evidence_purged_at", "evidence_expires_at", "evidence_sealed_at", "evidence_seal_status",
		"evidence_manifest_sha256", "created_at", "updated_at", "finished_at",
	}).AddRow(labID, ownerID, uuid.New(), types.LabStatusRequested, types.RuntimeNoop, []byte("{}"), []byte("{}"),
		nil, nil, nil, types.EvidenceCollecting, nil, nil, nil, nil, types.EvidenceSealNone, nil,
		time.Now(), time.Now(), nil)
	mock.ExpectQuery(`SELECT .* FROM labs WHERE id = \$1 AND owner_id = \$2`).
		WithArgs(labID, ownerID).
		WillReturnRows(labRows)

	err := svc.TerminateLab(context.Background(), labID, ownerID)
	require.ErrorIs(t, err, errkind.ErrWrongState)
}

func TestIngestEventsRejectsDuplicate(t *testing.T) {
	db, mock := newMock(t)
	svc := newService(t, db)

	labID := uuid.New()
	ev := &types.EvidenceEvent{
		EventHash:     "fixed-hash",
		LabID:         labID,
		EventType:     types.EvidenceEventTerminalLog,
		ContainerName: "victim",
		Timestamp:     time.Now(),
		Payload:       []byte("hi"),
	}

	mock.ExpectExec(`INSERT INTO evidence_events`).WillReturnResult(sqlmock.NewResult(0, 1))

	accepted, err := svc.IngestEvents(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, accepted)

	accepted, err = svc.IngestEvents(context.Background(), ev)
	require.ErrorIs(t, err, errkind.ErrDuplicateEvent)
	require.False(t, accepted)
}
