package provisioner

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

type fakeSelector struct{ backend runtime.LabRuntime }

func (f *fakeSelector) Current() runtime.LabRuntime                 { return f.backend }
func (f *fakeSelector) AssertReadyForLab(ctx context.Context) error { return nil }

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "sqlmock"), mock
}

func TestProvisionRecipeMissingMarksFailed(t *testing.T) {
	db, mock := newMock(t)
	labs := storage.NewLabStore(db)
	ports := portalloc.New(db, 30000, 40000)
	sel := &fakeSelector{backend: runtime.NoopRuntime{}}
	p := New(labs, ports, sel, Config{StartupTimeoutSeconds: 30, BindHost: "127.0.0.1"})

	labID, ownerID, recipeID := uuid.New(), uuid.New(), uuid.New()

	labRows := sqlmock.NewRows([]string{
		"id", "owner_id", "recipe_id", "status", "runtime", "runtime_meta", "requested_intent",
		"novnc_host_port", "expires_at", "connection_url", "evidence_state", "evidence_finalized_at",
		"evidence_purged_at", "evidence_expires_at", "evidence_sealed_at", "evidence_seal_status",
		"evidence_manifest_sha256", "created_at", "updated_at", "finished_at",
	}).AddRow(labID, ownerID, recipeID, types.LabStatusRequested, types.RuntimeNoop, []byte("{}"), []byte("{}"),
		nil, nil, nil, types.EvidenceCollecting, nil, nil, nil, nil, types.EvidenceSealNone, nil,
		time.Now(), time.Now(), nil)

	mock.ExpectQuery(`SELECT .* FROM labs WHERE id = \$1 AND owner_id = \$2`).
		WithArgs(labID, ownerID).
		WillReturnRows(labRows)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(recipeID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	mock.ExpectExec(`UPDATE labs SET status = 'FAILED'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.Provision(context.Background(), labID, ownerID)
	require.Error(t, err)
}
