package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/octolabd/pkg/types"
)

type fakeSelector struct {
	current types.RuntimeKind
	setErr  error
}

func (f *fakeSelector) SetOverride(ctx context.Context, kind types.RuntimeKind) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.current = kind
	return nil
}

func (f *fakeSelector) CurrentKind() types.RuntimeKind { return f.current }

func TestHealthzReturnsOK(t *testing.T) {
	srv := New(&fakeSelector{current: types.RuntimeNoop}, "secret")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRuntimeOverrideRejectsBadToken(t *testing.T) {
	srv := New(&fakeSelector{current: types.RuntimeNoop}, "secret")
	body, _ := json.Marshal(runtimeOverrideRequest{Token: "wrong", Runtime: "compose"})
	req := httptest.NewRequest(http.MethodPost, "/admin/runtime-override", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRuntimeOverrideAppliesWithValidToken(t *testing.T) {
	sel := &fakeSelector{current: types.RuntimeNoop}
	srv := New(sel, "secret")
	body, _ := json.Marshal(runtimeOverrideRequest{Token: "secret", Runtime: "compose"})
	req := httptest.NewRequest(http.MethodPost, "/admin/runtime-override", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.RuntimeKind("compose"), sel.current)
}
