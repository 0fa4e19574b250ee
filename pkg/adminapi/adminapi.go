// Package adminapi is the small operator-facing HTTP surface the core owns
// directly: liveness, Prometheus scrape, and the admin runtime override of
// spec §4.E. It carries no tenant routes and no RBAC — that is the outer
// HTTP/API layer's job, out of scope per §1.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuemby/octolabd/pkg/log"
	"github.com/cuemby/octolabd/pkg/metrics"
	"github.com/cuemby/octolabd/pkg/security"
	"github.com/cuemby/octolabd/pkg/types"
)

// Selector is the subset of pkg/selector.Selector the override endpoint needs.
type Selector interface {
	SetOverride(ctx context.Context, kind types.RuntimeKind) error
	CurrentKind() types.RuntimeKind
}

// Server builds the chi mux. It is never TLS-terminated itself — it is meant
// to sit behind a private network or a reverse proxy the operator controls.
type Server struct {
	selector      Selector
	internalToken string
}

// New builds a Server.
func New(sel Selector, internalToken string) *Server {
	return &Server{selector: sel, internalToken: internalToken}
}

// Router assembles the chi mux with its middleware and routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", metrics.ReadyHandler())
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/admin/runtime-override", s.handleRuntimeOverride)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type runtimeOverrideRequest struct {
	Token   string `json:"token"`
	Runtime string `json:"runtime"`
}

// handleRuntimeOverride implements the admin override of spec §4.E: it is
// guarded by a constant-time comparison against internal_token, never a
// simple ==, and it re-runs Doctor via the selector before taking effect.
func (s *Server) handleRuntimeOverride(w http.ResponseWriter, r *http.Request) {
	var req runtimeOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !security.ConstantTimeEqual(req.Token, s.internalToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	kind := types.RuntimeKind(req.Runtime)
	if err := s.selector.SetOverride(r.Context(), kind); err != nil {
		log.WithComponent("adminapi").Warn().Err(err).Str("runtime", req.Runtime).Msg("runtime override rejected")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"current_runtime": string(s.selector.CurrentKind())})
}
