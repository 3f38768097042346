// Package ophttp implements the daemon's operator HTTP surface —
// /healthz, /readyz, /metrics, and a /debug/sessions/{serverId}
// introspection endpoint — grounded on the teacher's
// internal/handlers/common.go Health/Ready pair (SPEC_FULL §11).
package ophttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openmohaa/telemetryd/internal/models"
)

// Pinger is satisfied by every backing store the readiness check touches.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function to Pinger, for backing stores (like
// go-redis, whose Ping returns a *StatusCmd) that don't match the
// interface directly.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// SessionLister is the subset of the session store introspection needs.
type SessionLister interface {
	ListServerSessions(serverID string) []*models.PlayerSession
}

type Server struct {
	postgres Pinger
	clickhouse Pinger
	redis    Pinger
	sessions SessionLister
}

func New(postgres, clickhouse, redis Pinger, sessions SessionLister) *Server {
	return &Server{postgres: postgres, clickhouse: clickhouse, redis: redis, sessions: sessions}
}

// Router builds the chi mux for the operator surface. Callers mount this
// on its own listener, separate from any game-facing ingest port.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/debug/sessions/{serverId}", s.handleDebugSessions)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]bool{
		"postgres":   s.postgres.Ping(ctx) == nil,
		"clickhouse": s.clickhouse.Ping(ctx) == nil,
		"redis":      s.redis.Ping(ctx) == nil,
	}

	allHealthy := true
	for _, ok := range checks {
		if !ok {
			allHealthy = false
			break
		}
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  allHealthy,
		"checks": checks,
	})
}

func (s *Server) handleDebugSessions(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")
	sessions := s.sessions.ListServerSessions(serverID)
	writeJSON(w, http.StatusOK, map[string]any{
		"serverId": serverID,
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
