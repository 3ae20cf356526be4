// Package admin exposes the operator-facing HTTP surface (spec §6.6):
// liveness, readiness, and Prometheus metrics. It carries no business
// logic — every handler reports state owned elsewhere.
package admin

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the admin HTTP surface. ready flips true when MarkReady is
// called and never flips back; cmd/runner calls MarkReady just before
// Supervisor.RunAll, so it does not wait for any listener to start.
// When a QueueHealthChecker is attached, readyz also reflects its most
// recent round of queue connectivity checks.
type Server struct {
	httpServer *http.Server
	ready      atomic.Bool
	health     *QueueHealthChecker
}

// New builds the admin server bound to addr, with CORS wide open since
// this surface is operator/scraper-only traffic, never browser traffic.
func New(addr string) *Server {
	s := &Server{}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

// MarkReady flips the server into the ready state.
func (s *Server) MarkReady() { s.ready.Store(true) }

// AttachHealthChecker wires a QueueHealthChecker into readyz.
func (s *Server) AttachHealthChecker(h *QueueHealthChecker) { s.health = h }

// ListenAndServe runs the server; returns http.ErrServerClosed on a clean
// Shutdown, which callers should treat as non-fatal.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if s.health != nil {
		if healthy, issues := s.health.Healthy(); !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("queue unreachable: " + joinIssues(issues)))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func joinIssues(issues []string) string {
	out := ""
	for i, iss := range issues {
		if i > 0 {
			out += "; "
		}
		out += iss
	}
	return out
}
