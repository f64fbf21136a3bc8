// Package httpserver exposes the control API: wake requests, service status,
// desired-state overrides and consistency inspections.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"helmsman/internal/consistency"
	"helmsman/internal/orchestrator"
	"helmsman/internal/registry"
	"helmsman/pkg/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP control plane.
type Server struct {
	registry  *registry.Registry
	orch      *orchestrator.Orchestrator
	inspector *consistency.Inspector

	httpServer *http.Server
}

// New creates a Server listening on addr. The inspector may be nil when no
// stores are configured; consistency endpoints then answer 503.
func New(addr string, reg *registry.Registry, orch *orchestrator.Orchestrator, insp *consistency.Inspector) *Server {
	s := &Server{
		registry:  reg,
		orch:      orch,
		inspector: insp,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/wake", s.handleWake)
		r.Get("/services", s.handleListServices)
		r.Get("/services/{id}", s.handleGetService)
		r.Put("/services/{id}/desired", s.handleSetDesired)
		r.Get("/models", s.handleListModels)
		r.Get("/consistency/{key}", s.handleInspect)
		r.Post("/consistency/diff", s.handleInspectBatch)
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("HTTP", "Control API listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
