package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/entitler-io/entitler/internal/api/middleware"
)

const readinessTimeout = 5 * time.Second

// handlePing answers liveness probes. No dependencies are touched.
func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth reports basic service health for monitoring dashboards.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "entitler",
		"regions": s.deps.Regions.Names(),
	})
}

// handleReady answers readiness probes by checking the backing store. When no
// health checker is wired (in-memory deployments) readiness degrades to
// liveness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if err := s.deps.Health.HealthCheck(ctx); err != nil {
		correlationID := middleware.GetCorrelationID(r.Context())

		s.logger.Error("Readiness check failed",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err))

		s.writeProblem(w, ServiceUnavailable("backing store unavailable", r.URL.Path, correlationID))

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleNotFound answers unknown paths with problem+json.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	s.writeProblem(w, NotFound("no such endpoint", r.URL.Path, correlationID))
}
