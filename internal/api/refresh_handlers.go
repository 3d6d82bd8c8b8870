package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/entitler-io/entitler/internal/api/middleware"
	"github.com/entitler-io/entitler/internal/refresh"
)

// handleForceRefresh handles POST /api/v1/regions/{region}/refresh.
//
// The refresh runs synchronously: either the enrichment set was swapped when
// the response is written, or the error is surfaced. A cycle already in
// flight for the region answers 409 rather than queueing a second one.
func (s *Server) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	region := r.PathValue("region")
	if !s.deps.Regions.IsKnown(region) {
		detail := fmt.Sprintf("unknown region %q", region)
		s.writeProblem(w, NotFound(detail, r.URL.Path, correlationID))

		return
	}

	if err := s.deps.Refresh.ForceRefresh(r.Context(), region); err != nil {
		if errors.Is(err, refresh.ErrLeaseHeld) {
			s.writeProblem(w, Conflict("refresh already in progress for region", r.URL.Path, correlationID))

			return
		}

		s.logger.Error("Forced refresh failed",
			slog.String("region", region),
			slog.String("correlation_id", correlationID),
			slog.Any("error", err))

		s.writeProblem(w, InternalServerError("refresh cycle failed", r.URL.Path, correlationID))

		return
	}

	s.logger.Info("Forced refresh completed",
		slog.String("region", region),
		slog.Duration("duration", time.Since(start)),
		slog.String("correlation_id", correlationID))

	status, err := s.deps.Refresh.RefreshStatus(r.Context(), region)
	if err != nil {
		// The refresh itself succeeded; report that even if the status read
		// raced with something.
		status = nil
	}

	s.writeJSON(w, http.StatusOK, RefreshAcceptedResponse{Region: region, Status: status})
}

// handleRegionStatus handles GET /api/v1/regions/{region}/status.
func (s *Server) handleRegionStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	region := r.PathValue("region")
	if !s.deps.Regions.IsKnown(region) {
		detail := fmt.Sprintf("unknown region %q", region)
		s.writeProblem(w, NotFound(detail, r.URL.Path, correlationID))

		return
	}

	status, err := s.deps.Refresh.RefreshStatus(r.Context(), region)
	if err != nil {
		if errors.Is(err, refresh.ErrRegionUnknown) {
			// Region is configured but has never been written to: report the
			// idle zero state rather than erroring.
			s.writeJSON(w, http.StatusOK, refresh.Status{Region: region, State: refresh.StateIdle})

			return
		}

		s.logger.Error("Refresh status read failed",
			slog.String("region", region),
			slog.String("correlation_id", correlationID),
			slog.Any("error", err))

		s.writeProblem(w, InternalServerError("failed to read refresh status", r.URL.Path, correlationID))

		return
	}

	s.writeJSON(w, http.StatusOK, status)
}

// handleAllStatuses handles GET /api/v1/regions/status.
func (s *Server) handleAllStatuses(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	statuses, err := s.deps.Refresh.AllStatuses(r.Context())
	if err != nil {
		s.logger.Error("Refresh status list failed",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err))

		s.writeProblem(w, InternalServerError("failed to list refresh statuses", r.URL.Path, correlationID))

		return
	}

	if statuses == nil {
		statuses = []refresh.Status{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"statuses": statuses,
		"count":    len(statuses),
	})
}
