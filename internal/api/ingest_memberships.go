package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/entitler-io/entitler/internal/api/middleware"
	"github.com/entitler-io/entitler/internal/entitlement"
)

// maxBatchSize caps the number of rows accepted in one ingest batch.
const maxBatchSize = 1000

// Row validation errors surfaced in batch responses.
var (
	errUserIDRequired    = errors.New("user_id is required")
	errRegionRequired    = errors.New("region is required")
	errRegionUnknown     = errors.New("unknown region")
	errStatusInvalid     = errors.New("status must be ACTIVE or INACTIVE")
	errUpdatedAtRequired = errors.New("updated_at is required")
)

// handleIngestMemberships handles POST /api/v1/memberships.
//
// The batch is validated row by row: structurally invalid rows are rejected
// individually while the rest of the batch proceeds. Stored rows are reported
// to the refresh coordinator so affected regions get scheduled.
func (s *Server) handleIngestMemberships(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	var req MembershipBatchRequest
	if err := s.decodeJSONBody(r, &req); err != nil {
		s.writeDecodeError(w, r, correlationID, err)

		return
	}

	if len(req.Memberships) == 0 {
		s.writeProblem(w, BadRequest("memberships array is empty", r.URL.Path, correlationID))

		return
	}

	if len(req.Memberships) > maxBatchSize {
		detail := fmt.Sprintf("batch exceeds %d rows", maxBatchSize)
		s.writeProblem(w, PayloadTooLarge(detail, r.URL.Path, correlationID))

		return
	}

	rowErrors := make([]RowError, 0)
	rows := make([]entitlement.Membership, 0, len(req.Memberships))
	rowIndex := make(map[string]int, len(req.Memberships))

	for i, m := range req.Memberships {
		if err := s.validateMembershipRow(m); err != nil {
			rowErrors = append(rowErrors, RowError{Index: i, ID: m.UserID, Error: err.Error()})

			continue
		}

		rowIndex[m.UserID] = i

		rows = append(rows, m.toMembership())
	}

	var stored int

	if len(rows) > 0 {
		var (
			invalid []*entitlement.ValidationError
			err     error
		)

		stored, invalid, err = s.deps.Memberships.UpsertMemberships(r.Context(), rows)
		if err != nil {
			s.logger.Error("Membership batch persist failed",
				slog.String("correlation_id", correlationID),
				slog.Any("error", err))

			s.writeProblem(w, InternalServerError("failed to store memberships", r.URL.Path, correlationID))

			return
		}

		for _, ve := range invalid {
			rowErrors = append(rowErrors, RowError{
				Index: rowIndex[ve.Membership.UserID],
				ID:    ve.Membership.UserID,
				Error: ve.Err.Error(),
			})
		}

		if stored > 0 {
			s.deps.Refresh.NotifyMembershipChange(rows...)
		}
	}

	s.logger.Info("Membership batch ingested",
		slog.Int("received", len(req.Memberships)),
		slog.Int("stored", stored),
		slog.Int("failed", len(rowErrors)),
		slog.Duration("duration", time.Since(start)),
		slog.String("correlation_id", correlationID))

	statusCode := http.StatusOK
	if len(rowErrors) > 0 {
		statusCode = http.StatusMultiStatus
	}

	s.writeJSON(w, statusCode, BatchResponse{
		Stored: stored,
		Failed: len(rowErrors),
		Errors: rowErrors,
	})
}

// validateMembershipRow checks the fields the API contract requires before a
// row reaches the store.
func (s *Server) validateMembershipRow(m MembershipRequest) error {
	if strings.TrimSpace(m.UserID) == "" {
		return errUserIDRequired
	}

	if strings.TrimSpace(m.Region) == "" {
		return errRegionRequired
	}

	if !s.deps.Regions.IsKnown(m.Region) {
		return fmt.Errorf("%w: %q", errRegionUnknown, m.Region)
	}

	if !entitlement.Status(m.Status).IsValid() {
		return fmt.Errorf("%w: got %q", errStatusInvalid, m.Status)
	}

	if m.UpdatedAt.IsZero() {
		return errUpdatedAtRequired
	}

	return nil
}
