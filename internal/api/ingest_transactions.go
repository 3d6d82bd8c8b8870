package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/entitler-io/entitler/internal/api/middleware"
	"github.com/entitler-io/entitler/internal/enrichment"
)

// handleIngestTransactions handles POST /api/v1/transactions.
//
// Transactions are immutable source facts: rows are only ever inserted, and
// duplicate transaction ids are rejected per row by the store. Stored counts
// are reported to the refresh coordinator per region.
func (s *Server) handleIngestTransactions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	var req TransactionBatchRequest
	if err := s.decodeJSONBody(r, &req); err != nil {
		s.writeDecodeError(w, r, correlationID, err)

		return
	}

	if len(req.Transactions) == 0 {
		s.writeProblem(w, BadRequest("transactions array is empty", r.URL.Path, correlationID))

		return
	}

	if len(req.Transactions) > maxBatchSize {
		detail := fmt.Sprintf("batch exceeds %d rows", maxBatchSize)
		s.writeProblem(w, PayloadTooLarge(detail, r.URL.Path, correlationID))

		return
	}

	rowErrors := make([]RowError, 0)
	rows := make([]enrichment.Transaction, 0, len(req.Transactions))
	regionCounts := make(map[string]int)

	for i, t := range req.Transactions {
		txn := t.toTransaction()

		if err := enrichment.ValidateTransaction(txn); err != nil {
			rowErrors = append(rowErrors, RowError{Index: i, ID: t.ID, Error: err.Error()})

			continue
		}

		if !s.deps.Regions.IsKnown(txn.Region) {
			rowErrors = append(rowErrors, RowError{
				Index: i,
				ID:    t.ID,
				Error: fmt.Sprintf("unknown region %q", txn.Region),
			})

			continue
		}

		rows = append(rows, txn)
		regionCounts[txn.Region]++
	}

	var stored int

	if len(rows) > 0 {
		var (
			rejected []error
			err      error
		)

		stored, rejected, err = s.deps.Transactions.InsertTransactions(r.Context(), rows)
		if err != nil {
			s.logger.Error("Transaction batch persist failed",
				slog.String("correlation_id", correlationID),
				slog.Any("error", err))

			s.writeProblem(w, InternalServerError("failed to store transactions", r.URL.Path, correlationID))

			return
		}

		for _, rejErr := range rejected {
			rowErrors = append(rowErrors, RowError{Index: -1, Error: rejErr.Error()})
		}

		if stored > 0 {
			for region, count := range regionCounts {
				s.deps.Refresh.NotifyTransactionWrite(region, count)
			}
		}
	}

	s.logger.Info("Transaction batch ingested",
		slog.Int("received", len(req.Transactions)),
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
