package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/entitler-io/entitler/internal/api/middleware"
	"github.com/entitler-io/entitler/internal/storage"
)

// Search parameter bounds.
const (
	defaultSearchLimit = 20
	maxQuerySearchLim  = 100
)

// handleSearch handles GET /api/v1/transactions/search.
//
// Every search is entitlement-filtered: user_id is mandatory and only rows
// whose authorized-user array contains that user are returned. A caller with
// no entitlements gets an empty result set, never an error.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	params, paramErr := s.parseSearchParams(r)
	if paramErr != "" {
		s.writeProblem(w, BadRequest(paramErr, r.URL.Path, correlationID))

		return
	}

	results, err := s.deps.Searcher.Search(r.Context(), params)
	if err != nil {
		s.logger.Error("Transaction search failed",
			slog.String("user_id", params.UserID),
			slog.String("correlation_id", correlationID),
			slog.Any("error", err))

		s.writeProblem(w, InternalServerError("search failed", r.URL.Path, correlationID))

		return
	}

	rows := make([]SearchResultRow, 0, len(results))
	for _, e := range results {
		rows = append(rows, toSearchResultRow(e))
	}

	s.logger.Info("Transaction search completed",
		slog.String("user_id", params.UserID),
		slog.String("region", params.Region),
		slog.Int("result_count", len(rows)),
		slog.Duration("duration", time.Since(start)),
		slog.String("correlation_id", correlationID))

	s.writeJSON(w, http.StatusOK, SearchResponse{
		Results: rows,
		Count:   len(rows),
		Stale:   s.searchStale(r.Context(), params.Region, rows),
	})
}

// searchStale reports whether the regions covered by a search result are
// behind their staleness budget. With a region filter only that region's
// status matters; otherwise any stale region represented in the results
// taints the response. Status lookups are best effort, a failed read
// reports fresh rather than failing the search.
func (s *Server) searchStale(ctx context.Context, region string, rows []SearchResultRow) bool {
	if region != "" {
		status, err := s.deps.Refresh.RefreshStatus(ctx, region)
		if err != nil || status == nil {
			return false
		}

		return status.Stale
	}

	if len(rows) == 0 {
		return false
	}

	statuses, err := s.deps.Refresh.AllStatuses(ctx)
	if err != nil {
		return false
	}

	staleRegions := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		staleRegions[st.Region] = st.Stale
	}

	for _, row := range rows {
		if staleRegions[row.Region] {
			return true
		}
	}

	return false
}

// parseSearchParams validates query parameters. The returned string is empty
// when the parameters are valid, otherwise it holds the problem detail.
func (s *Server) parseSearchParams(r *http.Request) (storage.SearchParams, string) {
	query := r.URL.Query()

	params := storage.SearchParams{
		UserID: strings.TrimSpace(query.Get("user_id")),
		Query:  strings.TrimSpace(query.Get("q")),
		Region: strings.TrimSpace(query.Get("region")),
		Limit:  defaultSearchLimit,
	}

	if params.UserID == "" {
		return params, "user_id query parameter is required"
	}

	if params.Region != "" && !s.deps.Regions.IsKnown(params.Region) {
		return params, fmt.Sprintf("unknown region %q", params.Region)
	}

	if rawLimit := query.Get("limit"); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit < 1 || limit > maxQuerySearchLim {
			return params, fmt.Sprintf("limit must be an integer between 1 and %d", maxQuerySearchLim)
		}

		params.Limit = limit
	}

	return params, ""
}
