package api

import (
	"net/http"

	"github.com/entitler-io/entitler/internal/api/middleware"
)

// Permissions enforced on protected endpoints.
const (
	// PermissionIngest guards membership and transaction writes.
	PermissionIngest = "ingest"

	// PermissionRefresh guards manual refresh and status reads.
	PermissionRefresh = "refresh"

	// PermissionSearch guards enriched transaction reads.
	PermissionSearch = "search"
)

// routes builds the route table. Health endpoints are registered as public so
// the authentication middleware lets probes through without keys.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	middleware.RegisterPublicEndpoint("/ping")
	middleware.RegisterPublicEndpoint("/health")
	middleware.RegisterPublicEndpoint("/ready")

	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	ingest := middleware.RequirePermission(PermissionIngest, s.logger)
	refreshPerm := middleware.RequirePermission(PermissionRefresh, s.logger)
	search := middleware.RequirePermission(PermissionSearch, s.logger)

	mux.Handle("POST /api/v1/memberships", ingest(http.HandlerFunc(s.handleIngestMemberships)))
	mux.Handle("POST /api/v1/transactions", ingest(http.HandlerFunc(s.handleIngestTransactions)))

	mux.Handle("POST /api/v1/regions/{region}/refresh", refreshPerm(http.HandlerFunc(s.handleForceRefresh)))
	mux.Handle("GET /api/v1/regions/{region}/status", refreshPerm(http.HandlerFunc(s.handleRegionStatus)))
	mux.Handle("GET /api/v1/regions/status", refreshPerm(http.HandlerFunc(s.handleAllStatuses)))

	mux.Handle("GET /api/v1/transactions/search", search(http.HandlerFunc(s.handleSearch)))

	// Catch-all for unknown paths, answered as problem+json instead of the
	// mux default plain-text 404.
	mux.HandleFunc("/", s.handleNotFound)

	return mux
}
