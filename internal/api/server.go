// Package api provides the HTTP surface of the entitlement pipeline: batch
// membership and transaction ingest, manual refresh control, refresh status,
// and entitlement-filtered transaction search.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/entitler-io/entitler/internal/api/middleware"
	"github.com/entitler-io/entitler/internal/enrichment"
	"github.com/entitler-io/entitler/internal/entitlement"
	"github.com/entitler-io/entitler/internal/refresh"
	"github.com/entitler-io/entitler/internal/regions"
	"github.com/entitler-io/entitler/internal/storage"
)

type (
	// MembershipIngestor persists membership rows with last-writer-wins
	// semantics and reports per-row validation failures.
	MembershipIngestor interface {
		UpsertMemberships(
			ctx context.Context,
			memberships []entitlement.Membership,
		) (int, []*entitlement.ValidationError, error)
	}

	// TransactionIngestor persists source transaction rows.
	TransactionIngestor interface {
		InsertTransactions(ctx context.Context, txns []enrichment.Transaction) (int, []error, error)
	}

	// TransactionSearcher serves entitlement-filtered reads of the enriched view.
	TransactionSearcher interface {
		Search(ctx context.Context, params storage.SearchParams) ([]enrichment.EnrichedTransaction, error)
	}

	// RefreshController exposes the refresh coordinator operations the API
	// surfaces: change notification, manual refresh, and status reads.
	RefreshController interface {
		NotifyMembershipChange(changes ...entitlement.Membership)
		NotifyTransactionWrite(region string, count int)
		ForceRefresh(ctx context.Context, region string) error
		RefreshStatus(ctx context.Context, region string) (*refresh.Status, error)
		AllStatuses(ctx context.Context) ([]refresh.Status, error)
	}

	// HealthChecker reports backing-store reachability for the readiness probe.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// Dependencies bundles everything the server needs. APIKeyStore and
	// RateLimiter may be nil, in which case the corresponding middleware is
	// skipped.
	Dependencies struct {
		Memberships  MembershipIngestor
		Transactions TransactionIngestor
		Searcher     TransactionSearcher
		Refresh      RefreshController
		Health       HealthChecker
		Regions      *regions.Registry
		APIKeyStore  storage.APIKeyStore
		RateLimiter  middleware.RateLimiter
	}

	// Server is the HTTP API server.
	Server struct {
		config *ServerConfig
		logger *slog.Logger
		deps   Dependencies
		server *http.Server

		// closers are shut down after the HTTP server drains.
		closers []io.Closer
	}
)

// ErrNilDependency is returned when a required dependency is missing.
var ErrNilDependency = errors.New("required dependency is nil")

// NewServer creates an API server with the given configuration and
// dependencies. The configuration must already be validated.
func NewServer(config *ServerConfig, logger *slog.Logger, deps Dependencies) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	switch {
	case deps.Memberships == nil:
		return nil, fmt.Errorf("%w: membership ingestor", ErrNilDependency)
	case deps.Transactions == nil:
		return nil, fmt.Errorf("%w: transaction ingestor", ErrNilDependency)
	case deps.Searcher == nil:
		return nil, fmt.Errorf("%w: transaction searcher", ErrNilDependency)
	case deps.Refresh == nil:
		return nil, fmt.Errorf("%w: refresh controller", ErrNilDependency)
	case deps.Regions == nil:
		return nil, fmt.Errorf("%w: region registry", ErrNilDependency)
	}

	s := &Server{
		config: config,
		logger: logger,
		deps:   deps,
	}

	keyStore := deps.APIKeyStore
	if config.AuthDisabled {
		keyStore = nil

		logger.Warn("API key authentication is disabled")
	}

	handler := middleware.Apply(s.routes(),
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithClientAuth(keyStore, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(config),
	)

	s.server = &http.Server{
		Addr:         config.Address(),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s, nil
}

// AddCloser registers a resource to be closed during graceful shutdown, after
// the HTTP listener has drained.
func (s *Server) AddCloser(c io.Closer) {
	s.closers = append(s.closers, c)
}

// Start runs the server until ctx is cancelled or SIGINT/SIGTERM arrives,
// then shuts down gracefully within ShutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("API server listening",
			slog.String("address", s.config.Address()))

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Warn("Failed to close resource during shutdown", slog.Any("error", err))
		}
	}

	s.logger.Info("API server stopped")

	return nil
}
