// Package main provides the Entitler entitlement maintenance service.
//
// The service keeps per-transaction authorized-user arrays consistent with
// region membership state: it ingests membership and transaction writes,
// schedules bounded-staleness refresh cycles, and serves entitlement-filtered
// transaction search.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/entitler-io/entitler/internal/api"
	"github.com/entitler-io/entitler/internal/api/middleware"
	"github.com/entitler-io/entitler/internal/changefeed"
	"github.com/entitler-io/entitler/internal/config"
	"github.com/entitler-io/entitler/internal/enrichment"
	"github.com/entitler-io/entitler/internal/refresh"
	"github.com/entitler-io/entitler/internal/regions"
	"github.com/entitler-io/entitler/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "entitler"
)

func main() { //nolint:funlen,cyclop // top-level wiring
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting Entitler service",
		slog.String("service", name),
		slog.String("version", version),
	)

	if err := serverConfig.Validate(); err != nil {
		logger.Error("Invalid server configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage layer.
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(ctx, storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	membershipStore, err := storage.NewMembershipStore(dbConn, logger)
	if err != nil {
		exitFatal(logger, dbConn, "Failed to create membership store", err)
	}

	transactionStore, err := storage.NewTransactionStore(dbConn, logger)
	if err != nil {
		exitFatal(logger, dbConn, "Failed to create transaction store", err)
	}

	enrichedStore, err := storage.NewEnrichedStore(dbConn, logger)
	if err != nil {
		exitFatal(logger, dbConn, "Failed to create enriched store", err)
	}

	statusStore, err := storage.NewRefreshStatusStore(dbConn, logger)
	if err != nil {
		exitFatal(logger, dbConn, "Failed to create refresh status store", err)
	}

	// Region registry: configured regions or built-in defaults.
	regionConfig, err := regions.LoadConfigFromEnv()
	if err != nil {
		logger.Warn("Failed to load region configuration, using defaults", slog.Any("error", err))
	}

	registry := regions.NewRegistry(regionConfig)

	logger.Info("Region registry initialized",
		slog.Int("region_count", registry.Count()),
		slog.Any("regions", registry.Names()),
	)

	// Refresh coordinator.
	refreshConfig := refresh.LoadConfig()
	if err := refreshConfig.Validate(); err != nil {
		exitFatal(logger, dbConn, "Invalid refresh configuration", err)
	}

	materializer := enrichment.NewMaterializer(logger)
	coordinator := refresh.NewCoordinator(
		refreshConfig,
		logger,
		membershipStore,
		transactionStore,
		enrichedStore,
		statusStore,
		materializer,
	)

	go func() {
		if err := coordinator.Run(ctx); err != nil {
			logger.Error("Refresh coordinator stopped with error", slog.Any("error", err))
		}
	}()

	// Optional Kafka changefeed consumer.
	feedConfig := changefeed.LoadConfig()
	if feedConfig.Enabled() {
		consumer := changefeed.NewConsumer(feedConfig, membershipStore, coordinator, logger)

		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("Changefeed consumer stopped with error", slog.Any("error", err))
			}
		}()

		defer func() {
			_ = consumer.Close()
		}()

		logger.Info("Changefeed consumer started",
			slog.Any("brokers", feedConfig.Brokers),
			slog.String("topic", feedConfig.Topic),
			slog.String("group_id", feedConfig.GroupID),
		)
	} else {
		logger.Info("Changefeed consumer disabled (no brokers configured)")
	}

	// API key authentication.
	var apiKeyStore storage.APIKeyStore

	authEnabled := config.GetEnvBool("ENTITLER_AUTH_ENABLED", false)
	if authEnabled {
		apiKeyStore, err = storage.NewPersistentKeyStore(dbConn, logger)
		if err != nil {
			exitFatal(logger, dbConn, "Failed to create persistent key store", err)
		}

		logger.Info("Client authentication enabled",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("Client authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set ENTITLER_AUTH_ENABLED=true to enable API key authentication"),
		)
	}

	// Rate limiting.
	rateLimitConfig := middleware.LoadRateLimitConfig()
	if err := rateLimitConfig.Validate(); err != nil {
		exitFatal(logger, dbConn, "Invalid rate limit configuration", err)
	}

	rateLimiter := middleware.NewInMemoryRateLimiter(rateLimitConfig, logger)
	defer rateLimiter.Close()

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", rateLimitConfig.GlobalRPS),
		slog.Int("client_rps", rateLimitConfig.ClientRPS),
		slog.Int("unauth_rps", rateLimitConfig.UnauthenticatedRPS),
	)

	server, err := api.NewServer(serverConfig, logger, api.Dependencies{
		Memberships:  membershipStore,
		Transactions: transactionStore,
		Searcher:     enrichedStore,
		Refresh:      coordinator,
		Health:       enrichedStore,
		Regions:      registry,
		APIKeyStore:  apiKeyStore,
		RateLimiter:  rateLimiter,
	})
	if err != nil {
		exitFatal(logger, dbConn, "Failed to create API server", err)
	}

	if err := server.Start(ctx); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Entitler service stopped")
}

// exitFatal logs the error, closes the database connection explicitly
// (defers do not run past os.Exit), and terminates.
func exitFatal(logger *slog.Logger, dbConn *storage.Connection, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))

	_ = dbConn.Close()

	os.Exit(1)
}
