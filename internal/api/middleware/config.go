package middleware

import (
	"fmt"
	"time"

	"github.com/entitler-io/entitler/internal/config"
)

// Default rate limiting values.
const (
	// DefaultGlobalRPS is the default global rate limit (requests per second).
	DefaultGlobalRPS = 1000

	// DefaultClientRPS is the default per-client rate limit.
	DefaultClientRPS = 100

	// DefaultUnauthenticatedRPS is the default rate limit for unauthenticated requests.
	DefaultUnauthenticatedRPS = 10

	// DefaultBurstMultiplier determines burst capacity relative to the rate.
	DefaultBurstMultiplier = 2

	// DefaultCleanupInterval is how often idle client limiters are evicted.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultIdleTimeout is how long a client limiter may sit unused before eviction.
	DefaultIdleTimeout = 15 * time.Minute

	// DefaultMaxClients caps the number of tracked per-client limiters.
	DefaultMaxClients = 10000
)

// RateLimitConfig holds rate limiting configuration for the API server.
type RateLimitConfig struct {
	// GlobalRPS limits total requests per second across all clients.
	GlobalRPS int

	// GlobalBurst is the global burst capacity.
	GlobalBurst int

	// ClientRPS limits requests per second for each authenticated client.
	ClientRPS int

	// ClientBurst is the per-client burst capacity.
	ClientBurst int

	// UnauthenticatedRPS limits requests per second for unauthenticated traffic.
	UnauthenticatedRPS int

	// UnauthenticatedBurst is the unauthenticated burst capacity.
	UnauthenticatedBurst int

	// CleanupInterval is how often the limiter evicts idle client entries.
	CleanupInterval time.Duration

	// IdleTimeout is how long a client entry may be idle before eviction.
	IdleTimeout time.Duration

	// MaxClients caps the number of tracked per-client limiters.
	MaxClients int
}

// LoadRateLimitConfig loads rate limiting configuration from environment
// variables with sensible defaults. Burst capacities default to twice the
// corresponding rate when not set explicitly.
func LoadRateLimitConfig() *RateLimitConfig {
	globalRPS := config.GetEnvInt("ENTITLER_GLOBAL_RPS", DefaultGlobalRPS)
	clientRPS := config.GetEnvInt("ENTITLER_CLIENT_RPS", DefaultClientRPS)
	unauthRPS := config.GetEnvInt("ENTITLER_UNAUTH_RPS", DefaultUnauthenticatedRPS)

	return &RateLimitConfig{
		GlobalRPS:            globalRPS,
		GlobalBurst:          config.GetEnvInt("ENTITLER_GLOBAL_BURST", globalRPS*DefaultBurstMultiplier),
		ClientRPS:            clientRPS,
		ClientBurst:          config.GetEnvInt("ENTITLER_CLIENT_BURST", clientRPS*DefaultBurstMultiplier),
		UnauthenticatedRPS:   unauthRPS,
		UnauthenticatedBurst: config.GetEnvInt("ENTITLER_UNAUTH_BURST", unauthRPS*DefaultBurstMultiplier),
		CleanupInterval:      config.GetEnvDuration("ENTITLER_RATE_LIMIT_CLEANUP_INTERVAL", DefaultCleanupInterval),
		IdleTimeout:          config.GetEnvDuration("ENTITLER_RATE_LIMIT_IDLE_TIMEOUT", DefaultIdleTimeout),
		MaxClients:           config.GetEnvInt("ENTITLER_RATE_LIMIT_MAX_CLIENTS", DefaultMaxClients),
	}
}

// Validate checks the configuration for invalid values.
func (c *RateLimitConfig) Validate() error {
	if c.GlobalRPS <= 0 {
		return fmt.Errorf("global RPS must be positive, got %d", c.GlobalRPS)
	}

	if c.ClientRPS <= 0 {
		return fmt.Errorf("client RPS must be positive, got %d", c.ClientRPS)
	}

	if c.UnauthenticatedRPS <= 0 {
		return fmt.Errorf("unauthenticated RPS must be positive, got %d", c.UnauthenticatedRPS)
	}

	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", c.CleanupInterval)
	}

	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", c.IdleTimeout)
	}

	if c.MaxClients <= 0 {
		return fmt.Errorf("max clients must be positive, got %d", c.MaxClients)
	}

	return nil
}
