package refresh

import (
	"errors"
	"time"

	"github.com/entitler-io/entitler/internal/config"
)

const (
	defaultStalenessBound  = time.Minute
	defaultBatchThreshold  = 25
	defaultMaxRetries      = 3
	defaultCycleTimeout    = 30 * time.Second
	defaultLeaseTTL        = time.Minute
	defaultMaxConcurrent   = 4
	defaultInitialBackoff  = 500 * time.Millisecond
	defaultStaleMultiplier = 3
)

// Sentinel errors for coordinator configuration validation.
var (
	// ErrInvalidStalenessBound is returned when the staleness bound is not positive.
	ErrInvalidStalenessBound = errors.New("staleness bound must be greater than zero")

	// ErrInvalidBatchThreshold is returned when the batch threshold is not positive.
	ErrInvalidBatchThreshold = errors.New("batch threshold must be greater than zero")

	// ErrInvalidLeaseTTL is returned when the lease TTL does not cover the cycle timeout.
	ErrInvalidLeaseTTL = errors.New("lease TTL must be at least the cycle timeout")

	// ErrInvalidMaxRetries is returned when the retry budget is negative.
	ErrInvalidMaxRetries = errors.New("max retries must not be negative")

	// ErrInvalidMaxConcurrent is returned when the concurrency limit is not positive.
	ErrInvalidMaxConcurrent = errors.New("max concurrent must be greater than zero")

	// ErrInvalidInitialBackoff is returned when the backoff seed is not positive.
	ErrInvalidInitialBackoff = errors.New("initial backoff must be greater than zero")
)

// Config holds refresh coordinator settings.
type Config struct {
	// StalenessBound is the maximum acceptable delay between a source write
	// and its reflection in enriched data. It doubles as the debounce window:
	// bursty writes within one bound collapse into a single cycle.
	StalenessBound time.Duration

	// BatchThreshold triggers a refresh before the debounce window elapses
	// once this many changes have accumulated for a region.
	BatchThreshold int

	// MaxRetries bounds automatic retries of a failed cycle before the
	// region is surfaced as stale.
	MaxRetries int

	// CycleTimeout is the wall-clock budget for one resolver+materializer
	// pass; an overrunning cycle is treated as failed.
	CycleTimeout time.Duration

	// LeaseTTL bounds how long a crashed worker can block a region.
	LeaseTTL time.Duration

	// MaxConcurrent bounds how many region cycles run at once.
	MaxConcurrent int

	// InitialBackoff seeds the exponential retry backoff.
	InitialBackoff time.Duration

	// StaleMultiplier: a region is flagged stale when it has pending changes
	// and has not refreshed within StaleMultiplier × StalenessBound.
	StaleMultiplier int
}

// LoadConfig loads coordinator configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		StalenessBound: config.GetEnvDuration("ENTITLER_STALENESS_BOUND", defaultStalenessBound),
		BatchThreshold: config.GetEnvInt("ENTITLER_BATCH_THRESHOLD", defaultBatchThreshold),
		MaxRetries:     config.GetEnvInt("ENTITLER_REFRESH_MAX_RETRIES", defaultMaxRetries),
		CycleTimeout:   config.GetEnvDuration("ENTITLER_REFRESH_CYCLE_TIMEOUT", defaultCycleTimeout),
		LeaseTTL:       config.GetEnvDuration("ENTITLER_REFRESH_LEASE_TTL", defaultLeaseTTL),
		MaxConcurrent:  config.GetEnvInt("ENTITLER_REFRESH_MAX_CONCURRENT", defaultMaxConcurrent),
		InitialBackoff: config.GetEnvDuration("ENTITLER_REFRESH_INITIAL_BACKOFF", defaultInitialBackoff),
		StaleMultiplier: config.GetEnvInt(
			"ENTITLER_REFRESH_STALE_MULTIPLIER", defaultStaleMultiplier),
	}
}

// Validate checks the coordinator configuration for consistency.
func (c *Config) Validate() error {
	if c.StalenessBound <= 0 {
		return ErrInvalidStalenessBound
	}

	if c.BatchThreshold <= 0 {
		return ErrInvalidBatchThreshold
	}

	if c.LeaseTTL < c.CycleTimeout {
		return ErrInvalidLeaseTTL
	}

	if c.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}

	if c.MaxConcurrent <= 0 {
		return ErrInvalidMaxConcurrent
	}

	if c.InitialBackoff <= 0 {
		return ErrInvalidInitialBackoff
	}

	return nil
}
