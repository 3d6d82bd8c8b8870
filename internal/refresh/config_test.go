package refresh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		StalenessBound:  time.Minute,
		BatchThreshold:  25,
		MaxRetries:      3,
		CycleTimeout:    30 * time.Second,
		LeaseTTL:        time.Minute,
		MaxConcurrent:   4,
		InitialBackoff:  500 * time.Millisecond,
		StaleMultiplier: 3,
	}
}

func TestConfigValidateAcceptsDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	require.NoError(t, validTestConfig().Validate())
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "zero staleness bound",
			mutate:  func(c *Config) { c.StalenessBound = 0 },
			wantErr: ErrInvalidStalenessBound,
		},
		{
			name:    "zero batch threshold",
			mutate:  func(c *Config) { c.BatchThreshold = 0 },
			wantErr: ErrInvalidBatchThreshold,
		},
		{
			name:    "lease shorter than cycle timeout",
			mutate:  func(c *Config) { c.LeaseTTL = c.CycleTimeout - time.Second },
			wantErr: ErrInvalidLeaseTTL,
		},
		{
			name:    "negative max retries",
			mutate:  func(c *Config) { c.MaxRetries = -1 },
			wantErr: ErrInvalidMaxRetries,
		},
		{
			name:    "zero max concurrent",
			mutate:  func(c *Config) { c.MaxConcurrent = 0 },
			wantErr: ErrInvalidMaxConcurrent,
		},
		{
			name:    "negative max concurrent",
			mutate:  func(c *Config) { c.MaxConcurrent = -2 },
			wantErr: ErrInvalidMaxConcurrent,
		},
		{
			name:    "zero initial backoff",
			mutate:  func(c *Config) { c.InitialBackoff = 0 },
			wantErr: ErrInvalidInitialBackoff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)

			assert.ErrorIs(t, cfg.Validate(), tt.wantErr)
		})
	}
}
