package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalRPS:            1000,
		GlobalBurst:          2000,
		ClientRPS:            2,
		ClientBurst:          2,
		UnauthenticatedRPS:   1,
		UnauthenticatedBurst: 1,
		CleanupInterval:      time.Minute,
		IdleTimeout:          time.Minute,
		MaxClients:           100,
	}
}

func TestRateLimitConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.NoError(t, testRateLimitConfig().Validate())

	invalid := testRateLimitConfig()
	invalid.GlobalRPS = 0
	assert.Error(t, invalid.Validate())

	invalid = testRateLimitConfig()
	invalid.IdleTimeout = -time.Second
	assert.Error(t, invalid.Validate())
}

func TestLoadRateLimitConfigDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := LoadRateLimitConfig()

	assert.Equal(t, DefaultGlobalRPS, cfg.GlobalRPS)
	assert.Equal(t, DefaultGlobalRPS*DefaultBurstMultiplier, cfg.GlobalBurst)
	assert.Equal(t, DefaultClientRPS, cfg.ClientRPS)
	assert.Equal(t, DefaultUnauthenticatedRPS, cfg.UnauthenticatedRPS)
	assert.Equal(t, DefaultMaxClients, cfg.MaxClients)
}

func TestLoadRateLimitConfigFromEnv(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("ENTITLER_CLIENT_RPS", "7")
	t.Setenv("ENTITLER_CLIENT_BURST", "21")

	cfg := LoadRateLimitConfig()

	assert.Equal(t, 7, cfg.ClientRPS)
	assert.Equal(t, 21, cfg.ClientBurst)
}

func TestInMemoryRateLimiterPerClientBuckets(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	limiter := NewInMemoryRateLimiter(testRateLimitConfig(), nil)
	defer limiter.Close()

	// Client A exhausts its burst of 2.
	assert.True(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-a"))
	assert.False(t, limiter.Allow("client-a"))

	// Client B has an independent bucket.
	assert.True(t, limiter.Allow("client-b"))
}

func TestInMemoryRateLimiterUnauthenticatedBucket(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	limiter := NewInMemoryRateLimiter(testRateLimitConfig(), nil)
	defer limiter.Close()

	assert.True(t, limiter.Allow(""))
	assert.False(t, limiter.Allow(""))
}

func TestInMemoryRateLimiterGlobalCap(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testRateLimitConfig()
	cfg.GlobalRPS = 1
	cfg.GlobalBurst = 1

	limiter := NewInMemoryRateLimiter(cfg, nil)
	defer limiter.Close()

	assert.True(t, limiter.Allow("client-a"))
	assert.False(t, limiter.Allow("client-b"))
}

func TestInMemoryRateLimiterEvictsIdleClients(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testRateLimitConfig()
	cfg.IdleTimeout = 10 * time.Millisecond

	limiter := NewInMemoryRateLimiter(cfg, nil)
	defer limiter.Close()

	limiter.Allow("client-a")
	time.Sleep(20 * time.Millisecond)
	limiter.evictIdle()

	limiter.mu.Lock()
	_, exists := limiter.clients["client-a"]
	limiter.mu.Unlock()

	assert.False(t, exists)
}

func TestRateLimitMiddlewareRejectsWithProblemDetail(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	limiter := NewInMemoryRateLimiter(testRateLimitConfig(), nil)
	defer limiter.Close()

	logger := slog.New(slog.DiscardHandler)
	handler := RateLimit(limiter, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	// Unauthenticated burst is 1: first request passes, second is rejected.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions/search", nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "Rate limit exceeded")
}

func TestRateLimitMiddlewareUsesClientIdentity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	limiter := NewInMemoryRateLimiter(testRateLimitConfig(), nil)
	defer limiter.Close()

	logger := slog.New(slog.DiscardHandler)
	handler := RateLimit(limiter, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/regions/status", nil)
	ctx := SetClientContext(req.Context(), ClientContext{ClientID: "client-a"})
	req = req.WithContext(ctx)

	// Client burst is 2.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
