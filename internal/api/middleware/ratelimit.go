package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether a request identified by clientID may proceed.
// An empty clientID identifies unauthenticated traffic.
type RateLimiter interface {
	// Allow reports whether the request should be admitted.
	Allow(clientID string) bool

	// Close releases background resources held by the limiter.
	Close()
}

// clientLimiter pairs a token bucket with its last-use timestamp so idle
// entries can be evicted.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// InMemoryRateLimiter implements three-tier token bucket rate limiting:
//
//  1. A global bucket shared by all traffic
//  2. A per-client bucket keyed by authenticated client ID
//  3. A shared bucket for unauthenticated traffic
//
// Per-client buckets are created lazily on first request and evicted by a
// background goroutine after IdleTimeout of inactivity.
type InMemoryRateLimiter struct {
	config *RateLimitConfig
	logger *slog.Logger

	global          *rate.Limiter
	unauthenticated *rate.Limiter

	mu      sync.Mutex
	clients map[string]*clientLimiter

	done chan struct{}
	once sync.Once
}

// NewInMemoryRateLimiter creates a rate limiter from the given configuration
// and starts its cleanup goroutine.
func NewInMemoryRateLimiter(config *RateLimitConfig, logger *slog.Logger) *InMemoryRateLimiter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	l := &InMemoryRateLimiter{
		config:          config,
		logger:          logger,
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), config.GlobalBurst),
		unauthenticated: rate.NewLimiter(rate.Limit(config.UnauthenticatedRPS), config.UnauthenticatedBurst),
		clients:         make(map[string]*clientLimiter),
		done:            make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow reports whether a request from clientID should be admitted.
// The global bucket is consulted first so a single client cannot exhaust
// capacity reserved for others.
func (l *InMemoryRateLimiter) Allow(clientID string) bool {
	if !l.global.Allow() {
		return false
	}

	if clientID == "" {
		return l.unauthenticated.Allow()
	}

	return l.clientLimiter(clientID).Allow()
}

// clientLimiter returns the token bucket for clientID, creating it on first
// use. When MaxClients is reached new clients share the unauthenticated
// bucket rather than growing the map without bound.
func (l *InMemoryRateLimiter) clientLimiter(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.clients[clientID]
	if ok {
		entry.lastSeen = time.Now()

		return entry.limiter
	}

	if len(l.clients) >= l.config.MaxClients {
		l.logger.Warn("rate limiter at client capacity, using shared bucket",
			slog.String("client_id", clientID),
			slog.Int("max_clients", l.config.MaxClients),
		)

		return l.unauthenticated
	}

	entry = &clientLimiter{
		limiter:  rate.NewLimiter(rate.Limit(l.config.ClientRPS), l.config.ClientBurst),
		lastSeen: time.Now(),
	}
	l.clients[clientID] = entry

	return entry.limiter
}

// cleanupLoop periodically evicts client limiters that have been idle longer
// than IdleTimeout.
func (l *InMemoryRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *InMemoryRateLimiter) evictIdle() {
	cutoff := time.Now().Add(-l.config.IdleTimeout)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0

	for clientID, entry := range l.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(l.clients, clientID)

			evicted++
		}
	}

	if evicted > 0 {
		l.logger.Debug("evicted idle rate limiter entries",
			slog.Int("evicted", evicted),
			slog.Int("remaining", len(l.clients)),
		)
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (l *InMemoryRateLimiter) Close() {
	l.once.Do(func() {
		close(l.done)
	})
}

// RateLimit creates a middleware that enforces rate limits using the given
// limiter. Authenticated requests are limited per client, everything else
// shares the unauthenticated bucket. Rejected requests receive an RFC 7807
// formatted 429 response with a Retry-After hint.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var clientID string
			if clientCtx, ok := GetClientContext(r.Context()); ok {
				clientID = clientCtx.ClientID
			}

			if limiter.Allow(clientID) {
				next.ServeHTTP(w, r)

				return
			}

			correlationID := GetCorrelationID(r.Context())

			logger.Warn("rate limit exceeded",
				slog.String("client_id", clientID),
				slog.String("correlation_id", correlationID),
				slog.String("endpoint", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			w.Header().Set("Retry-After", "1")

			if err := writeRFC7807Error(w, r, http.StatusTooManyRequests,
				"Rate limit exceeded, retry later", correlationID); err != nil {
				logger.Error("failed to write rate limit response",
					slog.String("correlation_id", correlationID),
					slog.Any("error", err),
				)

				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			}
		})
	}
}
