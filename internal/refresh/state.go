// Package refresh provides the change-trigger / refresh coordinator: it
// decides when to re-run entitlement resolution and enrichment in response to
// upstream writes, and guarantees the bounded-staleness contract.
//
// Refresh cycles are region-scoped. Within one region cycles are strictly
// serialized (storage lease with expiry); across regions they proceed
// independently and concurrently. A failed cycle never partially applies:
// either the region's enrichment set is swapped atomically or the previous
// set remains visible untouched.
package refresh

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for refresh cycle coordination.
var (
	// ErrInvalidTransition indicates an invalid refresh state transition.
	ErrInvalidTransition = errors.New("invalid refresh state transition")

	// ErrLeaseHeld is returned when another worker currently holds a region's
	// refresh lease.
	ErrLeaseHeld = errors.New("refresh lease held by another worker")

	// ErrWriteConflict is returned when the version check on the enrichment
	// swap fails: a raced cycle won despite the lease (lease expired
	// mid-cycle). The loser retries the whole cycle rather than merging.
	ErrWriteConflict = errors.New("enrichment version conflict")

	// ErrSnapshotRead is returned when the upstream store could not be read
	// during a refresh attempt. Transient; retried with backoff.
	ErrSnapshotRead = errors.New("membership snapshot read failed")

	// ErrRegionUnknown is returned when status is requested for a region the
	// coordinator has never seen.
	ErrRegionUnknown = errors.New("unknown region")
)

// State represents the lifecycle state of a region's refresh cycle.
type State string

// Refresh cycle states.
const (
	// StateIdle means no refresh is pending or running.
	StateIdle State = "idle"

	// StatePendingRefresh means upstream writes were observed and a refresh
	// is waiting for the debounce window or batch threshold.
	StatePendingRefresh State = "pending_refresh"

	// StateRefreshing means a resolver+materializer pass is in flight.
	StateRefreshing State = "refreshing"

	// StateFailed means the last attempt failed and a retry is scheduled.
	StateFailed State = "failed"
)

// IsValid reports whether s is a recognized refresh state.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StatePendingRefresh, StateRefreshing, StateFailed:
		return true
	default:
		return false
	}
}

// ValidateTransition validates a refresh state transition.
//
// Valid transitions:
//   - Idle → PendingRefresh (write observed)
//   - Idle → Refreshing (forced refresh bypasses the debounce window)
//   - PendingRefresh → Refreshing (debounce elapsed or batch threshold hit)
//   - Refreshing → Idle (cycle succeeded, or retries exhausted with the
//     stale flag raised; staleness is a warning, never a terminal state)
//   - Refreshing → Failed (cycle failed, retry scheduled)
//   - Failed → Refreshing (retry with backoff)
//   - Failed → Idle (retries exhausted, stale flag raised)
//   - Idle → Idle and PendingRefresh → PendingRefresh (idempotent re-entry
//     from repeated notifications)
func ValidateTransition(from, to State) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	valid := map[State]map[State]bool{
		StateIdle: {
			StateIdle:           true,
			StatePendingRefresh: true,
			StateRefreshing:     true,
		},
		StatePendingRefresh: {
			StatePendingRefresh: true,
			StateRefreshing:     true,
		},
		StateRefreshing: {
			StateIdle:   true,
			StateFailed: true,
		},
		StateFailed: {
			StateRefreshing: true,
			StateIdle:       true,
		},
	}

	if !valid[from][to] {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	return nil
}

type (
	// Status is the per-region refresh-status record surfaced to operators
	// and persisted alongside the enrichment set.
	Status struct {
		Region          string    `json:"region"`
		State           State     `json:"state"`
		LastSuccessTime time.Time `json:"lastSuccessTime"`
		LastAttemptTime time.Time `json:"lastAttemptTime"`
		AttemptCount    int       `json:"attemptCount"`
		LastError       string    `json:"lastError,omitempty"`

		// Stale is raised when the region has not refreshed successfully
		// within the configured staleness budget, or when retries were
		// exhausted. Queries keep being served from last-known-good data.
		Stale bool `json:"stale"`

		// Version is the monotonic version of the region's current
		// enrichment set, checked on swap.
		Version int64 `json:"version"`
	}

	// Lease is a time-bounded exclusive claim on a region's refresh cycle.
	// Expiry guarantees a crashed worker cannot permanently block a region.
	Lease struct {
		Region    string
		Holder    string
		Version   int64
		ExpiresAt time.Time
	}
)
