package refresh

import (
	"errors"
	"testing"
)

func TestValidateTransition_ValidTransitions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		from State
		to   State
	}{
		// Idle accepts new work or an immediate cycle
		{"idle to idle", StateIdle, StateIdle},
		{"idle to pending", StateIdle, StatePendingRefresh},
		{"idle to refreshing", StateIdle, StateRefreshing},

		// Pending absorbs more changes until the window closes
		{"pending to pending", StatePendingRefresh, StatePendingRefresh},
		{"pending to refreshing", StatePendingRefresh, StateRefreshing},

		// A running cycle either lands or fails
		{"refreshing to idle", StateRefreshing, StateIdle},
		{"refreshing to failed", StateRefreshing, StateFailed},

		// Failed regions retry or give up back to idle
		{"failed to refreshing", StateFailed, StateRefreshing},
		{"failed to idle", StateFailed, StateIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateTransition(tt.from, tt.to); err != nil {
				t.Errorf("ValidateTransition(%s, %s) = %v, want nil", tt.from, tt.to, err)
			}
		})
	}
}

func TestValidateTransition_InvalidTransitions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		from State
		to   State
	}{
		// A cycle never starts in failed without passing through refreshing
		{"idle to failed", StateIdle, StateFailed},
		{"pending to failed", StatePendingRefresh, StateFailed},

		// A completed or running cycle cannot re-enter pending
		{"refreshing to pending", StateRefreshing, StatePendingRefresh},
		{"failed to pending", StateFailed, StatePendingRefresh},

		// Refreshing is not re-entrant within a region
		{"refreshing to refreshing", StateRefreshing, StateRefreshing},
		{"pending to idle", StatePendingRefresh, StateIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if err == nil {
				t.Errorf("ValidateTransition(%s, %s) = nil, want error", tt.from, tt.to)
			}

			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestValidateTransition_UnknownStates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if err := ValidateTransition(State("bogus"), StateIdle); err == nil {
		t.Error("expected error for unknown source state, got nil")
	}

	if err := ValidateTransition(StateIdle, State("bogus")); err == nil {
		t.Error("expected error for unknown target state, got nil")
	}
}

func TestState_IsValid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	for _, s := range []State{StateIdle, StatePendingRefresh, StateRefreshing, StateFailed} {
		if !s.IsValid() {
			t.Errorf("expected %s to be valid", s)
		}
	}

	if State("").IsValid() {
		t.Error("expected empty state to be invalid")
	}

	if State("IDLE").IsValid() {
		t.Error("state values are case sensitive, expected IDLE to be invalid")
	}
}
