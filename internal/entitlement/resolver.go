package entitlement

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for membership validation failures.
var (
	// ErrMissingUserID indicates a membership row with an empty user id.
	ErrMissingUserID = errors.New("membership user id is required")

	// ErrMissingRegion indicates a membership row with an empty region.
	ErrMissingRegion = errors.New("membership region is required")

	// ErrInvalidStatus indicates a membership row with an unrecognized status.
	ErrInvalidStatus = errors.New("invalid membership status")
)

// ValidationError describes a membership row rejected during resolution.
// Rejected rows are excluded from every region rather than dropped into a
// default one; the caller is expected to log them.
type ValidationError struct {
	Membership Membership
	Err        error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid membership (user=%q region=%q): %v",
		e.Membership.UserID, e.Membership.Region, e.Err)
}

// Unwrap returns the underlying validation failure for errors.Is checks.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ValidateMembership checks a single membership row for structural validity.
// Returns nil if the row can participate in resolution.
func ValidateMembership(m Membership) error {
	if strings.TrimSpace(m.UserID) == "" {
		return ErrMissingUserID
	}

	if strings.TrimSpace(m.Region) == "" {
		return ErrMissingRegion
	}

	if !m.Status.IsValid() {
		return fmt.Errorf("%w: %q (valid: ACTIVE, INACTIVE)", ErrInvalidStatus, m.Status)
	}

	return nil
}

// Resolve computes the region → active-user-set mapping from the complete
// membership relation.
//
// Semantics:
//   - Active-only: INACTIVE users appear in no region's set, but their region
//     still appears in the mapping (with an empty set) so that downstream
//     joins distinguish "zero authorized users" from "unknown region".
//   - Last-writer-wins: when the input carries multiple rows for one user
//     (at-least-once delivery, duplicates, status flaps within one window),
//     the row with the latest UpdatedAt decides; on equal timestamps the
//     later row in input order wins.
//   - knownRegions seeds mapping keys for regions that currently have no
//     membership rows at all (e.g., a freshly provisioned region), again so
//     they resolve to empty sets instead of being absent.
//
// Malformed rows are collected as ValidationErrors and excluded; they never
// abort resolution.
func Resolve(memberships []Membership, knownRegions []string) (Mapping, []*ValidationError) {
	var invalid []*ValidationError

	// Deduplicate per user, keeping the effective (latest) row.
	effective := make(map[string]Membership, len(memberships))

	for _, m := range memberships {
		if err := ValidateMembership(m); err != nil {
			invalid = append(invalid, &ValidationError{Membership: m, Err: err})

			continue
		}

		prev, seen := effective[m.UserID]
		if !seen || !m.UpdatedAt.Before(prev.UpdatedAt) {
			effective[m.UserID] = m
		}
	}

	mapping := make(Mapping, len(knownRegions))

	for _, region := range knownRegions {
		if strings.TrimSpace(region) == "" {
			continue
		}

		mapping[region] = NewUserSet()
	}

	for _, m := range effective {
		if _, ok := mapping[m.Region]; !ok {
			mapping[m.Region] = NewUserSet()
		}

		if m.Status == StatusActive {
			mapping[m.Region][m.UserID] = struct{}{}
		}
	}

	return mapping, invalid
}

// ResolveRegion computes the active-user set for a single region from that
// region's membership rows. Rows belonging to other regions are ignored (a
// user who moved away contributes nothing). The returned set is never nil.
func ResolveRegion(region string, memberships []Membership) (UserSet, []*ValidationError) {
	mapping, invalid := Resolve(memberships, []string{region})

	set, ok := mapping[region]
	if !ok {
		set = NewUserSet()
	}

	return set, invalid
}
