// Package entitlement provides the region-membership domain model and the
// entitlement resolution algorithm.
//
// Entitlement is derived transitively: a user may view a transaction when the
// user's active region matches the transaction's region. This package computes
// the region → active-user-set mapping that the enrichment materializer joins
// against; it never touches storage itself.
package entitlement

import (
	"sort"
	"time"
)

type (
	// Status represents the active/inactive state of a region membership.
	Status string

	// Membership represents a single user's region membership row.
	//
	// Each user belongs to exactly one region at a time (single-region
	// membership model). Users are never physically deleted; they are
	// soft-deactivated via Status.
	Membership struct {
		// UserID uniquely identifies the user (e.g., "CUST_102938").
		UserID string

		// UserName is the display name, carried for operator surfaces only.
		UserName string

		// Region is the partitioning key shared with transactions.
		Region string

		// Status is ACTIVE or INACTIVE.
		Status Status

		// UpdatedAt is the last-modified timestamp of this row. Resolution is
		// last-writer-wins by this timestamp, not by arrival order, so
		// out-of-order delivery cannot resurrect an overwritten state.
		UpdatedAt time.Time
	}

	// UserSet is a set of user identifiers. Membership containment checks use
	// proper set semantics; the array representation exists only at the
	// persistence boundary.
	UserSet map[string]struct{}

	// Mapping is the resolver output: region → set of currently-active users.
	// A region known to the system but with zero active users maps to an
	// empty (non-nil) set, so downstream joins do not silently drop rows.
	Mapping map[string]UserSet
)

// Membership status values.
const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// IsValid reports whether s is a recognized membership status.
func (s Status) IsValid() bool {
	return s == StatusActive || s == StatusInactive
}

// NewUserSet builds a UserSet from the given user ids.
func NewUserSet(userIDs ...string) UserSet {
	set := make(UserSet, len(userIDs))
	for _, id := range userIDs {
		set[id] = struct{}{}
	}

	return set
}

// Contains reports whether the set holds userID.
func (s UserSet) Contains(userID string) bool {
	_, ok := s[userID]

	return ok
}

// SortedIDs returns the member ids in lexical order. The deterministic
// ordering is what makes repeated enrichment runs byte-identical.
func (s UserSet) SortedIDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Equal reports order-independent set equality.
func (s UserSet) Equal(other UserSet) bool {
	if len(s) != len(other) {
		return false
	}

	for id := range s {
		if _, ok := other[id]; !ok {
			return false
		}
	}

	return true
}

// Clone returns an independent copy of the set.
func (s UserSet) Clone() UserSet {
	clone := make(UserSet, len(s))
	for id := range s {
		clone[id] = struct{}{}
	}

	return clone
}

// Regions returns the mapping's region keys in lexical order.
func (m Mapping) Regions() []string {
	regions := make([]string, 0, len(m))
	for region := range m {
		regions = append(regions, region)
	}

	sort.Strings(regions)

	return regions
}

// Equal reports whether two mappings contain identical region keys and
// identical user sets per region.
func (m Mapping) Equal(other Mapping) bool {
	if len(m) != len(other) {
		return false
	}

	for region, set := range m {
		otherSet, ok := other[region]
		if !ok || !set.Equal(otherSet) {
			return false
		}
	}

	return true
}
