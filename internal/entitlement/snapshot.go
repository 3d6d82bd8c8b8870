package entitlement

import (
	"sort"
	"time"
)

// Snapshot is an immutable, versioned view of resolved entitlements.
//
// Refresh cycles operate on a snapshot handle and swap in a successor on
// success; there is no shared mutable "current mapping". Readers holding an
// old snapshot simply observe stale-but-consistent data until they re-read.
type Snapshot struct {
	version    int64
	resolvedAt time.Time
	mapping    Mapping

	// userRegion is the reverse index (user → region of their effective row,
	// active or not) needed to relocate users on incremental application.
	userRegion map[string]string
	// userUpdated carries the effective row timestamp per user so that
	// incremental application stays last-writer-wins across snapshots.
	userUpdated map[string]time.Time
}

// NewSnapshot builds a snapshot from a fully resolved mapping. The memberships
// used to build the mapping must be supplied so the snapshot can maintain its
// reverse index for incremental updates.
func NewSnapshot(version int64, mapping Mapping, memberships []Membership) *Snapshot {
	snap := &Snapshot{
		version:     version,
		resolvedAt:  time.Now().UTC(),
		mapping:     make(Mapping, len(mapping)),
		userRegion:  make(map[string]string),
		userUpdated: make(map[string]time.Time),
	}

	for region, set := range mapping {
		snap.mapping[region] = set.Clone()
	}

	for _, m := range memberships {
		if ValidateMembership(m) != nil {
			continue
		}

		if prev, ok := snap.userUpdated[m.UserID]; ok && m.UpdatedAt.Before(prev) {
			continue
		}

		snap.userRegion[m.UserID] = m.Region
		snap.userUpdated[m.UserID] = m.UpdatedAt
	}

	return snap
}

// Version returns the snapshot's monotonic version.
func (s *Snapshot) Version() int64 {
	return s.version
}

// ResolvedAt returns when this snapshot was computed.
func (s *Snapshot) ResolvedAt() time.Time {
	return s.resolvedAt
}

// Users returns the active-user set for region and whether the region has
// been resolved at all. The second return distinguishes "resolved, empty"
// from "never resolved". The materializer turns the latter into an explicit
// unresolved marker instead of an empty set.
func (s *Snapshot) Users(region string) (UserSet, bool) {
	set, ok := s.mapping[region]
	if !ok {
		return nil, false
	}

	return set, true
}

// Regions returns the resolved region keys in lexical order.
func (s *Snapshot) Regions() []string {
	return s.mapping.Regions()
}

// Mapping returns a defensive copy of the full region → users mapping.
func (s *Snapshot) Mapping() Mapping {
	out := make(Mapping, len(s.mapping))
	for region, set := range s.mapping {
		out[region] = set.Clone()
	}

	return out
}

// Apply produces a successor snapshot with the changed membership rows folded
// in (incremental resolution mode). The receiver is left untouched.
//
// Properties:
//   - Idempotent: applying the same change set twice yields an equal mapping,
//     so at-least-once change delivery is safe.
//   - Last-writer-wins by UpdatedAt: a change older than the user's effective
//     row in the snapshot is discarded.
//   - Region moves remove the user from the previous region's set and ensure
//     both regions exist in the successor mapping.
//
// Malformed rows are returned as ValidationErrors and skipped.
func (s *Snapshot) Apply(version int64, changes []Membership) (*Snapshot, []*ValidationError) {
	next := &Snapshot{
		version:     version,
		resolvedAt:  time.Now().UTC(),
		mapping:     s.Mapping(),
		userRegion:  make(map[string]string, len(s.userRegion)),
		userUpdated: make(map[string]time.Time, len(s.userUpdated)),
	}

	for user, region := range s.userRegion {
		next.userRegion[user] = region
		next.userUpdated[user] = s.userUpdated[user]
	}

	var invalid []*ValidationError

	for _, m := range changes {
		if err := ValidateMembership(m); err != nil {
			invalid = append(invalid, &ValidationError{Membership: m, Err: err})

			continue
		}

		if prev, ok := next.userUpdated[m.UserID]; ok && m.UpdatedAt.Before(prev) {
			// Out-of-order delivery of an already superseded write.
			continue
		}

		if prevRegion, ok := next.userRegion[m.UserID]; ok {
			if set, exists := next.mapping[prevRegion]; exists {
				delete(set, m.UserID)
			}
		}

		if set, ok := next.mapping[m.Region]; ok {
			// Remove unconditionally before the status-gated re-add: the
			// user may be present in this set without a reverse-index entry
			// (snapshot rebuilt from a partial membership read), and an
			// INACTIVE row must still take them out.
			delete(set, m.UserID)
		} else {
			next.mapping[m.Region] = NewUserSet()
		}

		if m.Status == StatusActive {
			next.mapping[m.Region][m.UserID] = struct{}{}
		}

		next.userRegion[m.UserID] = m.Region
		next.userUpdated[m.UserID] = m.UpdatedAt
	}

	return next, invalid
}

// WithRegion produces a successor snapshot whose mapping for region is
// replaced by an authoritative resolution result, folding that region's
// membership rows into the existing reverse index. Index entries for users in
// other regions are preserved, so later incremental changes for them still
// resolve correctly. The receiver is left untouched.
func (s *Snapshot) WithRegion(
	version int64,
	region string,
	users UserSet,
	memberships []Membership,
) *Snapshot {
	next := &Snapshot{
		version:     version,
		resolvedAt:  time.Now().UTC(),
		mapping:     s.Mapping(),
		userRegion:  make(map[string]string, len(s.userRegion)+len(memberships)),
		userUpdated: make(map[string]time.Time, len(s.userUpdated)+len(memberships)),
	}

	for user, r := range s.userRegion {
		next.userRegion[user] = r
		next.userUpdated[user] = s.userUpdated[user]
	}

	next.mapping[region] = users.Clone()

	for _, m := range memberships {
		if ValidateMembership(m) != nil {
			continue
		}

		if prev, ok := next.userUpdated[m.UserID]; ok && m.UpdatedAt.Before(prev) {
			continue
		}

		next.userRegion[m.UserID] = m.Region
		next.userUpdated[m.UserID] = m.UpdatedAt
	}

	return next
}

// ChangesRegion reports whether folding the given change rows into the
// snapshot would alter any region's active-user set, and which regions would
// be affected. The refresh coordinator uses this to skip scheduling cycles
// for no-op writes (e.g., re-delivered duplicates).
func (s *Snapshot) ChangesRegion(changes []Membership) []string {
	next, _ := s.Apply(s.version, changes)

	affected := make(map[string]struct{})

	for region, set := range next.mapping {
		prev, ok := s.mapping[region]
		if !ok || !prev.Equal(set) {
			affected[region] = struct{}{}
		}
	}

	for region := range s.mapping {
		if _, ok := next.mapping[region]; !ok {
			affected[region] = struct{}{}
		}
	}

	out := make([]string, 0, len(affected))
	for region := range affected {
		out = append(out, region)
	}

	sort.Strings(out)

	return out
}
