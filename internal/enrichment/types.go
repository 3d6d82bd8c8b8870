// Package enrichment joins transaction rows to resolved entitlements,
// producing the derived EnrichedTransaction projection consumed by the search
// index and by direct entitled queries.
package enrichment

import (
	"errors"
	"strings"
	"time"
)

// Sentinel errors for transaction validation.
var (
	// ErrMissingTransactionID indicates a transaction row with an empty id.
	ErrMissingTransactionID = errors.New("transaction id is required")

	// ErrMissingTransactionRegion indicates a transaction row with an empty region.
	ErrMissingTransactionRegion = errors.New("transaction region is required")
)

type (
	// Transaction is a source fact row. Created once by an external ingestion
	// process and never deleted; its region is immutable once written.
	Transaction struct {
		ID          string
		UserID      string
		Timestamp   time.Time
		Amount      float64
		Currency    string
		Description string
		Region      string
		Merchant    string
		Category    string
		Status      string
	}

	// Resolution marks whether entitlements were available when a row was
	// enriched. The explicit marker lets consumers distinguish "no authorized
	// users" from "not yet computed" for a brand-new region.
	Resolution string

	// EnrichedTransaction is the derived, read-only projection: all
	// Transaction attributes plus the authorized-user set. It is regenerated
	// by the materializer and never hand-edited.
	EnrichedTransaction struct {
		Transaction

		// AuthorizedUserIDs holds the sorted ids of users who may currently
		// view this row. Never nil: an empty slice means "resolved, nobody
		// is entitled".
		AuthorizedUserIDs []string

		// AuthorizedUserCount is the cardinality of AuthorizedUserIDs,
		// materialized for query efficiency.
		AuthorizedUserCount int

		// Resolution is ResolutionResolved or ResolutionPending.
		Resolution Resolution

		// EnrichedAt records when this projection was computed.
		EnrichedAt time.Time
	}
)

// Resolution markers.
const (
	// ResolutionResolved means the region's entitlements were available.
	ResolutionResolved Resolution = "resolved"

	// ResolutionPending means the resolver has not yet produced a mapping for
	// the row's region (e.g., a region created between cycles).
	ResolutionPending Resolution = "pending"
)

// ValidateTransaction checks a source row for structural validity.
func ValidateTransaction(txn Transaction) error {
	if strings.TrimSpace(txn.ID) == "" {
		return ErrMissingTransactionID
	}

	if strings.TrimSpace(txn.Region) == "" {
		return ErrMissingTransactionRegion
	}

	return nil
}

// AuthorizedFor reports whether userID may view this row. Containment is a
// set-membership predicate; the slice representation exists only for
// serialization (ids are sorted, so binary search would also work, but the
// sets are small).
func (e *EnrichedTransaction) AuthorizedFor(userID string) bool {
	for _, id := range e.AuthorizedUserIDs {
		if id == userID {
			return true
		}
	}

	return false
}
