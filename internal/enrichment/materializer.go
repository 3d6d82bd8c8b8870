package enrichment

import (
	"log/slog"
	"time"

	"github.com/entitler-io/entitler/internal/entitlement"
)

// Materializer produces EnrichedTransaction rows by joining transactions to a
// resolved entitlement snapshot on region.
//
// Enrichment is deterministic and idempotent: re-running it on the same
// transactions and the same snapshot yields byte-identical authorized-user
// content (sorted ids), so repeated refreshes are safe and detectable via
// equality checks.
type Materializer struct {
	logger *slog.Logger

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// MaterializerOption configures optional Materializer behavior.
type MaterializerOption func(*Materializer)

// WithClock overrides the materializer's clock. Used by tests that assert on
// EnrichedAt.
func WithClock(now func() time.Time) MaterializerOption {
	return func(m *Materializer) {
		m.now = now
	}
}

// NewMaterializer creates a Materializer. A nil logger disables logging.
func NewMaterializer(logger *slog.Logger, opts ...MaterializerOption) *Materializer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m := &Materializer{
		logger: logger,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Enrich joins each transaction to its region's active-user set from the
// snapshot.
//
// Contract:
//   - One output row per valid input row, in input order.
//   - AuthorizedUserIDs is never nil. A region the snapshot has resolved to
//     zero users yields an empty slice with ResolutionResolved; a region the
//     snapshot has never resolved yields an empty slice with
//     ResolutionPending.
//   - Malformed transactions (empty id or region) are skipped and logged;
//     they never abort the batch.
func (m *Materializer) Enrich(
	txns []Transaction,
	snap *entitlement.Snapshot,
) []EnrichedTransaction {
	enrichedAt := m.now().UTC()
	out := make([]EnrichedTransaction, 0, len(txns))

	for _, txn := range txns {
		if err := ValidateTransaction(txn); err != nil {
			m.logger.Warn("Skipping malformed transaction during enrichment",
				slog.String("transaction_id", txn.ID),
				slog.String("region", txn.Region),
				slog.Any("error", err))

			continue
		}

		out = append(out, m.enrichOne(txn, snap, enrichedAt))
	}

	return out
}

// EnrichRegion enriches all given transactions against a single region's
// resolved user set. Used by region-scoped refresh cycles, where the
// coordinator already holds the region's set and every transaction belongs to
// that region.
func (m *Materializer) EnrichRegion(
	region string,
	txns []Transaction,
	users entitlement.UserSet,
) []EnrichedTransaction {
	enrichedAt := m.now().UTC()
	ids := users.SortedIDs()
	out := make([]EnrichedTransaction, 0, len(txns))

	for _, txn := range txns {
		if err := ValidateTransaction(txn); err != nil {
			m.logger.Warn("Skipping malformed transaction during enrichment",
				slog.String("transaction_id", txn.ID),
				slog.String("region", region),
				slog.Any("error", err))

			continue
		}

		out = append(out, EnrichedTransaction{
			Transaction:         txn,
			AuthorizedUserIDs:   append([]string{}, ids...),
			AuthorizedUserCount: len(ids),
			Resolution:          ResolutionResolved,
			EnrichedAt:          enrichedAt,
		})
	}

	return out
}

func (m *Materializer) enrichOne(
	txn Transaction,
	snap *entitlement.Snapshot,
	enrichedAt time.Time,
) EnrichedTransaction {
	users, resolved := snap.Users(txn.Region)
	if !resolved {
		return EnrichedTransaction{
			Transaction:         txn,
			AuthorizedUserIDs:   []string{},
			AuthorizedUserCount: 0,
			Resolution:          ResolutionPending,
			EnrichedAt:          enrichedAt,
		}
	}

	ids := users.SortedIDs()

	return EnrichedTransaction{
		Transaction:         txn,
		AuthorizedUserIDs:   ids,
		AuthorizedUserCount: len(ids),
		Resolution:          ResolutionResolved,
		EnrichedAt:          enrichedAt,
	}
}
