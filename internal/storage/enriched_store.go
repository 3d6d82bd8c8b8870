package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/entitler-io/entitler/internal/enrichment"
	"github.com/entitler-io/entitler/internal/refresh"
)

// Sentinel errors for enriched transaction storage operations.
var (
	// ErrEnrichedStoreFailed is returned when an enriched storage operation fails.
	ErrEnrichedStoreFailed = errors.New("enriched transaction storage failed")

	// ErrSearchUserIDEmpty is returned when a search is attempted without a caller identity.
	ErrSearchUserIDEmpty = errors.New("search user id cannot be empty")
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// SearchParams selects enriched transactions for a caller.
// UserID is mandatory: every search is entitlement-filtered by array
// containment, so an unentitled caller sees nothing rather than erroring.
type SearchParams struct {
	UserID string
	Query  string
	Region string
	Limit  int
}

// EnrichedStore persists the enriched transaction view that the search path
// reads. Writes happen only through ReplaceRegion, which swaps a region's
// row set atomically under a version check so readers never observe a
// half-applied refresh.
type EnrichedStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewEnrichedStore creates a PostgreSQL-backed enriched transaction store.
func NewEnrichedStore(conn *Connection, logger *slog.Logger) (*EnrichedStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &EnrichedStore{conn: conn, logger: logger}, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *EnrichedStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// ReplaceRegion atomically replaces the enriched rows for a region.
//
// The whole swap runs in one transaction: the region's version row is locked
// and compared against expectedVersion first. A mismatch means another
// refresh landed since this cycle read its snapshot; the transaction rolls
// back untouched and refresh.ErrWriteConflict is returned so the caller can
// rerun the cycle against fresh state.
func (s *EnrichedStore) ReplaceRegion(
	ctx context.Context,
	region string,
	expectedVersion int64,
	enrichedRows []enrichment.EnrichedTransaction,
) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin transaction: %w", ErrEnrichedStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	// Lock the region's status row and check the version under the lock.
	var currentVersion int64

	err = tx.QueryRowContext(ctx, `
		INSERT INTO region_refresh_status (region, state, version)
		VALUES ($1, 'idle', 0)
		ON CONFLICT (region) DO UPDATE SET region = EXCLUDED.region
		RETURNING version
	`, region).Scan(&currentVersion)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to lock region version: %w", ErrEnrichedStoreFailed, err)
	}

	if currentVersion != expectedVersion {
		return 0, fmt.Errorf("%w: region %s at version %d, expected %d",
			refresh.ErrWriteConflict, region, currentVersion, expectedVersion)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM enriched_transactions WHERE region = $1`, region); err != nil {
		return 0, fmt.Errorf("%w: failed to clear region rows: %w", ErrEnrichedStoreFailed, err)
	}

	insert := `
		INSERT INTO enriched_transactions
			(transaction_id, user_id, transaction_timestamp, amount, currency,
			 description, region, merchant_name, merchant_category, status,
			 authorized_user_ids, authorized_user_count, resolution, enriched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	for i := range enrichedRows {
		row := enrichedRows[i]

		_, err := tx.ExecContext(ctx, insert,
			row.ID, row.UserID, row.Timestamp, row.Amount, row.Currency,
			row.Description, row.Region, row.Merchant, row.Category, row.Status,
			pq.Array(row.AuthorizedUserIDs), row.AuthorizedUserCount,
			string(row.Resolution), row.EnrichedAt)
		if err != nil {
			return 0, fmt.Errorf("%w: failed to insert enriched row %s: %w",
				ErrEnrichedStoreFailed, row.ID, err)
		}
	}

	newVersion := currentVersion + 1

	if _, err := tx.ExecContext(ctx, `
		UPDATE region_refresh_status SET version = $1, updated_at = NOW() WHERE region = $2
	`, newVersion, region); err != nil {
		return 0, fmt.Errorf("%w: failed to advance region version: %w", ErrEnrichedStoreFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: failed to commit region swap: %w", ErrEnrichedStoreFailed, err)
	}

	s.logger.Info("Replaced enriched region rows",
		slog.String("region", region),
		slog.Int("row_count", len(enrichedRows)),
		slog.Int64("version", newVersion))

	return newVersion, nil
}

// Search returns enriched transactions visible to params.UserID, newest
// first. Visibility is array containment on authorized_user_ids, evaluated
// by PostgreSQL with the GIN index on that column.
func (s *EnrichedStore) Search(
	ctx context.Context,
	params SearchParams,
) ([]enrichment.EnrichedTransaction, error) {
	if strings.TrimSpace(params.UserID) == "" {
		return nil, ErrSearchUserIDEmpty
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	query := `
		SELECT transaction_id, user_id, transaction_timestamp, amount, currency,
		       description, region, merchant_name, merchant_category, status,
		       authorized_user_ids, authorized_user_count, resolution, enriched_at
		FROM enriched_transactions
		WHERE authorized_user_ids @> ARRAY[$1]::text[]
	`
	args := []any{params.UserID}

	if params.Region != "" {
		args = append(args, params.Region)
		query += fmt.Sprintf(" AND region = $%d", len(args))
	}

	if params.Query != "" {
		args = append(args, "%"+params.Query+"%")
		query += fmt.Sprintf(" AND (description ILIKE $%d OR merchant_name ILIKE $%d)", len(args), len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY transaction_timestamp DESC LIMIT $%d", len(args))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnrichedStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	results := make([]enrichment.EnrichedTransaction, 0, limit)

	for rows.Next() {
		var (
			row        enrichment.EnrichedTransaction
			authorized pq.StringArray
			resolution string
			enrichedAt time.Time
		)

		err := rows.Scan(
			&row.ID, &row.UserID, &row.Timestamp, &row.Amount, &row.Currency,
			&row.Description, &row.Region, &row.Merchant, &row.Category, &row.Status,
			&authorized, &row.AuthorizedUserCount, &resolution, &enrichedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEnrichedStoreFailed, err)
		}

		row.AuthorizedUserIDs = []string(authorized)
		if row.AuthorizedUserIDs == nil {
			row.AuthorizedUserIDs = []string{}
		}

		row.Resolution = enrichment.Resolution(resolution)
		row.EnrichedAt = enrichedAt

		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnrichedStoreFailed, err)
	}

	return results, nil
}

// CountRegionRows returns the number of enriched rows for a region.
func (s *EnrichedStore) CountRegionRows(ctx context.Context, region string) (int, error) {
	var count int

	query := `SELECT COUNT(*) FROM enriched_transactions WHERE region = $1`

	if err := s.conn.QueryRowContext(ctx, query, region).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEnrichedStoreFailed, err)
	}

	return count, nil
}
