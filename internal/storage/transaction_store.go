package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/entitler-io/entitler/internal/enrichment"
)

// Sentinel errors for transaction storage operations.
var (
	// ErrTransactionStoreFailed is returned when a transaction storage operation fails.
	ErrTransactionStoreFailed = errors.New("transaction storage failed")
)

// TransactionStore persists raw (pre-enrichment) transaction rows.
type TransactionStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewTransactionStore creates a PostgreSQL-backed transaction store.
func NewTransactionStore(conn *Connection, logger *slog.Logger) (*TransactionStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &TransactionStore{conn: conn, logger: logger}, nil
}

// InsertTransactions stores a batch of transactions with per-row upserts so
// one malformed row never blocks the rest. Redelivered rows are idempotent:
// the newest write for a transaction id wins.
//
// Returns the number of rows stored and the rows rejected by validation.
func (s *TransactionStore) InsertTransactions(
	ctx context.Context,
	txns []enrichment.Transaction,
) (int, []error, error) {
	var (
		stored   int
		rejected []error
	)

	query := `
		INSERT INTO transactions
			(transaction_id, user_id, transaction_timestamp, amount, currency,
			 description, region, merchant_name, merchant_category, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (transaction_id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    transaction_timestamp = EXCLUDED.transaction_timestamp,
		    amount = EXCLUDED.amount,
		    currency = EXCLUDED.currency,
		    description = EXCLUDED.description,
		    region = EXCLUDED.region,
		    merchant_name = EXCLUDED.merchant_name,
		    merchant_category = EXCLUDED.merchant_category,
		    status = EXCLUDED.status
	`

	for i := range txns {
		if ctx.Err() != nil {
			return stored, rejected, fmt.Errorf("%w: request cancelled", ErrTransactionStoreFailed)
		}

		txn := txns[i]

		if err := enrichment.ValidateTransaction(txn); err != nil {
			rejected = append(rejected, err)

			s.logger.Warn("Rejected malformed transaction row",
				slog.String("transaction_id", txn.ID),
				slog.Any("error", err))

			continue
		}

		_, err := s.conn.ExecContext(ctx, query,
			txn.ID, txn.UserID, txn.Timestamp, txn.Amount, txn.Currency,
			txn.Description, txn.Region, txn.Merchant, txn.Category, txn.Status)
		if err != nil {
			if isDatabaseConnectionError(err) {
				return stored, rejected, fmt.Errorf("%w: database connection lost: %w", ErrTransactionStoreFailed, err)
			}

			return stored, rejected, fmt.Errorf("%w: %w", ErrTransactionStoreFailed, err)
		}

		stored++
	}

	return stored, rejected, nil
}

// ListRegionTransactions returns every transaction currently assigned to the
// given region, ordered by timestamp descending.
func (s *TransactionStore) ListRegionTransactions(
	ctx context.Context,
	region string,
) ([]enrichment.Transaction, error) {
	query := `
		SELECT transaction_id, user_id, transaction_timestamp, amount, currency,
		       description, region, merchant_name, merchant_category, status
		FROM transactions
		WHERE region = $1
		ORDER BY transaction_timestamp DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, region)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionStoreFailed, err)
	}

	return scanTransactions(rows)
}

// CountRegionTransactions returns the number of transactions in a region.
func (s *TransactionStore) CountRegionTransactions(ctx context.Context, region string) (int, error) {
	var count int

	query := `SELECT COUNT(*) FROM transactions WHERE region = $1`

	if err := s.conn.QueryRowContext(ctx, query, region).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransactionStoreFailed, err)
	}

	return count, nil
}

func scanTransactions(rows *sql.Rows) ([]enrichment.Transaction, error) {
	defer func() {
		_ = rows.Close()
	}()

	var txns []enrichment.Transaction

	for rows.Next() {
		var txn enrichment.Transaction

		err := rows.Scan(
			&txn.ID,
			&txn.UserID,
			&txn.Timestamp,
			&txn.Amount,
			&txn.Currency,
			&txn.Description,
			&txn.Region,
			&txn.Merchant,
			&txn.Category,
			&txn.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransactionStoreFailed, err)
		}

		txns = append(txns, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionStoreFailed, err)
	}

	return txns, nil
}
