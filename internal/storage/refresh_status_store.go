package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/entitler-io/entitler/internal/refresh"
)

// Sentinel errors for refresh status storage operations.
var (
	// ErrStatusStoreFailed is returned when a refresh status operation fails.
	ErrStatusStoreFailed = errors.New("refresh status storage failed")
)

// RefreshStatusStore persists per-region refresh status records plus the
// refresh lease that serializes cycles within a region across processes.
// Implements refresh.StatusStore.
type RefreshStatusStore struct {
	conn   *Connection
	logger *slog.Logger
}

// Compile-time interface assertion so contract drift fails the build.
var _ refresh.StatusStore = (*RefreshStatusStore)(nil)

// NewRefreshStatusStore creates a PostgreSQL-backed refresh status store.
func NewRefreshStatusStore(conn *Connection, logger *slog.Logger) (*RefreshStatusStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &RefreshStatusStore{conn: conn, logger: logger}, nil
}

// AcquireLease claims the refresh lease for a region. The claim succeeds when
// the lease is free, expired, or already held by this holder (re-entrant for
// retries within one cycle). The returned lease carries the region's current
// version for the version-checked swap.
func (s *RefreshStatusStore) AcquireLease(
	ctx context.Context,
	region, holder string,
	ttl time.Duration,
) (*refresh.Lease, error) {
	query := `
		INSERT INTO region_refresh_status (region, state, version, lease_holder, lease_expires_at)
		VALUES ($1, 'idle', 0, $2, NOW() + ($3 * INTERVAL '1 second'))
		ON CONFLICT (region) DO UPDATE
		SET lease_holder = EXCLUDED.lease_holder,
		    lease_expires_at = EXCLUDED.lease_expires_at
		WHERE region_refresh_status.lease_holder IS NULL
		   OR region_refresh_status.lease_holder = EXCLUDED.lease_holder
		   OR region_refresh_status.lease_expires_at < NOW()
		RETURNING version, lease_expires_at
	`

	var (
		version   int64
		expiresAt time.Time
	)

	err := s.conn.QueryRowContext(ctx, query, region, holder, ttl.Seconds()).Scan(&version, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		// The guarded upsert matched nothing: a live lease is held elsewhere.
		return nil, fmt.Errorf("%w: region %s", refresh.ErrLeaseHeld, region)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to acquire lease: %w", ErrStatusStoreFailed, err)
	}

	return &refresh.Lease{
		Region:    region,
		Holder:    holder,
		Version:   version,
		ExpiresAt: expiresAt,
	}, nil
}

// ReleaseLease clears the lease if this holder still owns it. Releasing a
// lease lost to expiry is a no-op, not an error.
func (s *RefreshStatusStore) ReleaseLease(ctx context.Context, region, holder string) error {
	query := `
		UPDATE region_refresh_status
		SET lease_holder = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE region = $1 AND lease_holder = $2
	`

	if _, err := s.conn.ExecContext(ctx, query, region, holder); err != nil {
		return fmt.Errorf("%w: failed to release lease: %w", ErrStatusStoreFailed, err)
	}

	return nil
}

// SetState records a region's refresh state.
func (s *RefreshStatusStore) SetState(ctx context.Context, region string, state refresh.State) error {
	query := `
		INSERT INTO region_refresh_status (region, state, version)
		VALUES ($1, $2, 0)
		ON CONFLICT (region) DO UPDATE
		SET state = EXCLUDED.state, updated_at = NOW()
	`

	if _, err := s.conn.ExecContext(ctx, query, region, string(state)); err != nil {
		return fmt.Errorf("%w: failed to set state: %w", ErrStatusStoreFailed, err)
	}

	return nil
}

// RecordSuccess marks a completed cycle: state back to idle, stale flag and
// error cleared, attempt counter reset.
func (s *RefreshStatusStore) RecordSuccess(
	ctx context.Context,
	region string,
	at time.Time,
	version int64,
) error {
	query := `
		UPDATE region_refresh_status
		SET state = $1, last_success_at = $2, last_attempt_at = $2,
		    attempt_count = 0, last_error = NULL, stale = FALSE,
		    version = $3, updated_at = NOW()
		WHERE region = $4
	`

	if _, err := s.conn.ExecContext(ctx, query,
		string(refresh.StateIdle), at, version, region); err != nil {
		return fmt.Errorf("%w: failed to record success: %w", ErrStatusStoreFailed, err)
	}

	return nil
}

// RecordFailure marks a failed attempt. When the retry budget is exhausted
// the stale flag is raised; the last successful enrichment stays untouched
// and queryable.
func (s *RefreshStatusStore) RecordFailure(
	ctx context.Context,
	region string,
	at time.Time,
	attempt int,
	cause error,
	stale bool,
) error {
	query := `
		INSERT INTO region_refresh_status (region, state, version, last_attempt_at, attempt_count, last_error, stale)
		VALUES ($1, $2, 0, $3, $4, $5, $6)
		ON CONFLICT (region) DO UPDATE
		SET state = EXCLUDED.state,
		    last_attempt_at = EXCLUDED.last_attempt_at,
		    attempt_count = EXCLUDED.attempt_count,
		    last_error = EXCLUDED.last_error,
		    stale = region_refresh_status.stale OR EXCLUDED.stale,
		    updated_at = NOW()
	`

	if _, err := s.conn.ExecContext(ctx, query,
		region, string(refresh.StateFailed), at, attempt, cause.Error(), stale); err != nil {
		return fmt.Errorf("%w: failed to record failure: %w", ErrStatusStoreFailed, err)
	}

	return nil
}

// MarkStale raises the stale flag for a region without touching its state.
func (s *RefreshStatusStore) MarkStale(ctx context.Context, region string) error {
	query := `
		INSERT INTO region_refresh_status (region, state, version, stale)
		VALUES ($1, 'idle', 0, TRUE)
		ON CONFLICT (region) DO UPDATE
		SET stale = TRUE, updated_at = NOW()
	`

	if _, err := s.conn.ExecContext(ctx, query, region); err != nil {
		return fmt.Errorf("%w: failed to mark stale: %w", ErrStatusStoreFailed, err)
	}

	return nil
}

// GetStatus returns the refresh status record for a region. A region with no
// record yet reads as idle at version zero.
func (s *RefreshStatusStore) GetStatus(ctx context.Context, region string) (*refresh.Status, error) {
	query := `
		SELECT region, state, last_success_at, last_attempt_at, attempt_count, last_error, stale, version
		FROM region_refresh_status
		WHERE region = $1
	`

	status, err := scanStatus(s.conn.QueryRowContext(ctx, query, region))
	if errors.Is(err, sql.ErrNoRows) {
		return &refresh.Status{Region: region, State: refresh.StateIdle}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to read status: %w", ErrStatusStoreFailed, err)
	}

	return status, nil
}

// ListStatuses returns refresh status records for every known region.
func (s *RefreshStatusStore) ListStatuses(ctx context.Context) ([]refresh.Status, error) {
	query := `
		SELECT region, state, last_success_at, last_attempt_at, attempt_count, last_error, stale, version
		FROM region_refresh_status
		ORDER BY region
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list statuses: %w", ErrStatusStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var statuses []refresh.Status

	for rows.Next() {
		status, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan status: %w", ErrStatusStoreFailed, err)
		}

		statuses = append(statuses, *status)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStatusStoreFailed, err)
	}

	return statuses, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanStatus(row scanner) (*refresh.Status, error) {
	var (
		status        refresh.Status
		state         string
		lastSuccessAt sql.NullTime
		lastAttemptAt sql.NullTime
		lastError     sql.NullString
	)

	err := row.Scan(
		&status.Region,
		&state,
		&lastSuccessAt,
		&lastAttemptAt,
		&status.AttemptCount,
		&lastError,
		&status.Stale,
		&status.Version,
	)
	if err != nil {
		return nil, err
	}

	status.State = refresh.State(state)

	if lastSuccessAt.Valid {
		status.LastSuccessTime = lastSuccessAt.Time
	}

	if lastAttemptAt.Valid {
		status.LastAttemptTime = lastAttemptAt.Time
	}

	if lastError.Valid {
		status.LastError = lastError.String
	}

	return &status, nil
}
