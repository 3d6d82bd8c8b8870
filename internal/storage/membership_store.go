package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/entitler-io/entitler/internal/entitlement"
)

// Sentinel errors for membership storage operations.
var (
	// ErrMembershipStoreFailed is returned when a membership storage operation fails.
	ErrMembershipStoreFailed = errors.New("membership storage failed")
)

// MembershipStore implements persistence for per-region user memberships
// with out-of-order upsert handling: an older row can never overwrite a
// newer one, matching the resolver's last-writer-wins semantics.
type MembershipStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewMembershipStore creates a PostgreSQL-backed membership store.
func NewMembershipStore(conn *Connection, logger *slog.Logger) (*MembershipStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &MembershipStore{conn: conn, logger: logger}, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *MembershipStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// UpsertMemberships stores a batch of membership rows with per-row transactions
// so one malformed row never blocks the rest of the batch.
//
// Rows are validated before writing; invalid rows are returned (not stored,
// not fatal). The upsert is guarded by updated_at comparison in SQL so a
// delayed older write cannot clobber a newer one.
func (s *MembershipStore) UpsertMemberships(
	ctx context.Context,
	memberships []entitlement.Membership,
) (int, []*entitlement.ValidationError, error) {
	var (
		stored  int
		invalid []*entitlement.ValidationError
	)

	for i := range memberships {
		if ctx.Err() != nil {
			return stored, invalid, fmt.Errorf("%w: request cancelled", ErrMembershipStoreFailed)
		}

		m := memberships[i]

		if err := entitlement.ValidateMembership(m); err != nil {
			var ve *entitlement.ValidationError
			if errors.As(err, &ve) {
				invalid = append(invalid, ve)
			} else {
				invalid = append(invalid, &entitlement.ValidationError{Membership: m, Err: err})
			}

			s.logger.Warn("Rejected malformed membership row",
				slog.String("user_id", m.UserID),
				slog.String("region", m.Region),
				slog.Any("error", err))

			continue
		}

		if err := s.upsertOne(ctx, m); err != nil {
			if isDatabaseConnectionError(err) {
				return stored, invalid, fmt.Errorf("%w: database connection lost: %w", ErrMembershipStoreFailed, err)
			}

			return stored, invalid, fmt.Errorf("%w: %w", ErrMembershipStoreFailed, err)
		}

		stored++
	}

	return stored, invalid, nil
}

// upsertOne writes a single membership row. The WHERE guard keeps the newest
// updated_at; ties go to the incoming row so redelivery converges.
func (s *MembershipStore) upsertOne(ctx context.Context, m entitlement.Membership) error {
	query := `
		INSERT INTO user_region_memberships (user_id, user_name, region, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET user_name = EXCLUDED.user_name,
		    region = EXCLUDED.region,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at
		WHERE user_region_memberships.updated_at <= EXCLUDED.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query, m.UserID, m.UserName, m.Region, string(m.Status), m.UpdatedAt)

	return err
}

// ListRegionMemberships returns every membership row currently pointing at
// the given region, as one consistent read.
func (s *MembershipStore) ListRegionMemberships(
	ctx context.Context,
	region string,
) ([]entitlement.Membership, error) {
	query := `
		SELECT user_id, user_name, region, status, updated_at
		FROM user_region_memberships
		WHERE region = $1
		ORDER BY user_id
	`

	rows, err := s.conn.QueryContext(ctx, query, region)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMembershipStoreFailed, err)
	}

	return scanMemberships(rows)
}

// ListMemberships returns all membership rows ordered by user id.
func (s *MembershipStore) ListMemberships(ctx context.Context) ([]entitlement.Membership, error) {
	query := `
		SELECT user_id, user_name, region, status, updated_at
		FROM user_region_memberships
		ORDER BY user_id
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMembershipStoreFailed, err)
	}

	return scanMemberships(rows)
}

// ListRegions returns the distinct regions present in the membership table.
func (s *MembershipStore) ListRegions(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT region FROM user_region_memberships ORDER BY region`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMembershipStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var regions []string

	for rows.Next() {
		var region string
		if err := rows.Scan(&region); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMembershipStoreFailed, err)
		}

		regions = append(regions, region)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMembershipStoreFailed, err)
	}

	return regions, nil
}

func scanMemberships(rows *sql.Rows) ([]entitlement.Membership, error) {
	defer func() {
		_ = rows.Close()
	}()

	var memberships []entitlement.Membership

	for rows.Next() {
		var (
			m         entitlement.Membership
			status    string
			updatedAt time.Time
		)

		if err := rows.Scan(&m.UserID, &m.UserName, &m.Region, &status, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMembershipStoreFailed, err)
		}

		m.Status = entitlement.Status(status)
		m.UpdatedAt = updatedAt

		memberships = append(memberships, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMembershipStoreFailed, err)
	}

	return memberships, nil
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors for robust detection.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Class 08 = Connection Exception per PostgreSQL documentation.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
