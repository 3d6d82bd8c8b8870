package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/entitler-io/entitler/internal/enrichment"
	"github.com/entitler-io/entitler/internal/entitlement"
)

type (
	// MembershipSource reads the current membership state for a region as a
	// consistent snapshot (single read transaction upstream).
	MembershipSource interface {
		ListRegionMemberships(ctx context.Context, region string) ([]entitlement.Membership, error)
	}

	// TransactionSource reads a region's transaction rows.
	TransactionSource interface {
		ListRegionTransactions(ctx context.Context, region string) ([]enrichment.Transaction, error)
	}

	// EnrichmentSink atomically replaces a region's enrichment set. The swap
	// is version-checked: if the region's version no longer matches
	// expectedVersion the sink returns ErrWriteConflict and leaves the
	// previous set untouched. Returns the new version on success.
	EnrichmentSink interface {
		ReplaceRegion(
			ctx context.Context,
			region string,
			expectedVersion int64,
			rows []enrichment.EnrichedTransaction,
		) (int64, error)
	}

	// StatusStore persists per-region refresh-status records and the refresh
	// lease that serializes cycles within a region.
	StatusStore interface {
		AcquireLease(ctx context.Context, region, holder string, ttl time.Duration) (*Lease, error)
		ReleaseLease(ctx context.Context, region, holder string) error
		SetState(ctx context.Context, region string, state State) error
		RecordSuccess(ctx context.Context, region string, at time.Time, version int64) error
		RecordFailure(ctx context.Context, region string, at time.Time, attempt int, cause error, stale bool) error
		MarkStale(ctx context.Context, region string) error
		GetStatus(ctx context.Context, region string) (*Status, error)
		ListStatuses(ctx context.Context) ([]Status, error)
	}

	// Coordinator batches change notifications per region and runs refresh
	// cycles against the configured sources and sink.
	//
	// One logical cycle: acquire lease → read membership snapshot → resolve →
	// read transactions → enrich → version-checked swap → record success.
	// Failures are retried with exponential backoff up to Config.MaxRetries,
	// then surfaced as a stale-data warning; source reads and writes are
	// never blocked by a failing refresh.
	Coordinator struct {
		cfg          *Config
		logger       *slog.Logger
		memberships  MembershipSource
		transactions TransactionSource
		sink         EnrichmentSink
		statuses     StatusStore
		materializer *enrichment.Materializer

		// holder identifies this coordinator instance on leases.
		holder string

		mu      sync.Mutex
		regions map[string]*regionState

		// advisory is the coordinator's in-memory view of resolved
		// entitlements, folded forward from change notifications. It only
		// informs scheduling (skipping no-op writes); the authoritative
		// resolution happens inside each cycle from a storage snapshot.
		advisory *entitlement.Snapshot

		now func() time.Time
	}

	// regionState tracks pending (not yet refreshed) changes for one region.
	regionState struct {
		dirty      bool
		pending    int
		firstDirty time.Time
		inflight   bool
	}
)

// NewCoordinator creates a refresh coordinator. The configuration must be
// validated by the caller; a nil logger disables logging.
func NewCoordinator(
	cfg *Config,
	logger *slog.Logger,
	memberships MembershipSource,
	transactions TransactionSource,
	sink EnrichmentSink,
	statuses StatusStore,
	materializer *enrichment.Materializer,
) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Coordinator{
		cfg:          cfg,
		logger:       logger,
		memberships:  memberships,
		transactions: transactions,
		sink:         sink,
		statuses:     statuses,
		materializer: materializer,
		holder:       uuid.NewString(),
		regions:      make(map[string]*regionState),
		advisory:     entitlement.NewSnapshot(0, entitlement.Mapping{}, nil),
		now:          time.Now,
	}
}

// NotifyMembershipChange records membership writes and marks every region
// whose entitlements they would alter as pending. No-op writes (redelivered
// duplicates, superseded out-of-order rows) schedule nothing.
func (c *Coordinator) NotifyMembershipChange(changes ...entitlement.Membership) {
	c.mu.Lock()
	defer c.mu.Unlock()

	affected := c.advisory.ChangesRegion(changes)

	next, invalid := c.advisory.Apply(c.advisory.Version()+1, changes)
	for _, ve := range invalid {
		c.logger.Warn("Rejected malformed membership change",
			slog.String("user_id", ve.Membership.UserID),
			slog.String("region", ve.Membership.Region),
			slog.Any("error", ve.Err))
	}

	c.advisory = next

	if len(affected) == 0 {
		c.logger.Debug("Membership change is a no-op, skipping refresh scheduling",
			slog.Int("change_count", len(changes)))

		return
	}

	for _, region := range affected {
		c.markDirtyLocked(region, 1)
	}
}

// NotifyTransactionWrite marks a region pending after new transaction rows
// were ingested for it.
func (c *Coordinator) NotifyTransactionWrite(region string, count int) {
	if region == "" || count <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.markDirtyLocked(region, count)
}

func (c *Coordinator) markDirtyLocked(region string, count int) {
	st, ok := c.regions[region]
	if !ok {
		st = &regionState{}
		c.regions[region] = st
	}

	if !st.dirty {
		st.dirty = true
		st.firstDirty = c.now()

		if err := c.recordState(context.Background(), region, StatePendingRefresh); err != nil {
			c.logger.Warn("Failed to record pending state",
				slog.String("region", region),
				slog.Any("error", err))
		}
	}

	st.pending += count
}

// ForceRefresh runs one synchronous refresh cycle for region, bypassing the
// debounce window. This is the operator's manual intervention entry point.
func (c *Coordinator) ForceRefresh(ctx context.Context, region string) error {
	if region == "" {
		return fmt.Errorf("%w: empty region", ErrRegionUnknown)
	}

	c.mu.Lock()
	st, ok := c.regions[region]

	if !ok {
		st = &regionState{}
		c.regions[region] = st
	}

	if st.inflight {
		c.mu.Unlock()

		return fmt.Errorf("%w: refresh already in flight for %s", ErrLeaseHeld, region)
	}

	st.inflight = true
	c.mu.Unlock()

	defer c.finishRegion(region)

	return c.refreshWithRetry(ctx, region)
}

// RefreshStatus returns the persisted refresh-status record for a region.
func (c *Coordinator) RefreshStatus(ctx context.Context, region string) (*Status, error) {
	return c.statuses.GetStatus(ctx, region)
}

// AllStatuses returns refresh-status records for every known region.
func (c *Coordinator) AllStatuses(ctx context.Context) ([]Status, error) {
	return c.statuses.ListStatuses(ctx)
}

// Run drives the scheduling loop until ctx is cancelled: periodically scans
// pending regions, dispatches cycles once their debounce window elapses or
// the batch threshold is reached, and raises the stale flag for regions that
// overrun the staleness budget.
func (c *Coordinator) Run(ctx context.Context) error {
	// Scan at a quarter of the staleness bound so worst-case trigger lag
	// stays well inside the bound, clamped so batch-threshold triggers
	// remain prompt under long bounds.
	pollInterval := c.cfg.StalenessBound / 4 //nolint:mnd
	if pollInterval > 100*time.Millisecond {
		pollInterval = 100 * time.Millisecond
	}

	if pollInterval < 10*time.Millisecond {
		pollInterval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.cfg.MaxConcurrent)

	c.logger.Info("Refresh coordinator started",
		slog.Duration("staleness_bound", c.cfg.StalenessBound),
		slog.Int("batch_threshold", c.cfg.BatchThreshold),
		slog.Int("max_concurrent", c.cfg.MaxConcurrent),
		slog.String("holder", c.holder))

	for {
		select {
		case <-ctx.Done():
			// Let in-flight cycles finish; they carry their own timeouts.
			err := group.Wait()

			c.logger.Info("Refresh coordinator stopped")

			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		case <-ticker.C:
			c.dispatchDue(gctx, group)
		}
	}
}

// dispatchDue scans pending regions and starts cycles for those whose
// debounce window elapsed or whose batch threshold was reached.
func (c *Coordinator) dispatchDue(ctx context.Context, group *errgroup.Group) {
	now := c.now()
	staleAfter := time.Duration(c.cfg.StaleMultiplier) * c.cfg.StalenessBound

	c.mu.Lock()

	var due []string

	for region, st := range c.regions {
		if !st.dirty || st.inflight {
			continue
		}

		waited := now.Sub(st.firstDirty)

		if waited >= staleAfter {
			// Soft warning only: data stays queryable from last-known-good.
			if err := c.statuses.MarkStale(context.Background(), region); err != nil {
				c.logger.Warn("Failed to raise stale flag",
					slog.String("region", region), slog.Any("error", err))
			}
		}

		if waited >= c.cfg.StalenessBound || st.pending >= c.cfg.BatchThreshold {
			st.inflight = true

			due = append(due, region)
		}
	}

	c.mu.Unlock()

	for _, region := range due {
		group.Go(func() error {
			defer c.finishRegion(region)

			if err := c.refreshWithRetry(ctx, region); err != nil {
				// Already surfaced via the status record; never tear down
				// the scheduler because one region is failing.
				c.logger.Error("Refresh cycle exhausted retries",
					slog.String("region", region),
					slog.Any("error", err))
			}

			return nil
		})
	}
}

// finishRegion clears the in-flight marker and resets pending bookkeeping
// for changes that were folded into the completed cycle. Changes notified
// while the cycle ran stay pending for the next one.
func (c *Coordinator) finishRegion(region string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.regions[region]
	if !ok {
		return
	}

	st.inflight = false
	st.dirty = false
	st.pending = 0
	st.firstDirty = time.Time{}
}

// recordState persists a region state change after checking it against the
// transition graph. The read-check-write is not atomic; the lease is what
// serializes cycles. The check catches coordinator bugs, not races.
func (c *Coordinator) recordState(ctx context.Context, region string, to State) error {
	current, err := c.statuses.GetStatus(ctx, region)
	if err != nil {
		return fmt.Errorf("read refresh state for %s: %w", region, err)
	}

	if err := ValidateTransition(current.State, to); err != nil {
		return fmt.Errorf("region %s: %w", region, err)
	}

	return c.statuses.SetState(ctx, region, to)
}

// refreshWithRetry runs one refresh cycle, retrying transient failures with
// exponential backoff up to Config.MaxRetries. After exhaustion the region is
// recorded stale and returned to Idle so future writes are never blocked.
func (c *Coordinator) refreshWithRetry(ctx context.Context, region string) error {
	attempt := 0

	operation := func() error {
		attempt++

		err := c.runCycle(ctx, region)
		if err == nil {
			return nil
		}

		if errors.Is(err, ErrLeaseHeld) {
			// Another worker is refreshing this region; nothing to retry.
			return backoff.Permanent(err)
		}

		exhausted := attempt > c.cfg.MaxRetries
		if recordErr := c.statuses.RecordFailure(
			context.Background(), region, c.now(), attempt, err, exhausted,
		); recordErr != nil {
			c.logger.Error("Failed to record refresh failure",
				slog.String("region", region),
				slog.Any("error", recordErr))
		}

		c.logger.Warn("Refresh cycle attempt failed",
			slog.String("region", region),
			slog.Int("attempt", attempt),
			slog.Any("error", err))

		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialBackoff

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries)), ctx)) //nolint:gosec // MaxRetries is validated non-negative
	if err != nil && !errors.Is(err, ErrLeaseHeld) {
		// Retries exhausted: back to Idle with the stale flag raised so the
		// region stays schedulable and reads keep working.
		if stateErr := c.recordState(context.Background(), region, StateIdle); stateErr != nil {
			c.logger.Error("Failed to reset region state after retry exhaustion",
				slog.String("region", region),
				slog.Any("error", stateErr))
		}
	}

	return err
}

// runCycle executes a single resolver+materializer pass for one region.
func (c *Coordinator) runCycle(ctx context.Context, region string) error {
	start := c.now()

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CycleTimeout)
	defer cancel()

	lease, err := c.statuses.AcquireLease(cctx, region, c.holder, c.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease for %s: %w", region, err)
	}

	defer func() {
		if releaseErr := c.statuses.ReleaseLease(context.Background(), region, c.holder); releaseErr != nil {
			c.logger.Warn("Failed to release refresh lease",
				slog.String("region", region),
				slog.Any("error", releaseErr))
		}
	}()

	if err := c.recordState(cctx, region, StateRefreshing); err != nil {
		return fmt.Errorf("record refreshing state for %s: %w", region, err)
	}

	memberships, err := c.memberships.ListRegionMemberships(cctx, region)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshotRead, err)
	}

	users, invalid := entitlement.ResolveRegion(region, memberships)
	for _, ve := range invalid {
		c.logger.Warn("Excluded malformed membership row from resolution",
			slog.String("region", region),
			slog.String("user_id", ve.Membership.UserID),
			slog.Any("error", ve.Err))
	}

	txns, err := c.transactions.ListRegionTransactions(cctx, region)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshotRead, err)
	}

	rows := c.materializer.EnrichRegion(region, txns, users)

	newVersion, err := c.sink.ReplaceRegion(cctx, region, lease.Version, rows)
	if err != nil {
		return fmt.Errorf("swap enrichment set for %s: %w", region, err)
	}

	if err := c.statuses.RecordSuccess(cctx, region, c.now(), newVersion); err != nil {
		return fmt.Errorf("record refresh success for %s: %w", region, err)
	}

	c.mu.Lock()
	c.advisorySetRegionLocked(region, users, memberships)
	c.mu.Unlock()

	c.logger.Info("Refresh cycle completed",
		slog.String("region", region),
		slog.Duration("duration", c.now().Sub(start)),
		slog.Int("transaction_count", len(rows)),
		slog.Int("authorized_user_count", len(users)),
		slog.Int64("version", newVersion))

	return nil
}

// advisorySetRegionLocked folds an authoritative cycle result back into the
// advisory view so subsequent no-op detection starts from fresh state. Only
// the refreshed region is replaced; reverse-index entries for users in other
// regions survive, otherwise a later deactivation for one of them would look
// like a no-op and never schedule a refresh.
func (c *Coordinator) advisorySetRegionLocked(
	region string,
	users entitlement.UserSet,
	memberships []entitlement.Membership,
) {
	c.advisory = c.advisory.WithRegion(c.advisory.Version()+1, region, users, memberships)
}
