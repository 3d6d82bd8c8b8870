package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitler-io/entitler/internal/enrichment"
	"github.com/entitler-io/entitler/internal/entitlement"
)

// memBackend is an in-memory implementation of MembershipSource,
// TransactionSource, EnrichmentSink and StatusStore sharing one state,
// with failure-injection hooks for exercising retry paths.
type memBackend struct {
	mu sync.Mutex

	memberships map[string][]entitlement.Membership
	txns        map[string][]enrichment.Transaction

	rows     map[string][]enrichment.EnrichedTransaction
	versions map[string]int64

	leases   map[string]*Lease
	statuses map[string]*Status

	// failure injection: each counter fails that many calls before
	// succeeding again.
	membershipReadFailures int
	replaceFailures        int
	conflictFailures       int
}

func newMemBackend() *memBackend {
	return &memBackend{
		memberships: make(map[string][]entitlement.Membership),
		txns:        make(map[string][]enrichment.Transaction),
		rows:        make(map[string][]enrichment.EnrichedTransaction),
		versions:    make(map[string]int64),
		leases:      make(map[string]*Lease),
		statuses:    make(map[string]*Status),
	}
}

func (b *memBackend) ListRegionMemberships(_ context.Context, region string) ([]entitlement.Membership, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.membershipReadFailures > 0 {
		b.membershipReadFailures--

		return nil, errors.New("membership snapshot unavailable")
	}

	out := make([]entitlement.Membership, len(b.memberships[region]))
	copy(out, b.memberships[region])

	return out, nil
}

func (b *memBackend) ListRegionTransactions(_ context.Context, region string) ([]enrichment.Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]enrichment.Transaction, len(b.txns[region]))
	copy(out, b.txns[region])

	return out, nil
}

func (b *memBackend) ReplaceRegion(
	_ context.Context,
	region string,
	expectedVersion int64,
	rows []enrichment.EnrichedTransaction,
) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.replaceFailures > 0 {
		b.replaceFailures--

		return 0, errors.New("enrichment write failed")
	}

	if b.conflictFailures > 0 {
		b.conflictFailures--

		return 0, fmt.Errorf("%w: version mismatch for %s", ErrWriteConflict, region)
	}

	if b.versions[region] != expectedVersion {
		return 0, fmt.Errorf("%w: expected version %d, have %d",
			ErrWriteConflict, expectedVersion, b.versions[region])
	}

	b.rows[region] = rows
	b.versions[region]++

	return b.versions[region], nil
}

func (b *memBackend) AcquireLease(_ context.Context, region, holder string, ttl time.Duration) (*Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if held, ok := b.leases[region]; ok && held.Holder != holder && time.Now().Before(held.ExpiresAt) {
		return nil, fmt.Errorf("%w: held by %s", ErrLeaseHeld, held.Holder)
	}

	lease := &Lease{
		Region:    region,
		Holder:    holder,
		Version:   b.versions[region],
		ExpiresAt: time.Now().Add(ttl),
	}
	b.leases[region] = lease

	return lease, nil
}

func (b *memBackend) ReleaseLease(_ context.Context, region, holder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if held, ok := b.leases[region]; ok && held.Holder == holder {
		delete(b.leases, region)
	}

	return nil
}

func (b *memBackend) SetState(_ context.Context, region string, state State) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.statusLocked(region).State = state

	return nil
}

func (b *memBackend) RecordSuccess(_ context.Context, region string, at time.Time, version int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.statusLocked(region)
	st.State = StateIdle
	st.LastSuccessTime = at
	st.LastAttemptTime = at
	st.AttemptCount = 0
	st.LastError = ""
	st.Stale = false
	st.Version = version

	return nil
}

func (b *memBackend) RecordFailure(
	_ context.Context, region string, at time.Time, attempt int, cause error, stale bool,
) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.statusLocked(region)
	st.State = StateFailed
	st.LastAttemptTime = at
	st.AttemptCount = attempt
	st.LastError = cause.Error()

	if stale {
		st.Stale = true
	}

	return nil
}

func (b *memBackend) MarkStale(_ context.Context, region string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.statusLocked(region).Stale = true

	return nil
}

func (b *memBackend) GetStatus(_ context.Context, region string) (*Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := *b.statusLocked(region)

	return &st, nil
}

func (b *memBackend) ListStatuses(_ context.Context) ([]Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Status, 0, len(b.statuses))
	for _, st := range b.statuses {
		out = append(out, *st)
	}

	return out, nil
}

func (b *memBackend) statusLocked(region string) *Status {
	st, ok := b.statuses[region]
	if !ok {
		st = &Status{Region: region, State: StateIdle}
		b.statuses[region] = st
	}

	return st
}

func (b *memBackend) regionRows(region string) []enrichment.EnrichedTransaction {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]enrichment.EnrichedTransaction, len(b.rows[region]))
	copy(out, b.rows[region])

	return out
}

func testConfig() *Config {
	return &Config{
		StalenessBound:  50 * time.Millisecond,
		BatchThreshold:  25,
		MaxRetries:      2,
		CycleTimeout:    5 * time.Second,
		LeaseTTL:        5 * time.Second,
		MaxConcurrent:   2,
		InitialBackoff:  time.Millisecond,
		StaleMultiplier: 3,
	}
}

func newTestCoordinator(t *testing.T, cfg *Config, backend *memBackend) *Coordinator {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	return NewCoordinator(cfg, logger, backend, backend, backend, backend,
		enrichment.NewMaterializer(logger))
}

func membership(userID, region string, status entitlement.Status, updated time.Time) entitlement.Membership {
	return entitlement.Membership{
		UserID:    userID,
		UserName:  "User " + userID,
		Region:    region,
		Status:    status,
		UpdatedAt: updated,
	}
}

func transaction(id, region string) enrichment.Transaction {
	return enrichment.Transaction{
		ID:        id,
		UserID:    "user-origin",
		Timestamp: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Amount:    42.50,
		Currency:  "USD",
		Region:    region,
		Merchant:  "Acme Outfitters",
		Category:  "Retail",
		Status:    "COMPLETED",
	}
}

func TestCoordinator_ForceRefresh_EnrichesRegion(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	backend := newMemBackend()
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	backend.memberships["US_EAST"] = []entitlement.Membership{
		membership("user-1", "US_EAST", entitlement.StatusActive, now),
		membership("user-2", "US_EAST", entitlement.StatusActive, now),
		membership("user-3", "US_EAST", entitlement.StatusInactive, now),
	}
	backend.txns["US_EAST"] = []enrichment.Transaction{
		transaction("txn-1", "US_EAST"),
		transaction("txn-2", "US_EAST"),
	}

	coord := newTestCoordinator(t, testConfig(), backend)

	require.NoError(t, coord.ForceRefresh(context.Background(), "US_EAST"))

	rows := backend.regionRows("US_EAST")
	require.Len(t, rows, 2)

	for _, row := range rows {
		assert.Equal(t, []string{"user-1", "user-2"}, row.AuthorizedUserIDs)
		assert.Equal(t, 2, row.AuthorizedUserCount)
		assert.Equal(t, enrichment.ResolutionResolved, row.Resolution)
	}

	status, err := coord.RefreshStatus(context.Background(), "US_EAST")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, int64(1), status.Version)
	assert.False(t, status.Stale)
	assert.Zero(t, status.AttemptCount)

	// Lease must be released after the cycle.
	backend.mu.Lock()
	_, held := backend.leases["US_EAST"]
	backend.mu.Unlock()
	assert.False(t, held)
}

func TestCoordinator_ForceRefresh_FailureLeavesPriorEnrichment(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	backend := newMemBackend()
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	backend.memberships["EUROPE"] = []entitlement.Membership{
		membership("user-1", "EUROPE", entitlement.StatusActive, now),
	}
	backend.txns["EUROPE"] = []enrichment.Transaction{transaction("txn-1", "EUROPE")}

	coord := newTestCoordinator(t, testConfig(), backend)
	require.NoError(t, coord.ForceRefresh(context.Background(), "EUROPE"))

	before := backend.regionRows("EUROPE")
	require.Len(t, before, 1)
	require.Equal(t, []string{"user-1"}, before[0].AuthorizedUserIDs)

	// Membership changed, but every snapshot read now fails: the previous
	// enrichment set must survive untouched.
	backend.mu.Lock()
	backend.memberships["EUROPE"] = append(backend.memberships["EUROPE"],
		membership("user-2", "EUROPE", entitlement.StatusActive, now.Add(time.Minute)))
	backend.membershipReadFailures = 100
	backend.mu.Unlock()

	err := coord.ForceRefresh(context.Background(), "EUROPE")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSnapshotRead)

	after := backend.regionRows("EUROPE")
	require.Len(t, after, 1)
	assert.Equal(t, []string{"user-1"}, after[0].AuthorizedUserIDs)

	status, statusErr := coord.RefreshStatus(context.Background(), "EUROPE")
	require.NoError(t, statusErr)
	assert.True(t, status.Stale)
	assert.Equal(t, StateIdle, status.State, "region must stay schedulable after retry exhaustion")
	assert.NotEmpty(t, status.LastError)
}

func TestCoordinator_RetrySucceedsAfterTransientFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	backend := newMemBackend()
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	backend.memberships["ASIA_PAC"] = []entitlement.Membership{
		membership("user-9", "ASIA_PAC", entitlement.StatusActive, now),
	}
	backend.txns["ASIA_PAC"] = []enrichment.Transaction{transaction("txn-9", "ASIA_PAC")}
	backend.replaceFailures = 1

	coord := newTestCoordinator(t, testConfig(), backend)

	require.NoError(t, coord.ForceRefresh(context.Background(), "ASIA_PAC"))

	rows := backend.regionRows("ASIA_PAC")
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"user-9"}, rows[0].AuthorizedUserIDs)

	status, err := coord.RefreshStatus(context.Background(), "ASIA_PAC")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, status.State)
	assert.False(t, status.Stale)
}

func TestCoordinator_WriteConflictRetriedWithFreshVersion(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	backend := newMemBackend()
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	backend.memberships["US_WEST"] = []entitlement.Membership{
		membership("user-5", "US_WEST", entitlement.StatusActive, now),
	}
	backend.txns["US_WEST"] = []enrichment.Transaction{transaction("txn-5", "US_WEST")}
	backend.conflictFailures = 1

	coord := newTestCoordinator(t, testConfig(), backend)

	// The conflicting attempt must not partially apply; the retried cycle
	// re-acquires the lease and lands cleanly.
	require.NoError(t, coord.ForceRefresh(context.Background(), "US_WEST"))

	rows := backend.regionRows("US_WEST")
	require.Len(t, rows, 1)

	status, err := coord.RefreshStatus(context.Background(), "US_WEST")
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Version)
}

func TestCoordinator_LeaseHeldByAnotherWorker(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	backend := newMemBackend()
	backend.leases["US_EAST"] = &Lease{
		Region:    "US_EAST",
		Holder:    "another-worker",
		ExpiresAt: time.Now().Add(time.Minute),
	}

	coord := newTestCoordinator(t, testConfig(), backend)

	err := coord.ForceRefresh(context.Background(), "US_EAST")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLeaseHeld)
	assert.Empty(t, backend.regionRows("US_EAST"))
}

func TestCoordinator_ExpiredLeaseIsReclaimed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	backend := newMemBackend()
	backend.leases["US_EAST"] = &Lease{
		Region:    "US_EAST",
		Holder:    "crashed-worker",
		ExpiresAt: time.Now().Add(-time.Second),
	}
	backend.txns["US_EAST"] = []enrichment.Transaction{transaction("txn-1", "US_EAST")}

	coord := newTestCoordinator(t, testConfig(), backend)

	require.NoError(t, coord.ForceRefresh(context.Background(), "US_EAST"))
	require.Len(t, backend.regionRows("US_EAST"), 1)
}

func TestCoordinator_NotifyMembershipChange_SkipsNoOps(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	backend := newMemBackend()
	coord := newTestCoordinator(t, testConfig(), backend)

	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	change := membership("user-1", "US_EAST", entitlement.StatusActive, now)

	coord.NotifyMembershipChange(change)

	coord.mu.Lock()
	st, ok := coord.regions["US_EAST"]
	coord.mu.Unlock()
	require.True(t, ok)
	assert.True(t, st.dirty)

	// Simulate the region having been refreshed.
	coord.finishRegion("US_EAST")

	// Redelivery of the same row resolves to the same entitlements and must
	// not schedule another cycle.
	coord.NotifyMembershipChange(change)

	coord.mu.Lock()
	st = coord.regions["US_EAST"]
	coord.mu.Unlock()
	assert.False(t, st.dirty)

	// A real status flip schedules again.
	coord.NotifyMembershipChange(
		membership("user-1", "US_EAST", entitlement.StatusInactive, now.Add(time.Minute)))

	coord.mu.Lock()
	st = coord.regions["US_EAST"]
	coord.mu.Unlock()
	assert.True(t, st.dirty)
}

func TestCoordinator_NotifyMembershipChange_RegionMoveMarksBothRegions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	backend := newMemBackend()
	coord := newTestCoordinator(t, testConfig(), backend)

	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	coord.NotifyMembershipChange(membership("user-1", "US_EAST", entitlement.StatusActive, now))
	coord.finishRegion("US_EAST")

	coord.NotifyMembershipChange(membership("user-1", "EUROPE", entitlement.StatusActive, now.Add(time.Minute)))

	coord.mu.Lock()
	east := coord.regions["US_EAST"]
	europe := coord.regions["EUROPE"]
	coord.mu.Unlock()

	require.NotNil(t, east)
	require.NotNil(t, europe)
	assert.True(t, east.dirty, "losing region must be refreshed")
	assert.True(t, europe.dirty, "gaining region must be refreshed")
}

func TestCoordinator_Run_DebouncedRefresh(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	backend := newMemBackend()
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	backend.memberships["US_EAST"] = []entitlement.Membership{
		membership("user-1", "US_EAST", entitlement.StatusActive, now),
	}
	backend.txns["US_EAST"] = []enrichment.Transaction{transaction("txn-1", "US_EAST")}

	coord := newTestCoordinator(t, testConfig(), backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	coord.NotifyMembershipChange(membership("user-1", "US_EAST", entitlement.StatusActive, now))

	require.Eventually(t, func() bool {
		return len(backend.regionRows("US_EAST")) == 1
	}, 2*time.Second, 10*time.Millisecond, "debounced refresh never ran")

	cancel()
	require.NoError(t, <-done)
}

func TestCoordinator_Run_BatchThresholdTriggersBeforeWindow(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	backend := newMemBackend()
	backend.txns["US_WEST"] = []enrichment.Transaction{transaction("txn-1", "US_WEST")}

	cfg := testConfig()
	cfg.StalenessBound = time.Minute // window alone would be far too slow
	cfg.BatchThreshold = 3

	coord := newTestCoordinator(t, cfg, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	coord.NotifyTransactionWrite("US_WEST", 3)

	require.Eventually(t, func() bool {
		return len(backend.regionRows("US_WEST")) == 1
	}, 2*time.Second, 10*time.Millisecond, "batch threshold never triggered a refresh")

	cancel()
	require.NoError(t, <-done)
}

func TestCoordinator_DeactivationSchedulesAfterUnrelatedRefresh(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	backend := newMemBackend()
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	backend.memberships["EUROPE"] = []entitlement.Membership{
		membership("user-1", "EUROPE", entitlement.StatusActive, now),
	}
	backend.txns["EUROPE"] = []enrichment.Transaction{transaction("txn-eu", "EUROPE")}
	backend.memberships["US_EAST"] = []entitlement.Membership{
		membership("user-2", "US_EAST", entitlement.StatusActive, now),
	}

	coord := newTestCoordinator(t, testConfig(), backend)

	coord.NotifyMembershipChange(membership("user-1", "EUROPE", entitlement.StatusActive, now))

	require.NoError(t, coord.ForceRefresh(context.Background(), "EUROPE"))

	// A cycle for an unrelated region must not erase what the coordinator
	// knows about EUROPE's users.
	require.NoError(t, coord.ForceRefresh(context.Background(), "US_EAST"))

	coord.NotifyMembershipChange(
		membership("user-1", "EUROPE", entitlement.StatusInactive, now.Add(time.Minute)))

	coord.mu.Lock()
	europe := coord.regions["EUROPE"]
	coord.mu.Unlock()

	require.NotNil(t, europe)
	assert.True(t, europe.dirty,
		"deactivation after an unrelated region's refresh must schedule a cycle")
}

func TestCoordinator_RecordStateFollowsTransitionGraph(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	backend := newMemBackend()
	coord := newTestCoordinator(t, testConfig(), backend)
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	// Idle to pending is a valid transition and is persisted.
	coord.NotifyMembershipChange(membership("user-1", "EUROPE", entitlement.StatusActive, now))

	status, err := backend.GetStatus(context.Background(), "EUROPE")
	require.NoError(t, err)
	assert.Equal(t, StatePendingRefresh, status.State)

	// A notification landing while a cycle is in flight must not yank the
	// persisted state back to pending; the write is refused, the dirty
	// flag still schedules a follow-up cycle.
	require.NoError(t, backend.SetState(context.Background(), "US_EAST", StateRefreshing))
	coord.NotifyMembershipChange(membership("user-2", "US_EAST", entitlement.StatusActive, now))

	status, err = backend.GetStatus(context.Background(), "US_EAST")
	require.NoError(t, err)
	assert.Equal(t, StateRefreshing, status.State)

	coord.mu.Lock()
	usEast := coord.regions["US_EAST"]
	coord.mu.Unlock()

	require.NotNil(t, usEast)
	assert.True(t, usEast.dirty)

	assert.ErrorIs(t, coord.recordState(context.Background(), "US_EAST", StatePendingRefresh),
		ErrInvalidTransition)
}
