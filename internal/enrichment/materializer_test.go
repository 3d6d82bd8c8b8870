package enrichment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitler-io/entitler/internal/entitlement"
)

func activeMembership(userID, region string) entitlement.Membership {
	return entitlement.Membership{
		UserID:    userID,
		UserName:  userID,
		Region:    region,
		Status:    entitlement.StatusActive,
		UpdatedAt: time.Now(),
	}
}

func resolvedSnapshot(t *testing.T, memberships ...entitlement.Membership) *entitlement.Snapshot {
	t.Helper()

	mapping, invalid := entitlement.Resolve(memberships, nil)
	require.Empty(t, invalid)

	return entitlement.NewSnapshot(1, mapping, memberships)
}

func txnIn(id, region string) Transaction {
	return Transaction{
		ID:          id,
		UserID:      "CUST_000001",
		Timestamp:   time.Now(),
		Amount:      42.50,
		Currency:    "USD",
		Description: "Grocery Store #12 purchase",
		Region:      region,
		Merchant:    "Grocery Store #12",
		Category:    "GROCERY",
		Status:      "APPROVED",
	}
}

func TestEnrich_AuthorizedUsersFromRegion(t *testing.T) {
	// Scenario: U1 and U2 active in RegionX, T1 in RegionX.
	snap := resolvedSnapshot(t,
		activeMembership("U1", "RegionX"),
		activeMembership("U2", "RegionX"),
	)
	m := NewMaterializer(nil)

	rows := m.Enrich([]Transaction{txnIn("T1", "RegionX")}, snap)

	require.Len(t, rows, 1)
	assert.Equal(t, []string{"U1", "U2"}, rows[0].AuthorizedUserIDs)
	assert.Equal(t, 2, rows[0].AuthorizedUserCount)
	assert.Equal(t, ResolutionResolved, rows[0].Resolution)
}

func TestEnrich_DeactivatedUserDropsOut(t *testing.T) {
	base := time.Now()
	memberships := []entitlement.Membership{
		{UserID: "U1", Region: "RegionX", Status: entitlement.StatusActive, UpdatedAt: base},
		{UserID: "U2", Region: "RegionX", Status: entitlement.StatusInactive, UpdatedAt: base.Add(time.Second)},
	}
	snap := resolvedSnapshot(t, memberships...)
	m := NewMaterializer(nil)

	rows := m.Enrich([]Transaction{txnIn("T1", "RegionX")}, snap)

	require.Len(t, rows, 1)
	assert.Equal(t, []string{"U1"}, rows[0].AuthorizedUserIDs)
	assert.Equal(t, 1, rows[0].AuthorizedUserCount)
}

func TestEnrich_EmptyRegionYieldsEmptySetNotNil(t *testing.T) {
	snap := resolvedSnapshot(t, entitlement.Membership{
		UserID:    "U1",
		Region:    "RegionX",
		Status:    entitlement.StatusInactive,
		UpdatedAt: time.Now(),
	})
	m := NewMaterializer(nil)

	rows := m.Enrich([]Transaction{txnIn("T1", "RegionX")}, snap)

	require.Len(t, rows, 1)
	assert.NotNil(t, rows[0].AuthorizedUserIDs)
	assert.Empty(t, rows[0].AuthorizedUserIDs)
	assert.Equal(t, 0, rows[0].AuthorizedUserCount)
	assert.Equal(t, ResolutionResolved, rows[0].Resolution,
		"zero authorized users is a resolved state, not a pending one")
}

func TestEnrich_UnresolvedRegionMarkedPending(t *testing.T) {
	snap := resolvedSnapshot(t, activeMembership("U1", "RegionX"))
	m := NewMaterializer(nil)

	rows := m.Enrich([]Transaction{txnIn("T9", "RegionBrandNew")}, snap)

	require.Len(t, rows, 1)
	assert.Equal(t, ResolutionPending, rows[0].Resolution,
		"a region the resolver has never seen must be marked pending, not empty")
	assert.Empty(t, rows[0].AuthorizedUserIDs)
}

func TestEnrich_Deterministic(t *testing.T) {
	snap := resolvedSnapshot(t,
		activeMembership("U3", "RegionX"),
		activeMembership("U1", "RegionX"),
		activeMembership("U2", "RegionX"),
	)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMaterializer(nil, WithClock(func() time.Time { return fixed }))

	txns := []Transaction{txnIn("T1", "RegionX"), txnIn("T2", "RegionX")}

	first := m.Enrich(txns, snap)
	second := m.Enrich(txns, snap)

	assert.Equal(t, first, second, "re-running enrichment must be byte-identical")
	assert.Equal(t, []string{"U1", "U2", "U3"}, first[0].AuthorizedUserIDs)
}

func TestEnrich_BulkNewUsersInPreviouslyEmptyRegion(t *testing.T) {
	// Scenario: three users provisioned into RegionZ in one batch.
	snap := resolvedSnapshot(t,
		activeMembership("U7", "RegionZ"),
		activeMembership("U8", "RegionZ"),
		activeMembership("U9", "RegionZ"),
	)
	m := NewMaterializer(nil)

	rows := m.Enrich([]Transaction{txnIn("T1", "RegionZ"), txnIn("T2", "RegionZ")}, snap)

	require.Len(t, rows, 2)

	for _, row := range rows {
		assert.Equal(t, []string{"U7", "U8", "U9"}, row.AuthorizedUserIDs)
		assert.Equal(t, 3, row.AuthorizedUserCount)
	}
}

func TestEnrich_MalformedTransactionSkipped(t *testing.T) {
	snap := resolvedSnapshot(t, activeMembership("U1", "RegionX"))
	m := NewMaterializer(nil)

	rows := m.Enrich([]Transaction{
		txnIn("T1", "RegionX"),
		txnIn("", "RegionX"),
		txnIn("T3", ""),
	}, snap)

	require.Len(t, rows, 1)
	assert.Equal(t, "T1", rows[0].ID)
}

func TestEnrichRegion_UsesProvidedSet(t *testing.T) {
	m := NewMaterializer(nil)
	users := entitlement.NewUserSet("U2", "U1")

	rows := m.EnrichRegion("RegionX", []Transaction{txnIn("T1", "RegionX")}, users)

	require.Len(t, rows, 1)
	assert.Equal(t, []string{"U1", "U2"}, rows[0].AuthorizedUserIDs)
	assert.Equal(t, ResolutionResolved, rows[0].Resolution)
}

func TestAuthorizedFor(t *testing.T) {
	row := EnrichedTransaction{AuthorizedUserIDs: []string{"U1", "U2"}}

	assert.True(t, row.AuthorizedFor("U1"))
	assert.False(t, row.AuthorizedFor("U3"))
	assert.False(t, (&EnrichedTransaction{AuthorizedUserIDs: []string{}}).AuthorizedFor("U1"))
}
