package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestmail/guestmail/store"
)

func TestWarnThresholds(t *testing.T) {
	assert.Equal(t, []int64{month, week, day}, warnThresholds(2*year))
	assert.Equal(t, []int64{month, week, day}, warnThresholds(year))
	assert.Equal(t, []int64{week, day}, warnThresholds(60*day))
	assert.Equal(t, []int64{day}, warnThresholds(week))
	assert.Equal(t, []int64{6 * 3600}, warnThresholds(day))
	assert.Equal(t, []int64{900}, warnThresholds(3600))
}

func insertAccount(t *testing.T, st *store.Store, addr string, createdAt, ttl int64, token string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.WithWrite(ctx, func(sess *store.Session) error {
		_, err := sess.InsertAccount(ctx, addr, createdAt, ttl, token)
		return err
	}))
}

// A one day account gets its single notice exactly six hours before
// expiry, and recomputing the scan without advancing the tier yields
// the same notice again.
func TestScanWarningsOneDayBoundary(t *testing.T) {
	m, _, st := newTestManager(t)
	mustAddToken(t, m, "oneday", "1d", "", 50)
	ctx := context.Background()

	createdAt := int64(100_000)
	addr := "short@" + testDomain
	insertAccount(t, st, addr, createdAt, day, "oneday")
	expiresAt := createdAt + day

	// One second before the threshold: nothing.
	warnings, err := m.ScanWarnings(ctx, expiresAt-6*3600-1)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	// Exactly at T-6h the tier fires.
	warnings, err = m.ScanWarnings(ctx, expiresAt-6*3600)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, addr, warnings[0].Account.Addr)
	assert.Equal(t, int64(1), warnings[0].Tier)
	assert.Contains(t, warnings[0].Message, addr)

	// The scan is idempotent until the tier is advanced.
	again, err := m.ScanWarnings(ctx, expiresAt-6*3600)
	require.NoError(t, err)
	assert.Equal(t, warnings, again)

	require.NoError(t, m.AdvanceWarnTier(ctx, addr, 1))
	warnings, err = m.ScanWarnings(ctx, expiresAt-6*3600)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	// Past expiry the account is the pruner's problem, not a warning.
	warnings, err = m.ScanWarnings(ctx, expiresAt+1)
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

// When a scan first runs deep inside the schedule, only the highest
// crossed tier fires; skipped tiers are never delivered late.
func TestScanWarningsSkipsToHighestTier(t *testing.T) {
	m, _, st := newTestManager(t)
	mustAddToken(t, m, "oneyear", "1y", "", 50)
	ctx := context.Background()

	createdAt := int64(1_000_000)
	addr := "long@" + testDomain
	insertAccount(t, st, addr, createdAt, year, "oneyear")
	expiresAt := createdAt + year

	// Inside the final day: tier 3 directly.
	warnings, err := m.ScanWarnings(ctx, expiresAt-3600)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, int64(3), warnings[0].Tier)
	assert.Contains(t, warnings[0].Message, "save anything")

	require.NoError(t, m.AdvanceWarnTier(ctx, addr, 3))
	warnings, err = m.ScanWarnings(ctx, expiresAt-1800)
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestScanWarningsTierProgression(t *testing.T) {
	m, _, st := newTestManager(t)
	mustAddToken(t, m, "oneyear", "1y", "", 50)
	ctx := context.Background()

	createdAt := int64(1_000_000)
	addr := "steady@" + testDomain
	insertAccount(t, st, addr, createdAt, year, "oneyear")
	expiresAt := createdAt + year

	steps := []struct {
		at   int64
		tier int64
	}{
		{expiresAt - month, 1},
		{expiresAt - week, 2},
		{expiresAt - day, 3},
	}
	for _, step := range steps {
		warnings, err := m.ScanWarnings(ctx, step.at)
		require.NoError(t, err)
		require.Len(t, warnings, 1, "tier %d", step.tier)
		assert.Equal(t, step.tier, warnings[0].Tier)
		require.NoError(t, m.AdvanceWarnTier(ctx, addr, step.tier))
	}
}

func TestScanWarningsNeverTTL(t *testing.T) {
	m, _, st := newTestManager(t)
	mustAddToken(t, m, "forever", "never", "", 50)
	insertAccount(t, st, "eternal@"+testDomain, 1000, int64(1)<<62, "forever")

	warnings, err := m.ScanWarnings(context.Background(), 1_000_000_000)
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestAdvanceWarnTierUnknownAccount(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.AdvanceWarnTier(context.Background(), "ghost@"+testDomain, 1)
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
}
