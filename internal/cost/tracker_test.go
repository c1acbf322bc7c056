package cost

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, budgets Budgets) *Tracker {
	t.Helper()
	tr, err := NewTracker(budgets)
	require.NoError(t, err)
	return tr
}

func TestTrackComputesCost(t *testing.T) {
	tr := newTestTracker(t, Budgets{Daily: 10, Monthly: 100})

	res, err := tr.Track("gpt-4o", "openai", 1_000_000, 100_000, "development", "card-1", "generate code")
	require.NoError(t, err)
	// 1M input at $2.50 + 100k output at $10.00.
	assert.InDelta(t, 2.50+1.00, res.Cost, 1e-9)
	assert.InDelta(t, res.Cost, res.DailyUsage, 1e-9)
	assert.InDelta(t, 10-res.Cost, res.DailyRemaining, 1e-9)
}

func TestTrackUnknownModelUsesFallback(t *testing.T) {
	tr := newTestTracker(t, Budgets{Daily: 100, Monthly: 1000})

	res, err := tr.Track("some-new-model", "openai", 1_000_000, 0, "development", "card-1", "x")
	require.NoError(t, err)
	assert.InDelta(t, fallbackPrice.InputPerMTok, res.Cost, 1e-9)
}

func TestBudgetExceededLeavesLedgerUnchanged(t *testing.T) {
	tr := newTestTracker(t, Budgets{Daily: 0.01, Monthly: 100})

	// First small call fits under a cent.
	_, err := tr.Track("gpt-4o-mini", "openai", 10_000, 1_000, "analysis", "card-1", "x")
	require.NoError(t, err)
	before := tr.DailyUsage()

	// A large call must be refused before recording.
	_, err = tr.Track("gpt-4o", "openai", 5_000_000, 1_000_000, "development", "card-1", "x")
	require.Error(t, err)
	var bex *BudgetExceededError
	require.ErrorAs(t, err, &bex)
	assert.Equal(t, "daily", bex.Scope)

	assert.InDelta(t, before, tr.DailyUsage(), 1e-12)
	assert.Equal(t, 1, tr.Stats().TotalCalls)
}

func TestMonthlyBudgetChecked(t *testing.T) {
	tr := newTestTracker(t, Budgets{Daily: 1000, Monthly: 0.01})

	_, err := tr.Track("gpt-4o", "openai", 5_000_000, 1_000_000, "development", "card-1", "x")
	require.Error(t, err)
	var bex *BudgetExceededError
	require.ErrorAs(t, err, &bex)
	assert.Equal(t, "monthly", bex.Scope)
}

func TestAlertAtThreshold(t *testing.T) {
	tr := newTestTracker(t, Budgets{Daily: 1.0, Monthly: 1000, AlertThreshold: 0.8})

	// $0.75 of a $1 budget: below the 0.8 threshold, no alert.
	res, err := tr.Track("gpt-4o", "openai", 300_000, 0, "development", "card-1", "x")
	require.NoError(t, err)
	assert.Empty(t, res.Alert)

	// Crossing 80% raises the alert.
	res, err = tr.Track("gpt-4o", "openai", 60_000, 0, "development", "card-1", "x")
	require.NoError(t, err)
	assert.Contains(t, res.Alert, "daily budget")
}

func TestStatsAggregation(t *testing.T) {
	tr := newTestTracker(t, Budgets{Daily: 100, Monthly: 1000})

	_, err := tr.Track("gpt-4o", "openai", 100_000, 10_000, "development", "card-1", "x")
	require.NoError(t, err)
	_, err = tr.Track("claude-sonnet-4-20250514", "anthropic", 50_000, 5_000, "code_review", "card-1", "x")
	require.NoError(t, err)

	s := tr.Stats()
	assert.Equal(t, 2, s.TotalCalls)
	assert.Equal(t, 150_000, s.TotalTokensIn)
	assert.Len(t, s.ByStage, 2)
	assert.Len(t, s.ByProvider, 2)
	assert.InDelta(t, s.TotalCost/2, s.AvgCostPerCall, 1e-9)
}

func TestCleanupDropsOldRecords(t *testing.T) {
	tr := newTestTracker(t, Budgets{Daily: 100, Monthly: 1000})

	old := time.Now().AddDate(0, 0, -40)
	tr.nowFn = func() time.Time { return old }
	_, err := tr.Track("gpt-4o", "openai", 1000, 100, "development", "card-1", "old call")
	require.NoError(t, err)

	tr.nowFn = time.Now
	_, err = tr.Track("gpt-4o", "openai", 1000, 100, "development", "card-1", "new call")
	require.NoError(t, err)

	removed := tr.Cleanup(30)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, tr.Stats().TotalCalls)
}

func TestLedgerPersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")

	tr, err := NewTracker(Budgets{Daily: 100, Monthly: 1000}, WithLedgerPath(path))
	require.NoError(t, err)
	_, err = tr.Track("gpt-4o", "openai", 100_000, 10_000, "development", "card-1", "x")
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	reloaded, err := NewTracker(Budgets{Daily: 100, Monthly: 1000}, WithLedgerPath(path))
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Stats().TotalCalls)
	assert.Greater(t, reloaded.DailyUsage(), 0.0)
}

func TestContextAttribution(t *testing.T) {
	ctx := WithStage(WithCard(t.Context(), "card-9"), "validation")
	assert.Equal(t, "validation", StageFrom(ctx))
	assert.Equal(t, "card-9", CardFrom(ctx))
	assert.Equal(t, "unattributed", StageFrom(t.Context()))
}
