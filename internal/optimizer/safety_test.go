package optimizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/models"
	"github.com/offerlab/traffic-optimizer/internal/storage"
)

type safetyFixture struct {
	guard     *BudgetSafetyGuard
	campaigns *storage.InMemoryCampaignRepo
	spend     *InMemorySpendTracker
}

func newSafetyFixture(t *testing.T, cap string) *safetyFixture {
	t.Helper()
	campaigns := storage.NewInMemoryCampaignRepo()
	spend := NewInMemorySpendTracker()
	guard := NewBudgetSafetyGuard(campaigns, spend, mustDecimal(cap), zap.NewNop())
	return &safetyFixture{guard: guard, campaigns: campaigns, spend: spend}
}

func (f *safetyFixture) addCampaign(t *testing.T, c *models.Campaign) {
	t.Helper()
	if c.ConnectionID == "" {
		c.ConnectionID = "conn1"
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Status == "" {
		c.Status = models.CampaignStatusActive
	}
	require.NoError(t, f.campaigns.Upsert(context.Background(), c))
}

func TestCheckBudgetChangeCapExceeded(t *testing.T) {
	f := newSafetyFixture(t, "300")
	ctx := context.Background()

	// Other active campaigns total $250, this one currently $50.
	f.addCampaign(t, &models.Campaign{ID: "camp1", DailyBudget: mustDecimal("50")})
	f.addCampaign(t, &models.Campaign{ID: "other1", DailyBudget: mustDecimal("150")})
	f.addCampaign(t, &models.Campaign{ID: "other2", DailyBudget: mustDecimal("100")})

	check, err := f.guard.CheckBudgetChange(ctx, "camp1", mustDecimal("400"))
	require.NoError(t, err)
	assert.False(t, check.Safe)
	assert.True(t, check.ProposedTotal.Equal(mustDecimal("650")))
	require.Len(t, check.Errors, 1)
	assert.Contains(t, check.Errors[0], "exceeds global cap")
}

func TestCheckBudgetChangeSafe(t *testing.T) {
	f := newSafetyFixture(t, "300")

	f.addCampaign(t, &models.Campaign{ID: "camp1", DailyBudget: mustDecimal("50")})
	f.addCampaign(t, &models.Campaign{ID: "other1", DailyBudget: mustDecimal("100")})

	check, err := f.guard.CheckBudgetChange(context.Background(), "camp1", mustDecimal("80"))
	require.NoError(t, err)
	assert.True(t, check.Safe)
	assert.Empty(t, check.Errors)
	assert.Empty(t, check.Warnings)
}

func TestCheckBudgetChangeWarnings(t *testing.T) {
	f := newSafetyFixture(t, "300")

	f.addCampaign(t, &models.Campaign{ID: "camp1", DailyBudget: mustDecimal("10")})
	f.addCampaign(t, &models.Campaign{ID: "other1", DailyBudget: mustDecimal("200")})

	// 200 + 90 = 290 is 96.7% of the cap, and 90 is 900% of 10.
	check, err := f.guard.CheckBudgetChange(context.Background(), "camp1", mustDecimal("90"))
	require.NoError(t, err)
	assert.True(t, check.Safe)
	require.Len(t, check.Warnings, 2)
	assert.Contains(t, check.Warnings[0], "utilization")
	assert.Contains(t, check.Warnings[1], "900%")

	// Sub-floor budgets warn too.
	check, err = f.guard.CheckBudgetChange(context.Background(), "camp1", mustDecimal("2"))
	require.NoError(t, err)
	assert.True(t, check.Safe)
	require.Len(t, check.Warnings, 1)
	assert.Contains(t, check.Warnings[0], "below")
}

func TestCheckBudgetChangeNotFound(t *testing.T) {
	f := newSafetyFixture(t, "300")

	_, err := f.guard.CheckBudgetChange(context.Background(), "missing", mustDecimal("10"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetBudgetUtilization(t *testing.T) {
	f := newSafetyFixture(t, "100")

	f.addCampaign(t, &models.Campaign{ID: "a", DailyBudget: mustDecimal("40")})
	util, err := f.guard.GetBudgetUtilization(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", util.Status)
	assert.InDelta(t, 40, util.Percentage, 1e-9)

	f.addCampaign(t, &models.Campaign{ID: "b", DailyBudget: mustDecimal("55")})
	util, err = f.guard.GetBudgetUtilization(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "warning", util.Status)

	f.addCampaign(t, &models.Campaign{ID: "c", DailyBudget: mustDecimal("10")})
	util, err = f.guard.GetBudgetUtilization(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "critical", util.Status)
}

func TestAnalyzeSpendingProjection(t *testing.T) {
	f := newSafetyFixture(t, "300")
	ctx := context.Background()

	total := mustDecimal("1000")
	f.addCampaign(t, &models.Campaign{
		ID:          "camp1",
		DailyBudget: mustDecimal("50"),
		TotalBudget: &total,
		TotalSpent:  mustDecimal("880"),
	})

	// $30 spent by 06:00 projects to $120 for the day.
	now := time.Date(2026, 8, 29, 6, 0, 0, 0, time.UTC)
	require.NoError(t, f.spend.RecordSpend(ctx, "camp1", mustDecimal("30"), now))

	analyses, errs := f.guard.AnalyzeSpending(ctx, now)
	require.Empty(t, errs)
	require.Len(t, analyses, 1)

	a := analyses[0]
	assert.True(t, a.SpentToday.Equal(mustDecimal("30")))
	assert.True(t, a.ProjectedDaySpend.Equal(mustDecimal("120")))
	assert.True(t, a.IsOverspending) // 120 > 110% of 50
	assert.Equal(t, 1, a.DaysUntilExhaustion)
}

// Snapshot ingestion is the only spend feed when Redis is absent, so
// the snapshot-backed tracker must surface it to overspend detection.
func TestAnalyzeSpendingFromSnapshots(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	campaigns := storage.NewInMemoryCampaignRepo()
	require.NoError(t, campaigns.Upsert(ctx, &models.Campaign{
		ID:           "camp1",
		ConnectionID: "conn1",
		Name:         "camp1",
		Status:       models.CampaignStatusActive,
		DailyBudget:  mustDecimal("50"),
	}))

	snapshots := storage.NewInMemorySnapshotStore()
	require.NoError(t, snapshots.Append(ctx, snap("camp1", 1000, 100, 5, "120", "80", now.Add(-2*time.Hour))))
	// Yesterday's spend must not count toward today.
	require.NoError(t, snapshots.Append(ctx, snap("camp1", 1000, 100, 5, "45", "60", now.Add(-24*time.Hour))))

	guard := NewBudgetSafetyGuard(campaigns, NewSnapshotSpendTracker(snapshots), mustDecimal("300"), zap.NewNop())
	analyses, errs := guard.AnalyzeSpending(ctx, now)
	require.Empty(t, errs)
	require.Len(t, analyses, 1)
	assert.True(t, analyses[0].SpentToday.Equal(mustDecimal("120")))
	assert.True(t, analyses[0].IsOverspending)
}

type failingSpendTracker struct {
	inner  *InMemorySpendTracker
	failID string
}

func (t *failingSpendTracker) RecordSpend(ctx context.Context, campaignID string, amount decimal.Decimal, at time.Time) error {
	return t.inner.RecordSpend(ctx, campaignID, amount, at)
}

func (t *failingSpendTracker) TodaySpend(ctx context.Context, campaignID string, now time.Time) (decimal.Decimal, error) {
	if campaignID == t.failID {
		return decimal.Zero, errors.New("counter unavailable")
	}
	return t.inner.TodaySpend(ctx, campaignID, now)
}

func TestAnalyzeSpendingContinuesPastFailedRead(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	campaigns := storage.NewInMemoryCampaignRepo()
	for _, id := range []string{"bad", "good"} {
		require.NoError(t, campaigns.Upsert(ctx, &models.Campaign{
			ID:           id,
			ConnectionID: "conn1",
			Name:         id,
			Status:       models.CampaignStatusActive,
			DailyBudget:  mustDecimal("50"),
		}))
	}

	spend := &failingSpendTracker{inner: NewInMemorySpendTracker(), failID: "bad"}
	require.NoError(t, spend.RecordSpend(ctx, "good", mustDecimal("10"), now))

	guard := NewBudgetSafetyGuard(campaigns, spend, mustDecimal("300"), zap.NewNop())
	analyses, errs := guard.AnalyzeSpending(ctx, now)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "bad")
	require.Len(t, analyses, 1)
	assert.Equal(t, "good", analyses[0].CampaignID)
}

func TestGetCampaignsAtRisk(t *testing.T) {
	f := newSafetyFixture(t, "300")
	ctx := context.Background()
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	f.addCampaign(t, &models.Campaign{ID: "hot", DailyBudget: mustDecimal("50")})
	f.addCampaign(t, &models.Campaign{ID: "warm", DailyBudget: mustDecimal("50")})
	f.addCampaign(t, &models.Campaign{ID: "fine", DailyBudget: mustDecimal("50")})

	// Half the day gone: projection doubles today's spend.
	require.NoError(t, f.spend.RecordSpend(ctx, "hot", mustDecimal("40"), now))  // -> 160%
	require.NoError(t, f.spend.RecordSpend(ctx, "warm", mustDecimal("25"), now)) // -> 100%
	require.NoError(t, f.spend.RecordSpend(ctx, "fine", mustDecimal("10"), now)) // -> 40%

	risks, errs := f.guard.GetCampaignsAtRisk(ctx, now)
	require.Empty(t, errs)
	require.Len(t, risks, 2)

	byID := map[string]*CampaignRisk{}
	for _, r := range risks {
		byID[r.CampaignID] = r
	}
	assert.Equal(t, RiskHigh, byID["hot"].Risk)
	assert.Equal(t, RiskMedium, byID["warm"].Risk)
}

func TestEmergencyBudgetFreeze(t *testing.T) {
	f := newSafetyFixture(t, "300")
	ctx := context.Background()

	f.addCampaign(t, &models.Campaign{ID: "a", DailyBudget: mustDecimal("50")})
	f.addCampaign(t, &models.Campaign{ID: "b", DailyBudget: mustDecimal("60")})

	paused, errs := f.guard.EmergencyBudgetFreeze(ctx, "cap breach investigation")
	require.Empty(t, errs)
	assert.Len(t, paused, 2)

	for _, id := range []string{"a", "b"} {
		c, err := f.campaigns.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.CampaignStatusPaused, c.Status)
		assert.Equal(t, "cap breach investigation", c.PauseReason)
		assert.NotNil(t, c.PausedAt)
	}
}
