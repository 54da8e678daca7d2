package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/models"
	"github.com/offerlab/traffic-optimizer/internal/storage"
)

type budgetFixture struct {
	opt       *BudgetOptimizer
	campaigns *storage.InMemoryCampaignRepo
	snaps     *storage.InMemorySnapshotStore
}

func newBudgetFixture(t *testing.T) *budgetFixture {
	t.Helper()
	campaigns := storage.NewInMemoryCampaignRepo()
	snaps := storage.NewInMemorySnapshotStore()
	opt := NewBudgetOptimizer(campaigns, NewMetricsAggregator(snaps), zap.NewNop())
	return &budgetFixture{opt: opt, campaigns: campaigns, snaps: snaps}
}

func (f *budgetFixture) addCampaign(t *testing.T, id, budget string) {
	t.Helper()
	require.NoError(t, f.campaigns.Upsert(context.Background(), &models.Campaign{
		ID:           id,
		ConnectionID: "conn1",
		Name:         id,
		Status:       models.CampaignStatusActive,
		DailyBudget:  mustDecimal(budget),
	}))
}

func (f *budgetFixture) addSnapshot(t *testing.T, campaignID string, clicks, conv int64, spend, revenue string) {
	t.Helper()
	require.NoError(t, f.snaps.Append(context.Background(),
		snap(campaignID, clicks*50, clicks, conv, spend, revenue, time.Now())))
}

func recFor(recs []*models.BudgetRecommendation, id string) *models.BudgetRecommendation {
	for _, r := range recs {
		if r.CampaignID == id {
			return r
		}
	}
	return nil
}

func sumRecommended(recs []*models.BudgetRecommendation) decimal.Decimal {
	total := decimal.Zero
	for _, r := range recs {
		total = total.Add(r.RecommendedBudget)
	}
	return total
}

func TestOptimizeROIStrategy(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()

	f.addCampaign(t, "winner", "50")
	f.addCampaign(t, "strong", "50")
	f.addCampaign(t, "loser", "40")
	f.addSnapshot(t, "winner", 100, 10, "100", "400") // ROI 300%
	f.addSnapshot(t, "strong", 100, 5, "100", "200")  // ROI 100%
	f.addSnapshot(t, "loser", 100, 0, "100", "20")    // ROI -80%

	total := mustDecimal("300")
	recs, err := f.opt.Optimize(ctx, models.ROIStrategy{}, total)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	loser := recFor(recs, "loser")
	require.NotNil(t, loser)
	assert.True(t, loser.RecommendedBudget.Equal(mustDecimal("20"))) // 40 * 0.5
	assert.Contains(t, loser.Reason, "unprofitable")

	// Winner gets 3/4 of the remaining 280, strong 1/4.
	winner := recFor(recs, "winner")
	assert.True(t, winner.RecommendedBudget.Equal(mustDecimal("210")))
	strong := recFor(recs, "strong")
	assert.True(t, strong.RecommendedBudget.Equal(mustDecimal("70")))

	assert.True(t, sumRecommended(recs).LessThanOrEqual(total.Add(mustDecimal("0.05"))))
}

func TestOptimizeROIFloor(t *testing.T) {
	f := newBudgetFixture(t)

	f.addCampaign(t, "winner", "50")
	f.addCampaign(t, "tiny-loser", "6")
	f.addSnapshot(t, "winner", 100, 10, "100", "300")
	f.addSnapshot(t, "tiny-loser", 100, 0, "50", "10")

	recs, err := f.opt.Optimize(context.Background(), models.ROIStrategy{}, mustDecimal("200"))
	require.NoError(t, err)

	// 6 * 0.5 = 3 is below the $5 floor.
	loser := recFor(recs, "tiny-loser")
	assert.True(t, loser.RecommendedBudget.Equal(mustDecimal("5")))
}

func TestOptimizeEPCStrategy(t *testing.T) {
	f := newBudgetFixture(t)

	f.addCampaign(t, "earner", "50")
	f.addCampaign(t, "dud", "30")
	f.addSnapshot(t, "earner", 100, 5, "50", "100") // EPC 1.0
	f.addSnapshot(t, "dud", 100, 0, "50", "0")      // EPC 0

	recs, err := f.opt.Optimize(context.Background(), models.EPCStrategy{}, mustDecimal("100"))
	require.NoError(t, err)

	dud := recFor(recs, "dud")
	assert.True(t, dud.RecommendedBudget.Equal(mustDecimal("9"))) // 30 * 0.3
	earner := recFor(recs, "earner")
	assert.True(t, earner.RecommendedBudget.Equal(mustDecimal("91"))) // remainder
}

func TestOptimizeConversionsStrategy(t *testing.T) {
	f := newBudgetFixture(t)

	f.addCampaign(t, "a", "50")
	f.addCampaign(t, "b", "50")
	f.addSnapshot(t, "a", 100, 30, "50", "150")
	f.addSnapshot(t, "b", 100, 10, "50", "60")

	recs, err := f.opt.Optimize(context.Background(), models.ConversionsStrategy{}, mustDecimal("200"))
	require.NoError(t, err)

	a := recFor(recs, "a")
	b := recFor(recs, "b")
	assert.True(t, a.RecommendedBudget.Equal(mustDecimal("150"))) // 30/40 of 200
	assert.True(t, b.RecommendedBudget.Equal(mustDecimal("50")))  // 10/40 of 200
}

func TestOptimizeInsufficientDataFallback(t *testing.T) {
	f := newBudgetFixture(t)

	f.addCampaign(t, "a", "50")
	f.addCampaign(t, "b", "30")
	f.addSnapshot(t, "a", 100, 0, "50", "10")
	f.addSnapshot(t, "b", 100, 0, "50", "5")

	recs, err := f.opt.Optimize(context.Background(), models.ROIStrategy{}, mustDecimal("100"))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.True(t, rec.RecommendedBudget.Equal(rec.CurrentBudget))
		assert.Equal(t, "insufficient data", rec.Reason)
		assert.Zero(t, rec.ChangePercentage)
	}
}

func TestOptimizeBalancedStrategy(t *testing.T) {
	f := newBudgetFixture(t)

	f.addCampaign(t, "a", "50")
	f.addCampaign(t, "b", "50")
	// a: ROI 100, EPC and CVR terms capped at 100: score 100.
	f.addSnapshot(t, "a", 100, 5, "50", "100")
	// b: ROI 0, EPC term capped at 100, CVR 2%: score 42.
	f.addSnapshot(t, "b", 100, 2, "20", "20")

	total := mustDecimal("200")
	recs, err := f.opt.Optimize(context.Background(), models.BalancedStrategy{}, total)
	require.NoError(t, err)

	a := recFor(recs, "a")
	b := recFor(recs, "b")
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.True(t, a.RecommendedBudget.GreaterThan(b.RecommendedBudget))
	assert.True(t, sumRecommended(recs).LessThanOrEqual(total.Add(mustDecimal("0.05"))))
}

func TestOptimizeBalancedZeroScoresEqualSplit(t *testing.T) {
	f := newBudgetFixture(t)

	f.addCampaign(t, "a", "10")
	f.addCampaign(t, "b", "90")
	// No snapshots at all: every score is zero.

	recs, err := f.opt.Optimize(context.Background(), models.BalancedStrategy{}, mustDecimal("100"))
	require.NoError(t, err)
	a := recFor(recs, "a")
	b := recFor(recs, "b")
	assert.True(t, a.RecommendedBudget.Equal(mustDecimal("50")))
	assert.True(t, b.RecommendedBudget.Equal(mustDecimal("50")))
}

func TestPriorityForChange(t *testing.T) {
	assert.Equal(t, models.PriorityHigh, priorityForChange(75))
	assert.Equal(t, models.PriorityHigh, priorityForChange(-60))
	assert.Equal(t, models.PriorityMedium, priorityForChange(25))
	assert.Equal(t, models.PriorityLow, priorityForChange(4))
}

func TestApplyRecommendations(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()

	f.addCampaign(t, "big-change", "50")
	f.addCampaign(t, "small-change", "50")

	recs := []*models.BudgetRecommendation{
		{CampaignID: "big-change", CurrentBudget: mustDecimal("50"), RecommendedBudget: mustDecimal("100"), ChangePercentage: 100},
		{CampaignID: "small-change", CurrentBudget: mustDecimal("50"), RecommendedBudget: mustDecimal("51"), ChangePercentage: 2},
		{CampaignID: "missing", CurrentBudget: mustDecimal("10"), RecommendedBudget: mustDecimal("20"), ChangePercentage: 100},
	}
	report := f.opt.ApplyRecommendations(ctx, recs)

	assert.Equal(t, 1, report.Skipped)
	// The in-memory repo ignores updates for unknown campaigns, so both
	// non-skipped items count as applied.
	camp, err := f.campaigns.GetByID(ctx, "big-change")
	require.NoError(t, err)
	assert.True(t, camp.DailyBudget.Equal(mustDecimal("100")))

	small, err := f.campaigns.GetByID(ctx, "small-change")
	require.NoError(t, err)
	assert.True(t, small.DailyBudget.Equal(mustDecimal("50")))
}
