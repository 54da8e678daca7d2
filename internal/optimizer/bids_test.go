package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/models"
	"github.com/offerlab/traffic-optimizer/internal/storage"
)

type bidFixture struct {
	optimizer *BidOptimizer
	selector  *BidStrategySelector
	analyzer  *CompetitorBidAnalyzer
	snaps     *storage.InMemorySnapshotStore
}

func newBidFixture(t *testing.T) *bidFixture {
	t.Helper()
	snaps := storage.NewInMemorySnapshotStore()
	agg := NewMetricsAggregator(snaps)
	return &bidFixture{
		optimizer: NewBidOptimizer(agg, zap.NewNop()),
		selector:  NewBidStrategySelector(agg),
		analyzer:  NewCompetitorBidAnalyzer(agg),
		snaps:     snaps,
	}
}

func (f *bidFixture) seed(t *testing.T, campaignID string, count int, imp, clicks, conv int64, spend, revenue string) {
	t.Helper()
	now := time.Now()
	for i := 0; i < count; i++ {
		require.NoError(t, f.snaps.Append(context.Background(),
			snap(campaignID, imp, clicks, conv, spend, revenue, now.Add(time.Duration(i)*time.Hour))))
	}
}

func TestRecommendBidTargetCPA(t *testing.T) {
	f := newBidFixture(t)
	// 1000 clicks, 50 conversions: CVR 5%.
	f.seed(t, "camp1", 10, 10000, 100, 5, "50", "150")

	rec, err := f.optimizer.RecommendBid(context.Background(), "camp1",
		models.TargetCPAStrategy{TargetCPA: mustDecimal("10")})
	require.NoError(t, err)

	// $10 target CPA at 5% CVR values a click at $0.50.
	assert.True(t, rec.RecommendedBid.Equal(mustDecimal("0.5")), rec.RecommendedBid.String())
	assert.Equal(t, ConfidenceHigh, rec.Confidence)
	assert.Equal(t, "target-cpa", rec.Strategy)
}

func TestRecommendBidTargetROAS(t *testing.T) {
	f := newBidFixture(t)
	// 1000 clicks, 50 conversions, $1500 revenue: $30/conv, CVR 5%.
	f.seed(t, "camp1", 10, 10000, 100, 5, "50", "150")

	rec, err := f.optimizer.RecommendBid(context.Background(), "camp1",
		models.TargetROASStrategy{TargetROAS: 3})
	require.NoError(t, err)

	// 30 * 0.05 / 3 = 0.50.
	assert.True(t, rec.RecommendedBid.Equal(mustDecimal("0.5")), rec.RecommendedBid.String())
}

func TestRecommendBidTargetROASInvalid(t *testing.T) {
	f := newBidFixture(t)
	f.seed(t, "camp1", 5, 1000, 100, 5, "50", "150")

	_, err := f.optimizer.RecommendBid(context.Background(), "camp1",
		models.TargetROASStrategy{TargetROAS: 0})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRecommendBidMaximizeConversions(t *testing.T) {
	f := newBidFixture(t)
	// CVR 10%, CPC $0.50: strong enough for the aggressive multiplier.
	f.seed(t, "camp1", 10, 1000, 100, 10, "50", "300")

	rec, err := f.optimizer.RecommendBid(context.Background(), "camp1",
		models.MaximizeConversionsStrategy{MinBid: mustDecimal("0.10"), MaxBid: mustDecimal("2.00")})
	require.NoError(t, err)

	// 0.50 * 1.2 = 0.60, within bounds.
	assert.True(t, rec.RecommendedBid.Equal(mustDecimal("0.6")), rec.RecommendedBid.String())
}

func TestRecommendBidClampsToMax(t *testing.T) {
	f := newBidFixture(t)
	f.seed(t, "camp1", 10, 1000, 100, 10, "50", "300")

	rec, err := f.optimizer.RecommendBid(context.Background(), "camp1",
		models.MaximizeConversionsStrategy{MinBid: mustDecimal("0.10"), MaxBid: mustDecimal("0.55")})
	require.NoError(t, err)

	assert.True(t, rec.RecommendedBid.Equal(mustDecimal("0.55")), rec.RecommendedBid.String())
}

func TestRecommendBidMaximizeClicksLowersBid(t *testing.T) {
	f := newBidFixture(t)
	// CPC $1.00.
	f.seed(t, "camp1", 10, 1000, 100, 2, "100", "100")

	rec, err := f.optimizer.RecommendBid(context.Background(), "camp1",
		models.MaximizeClicksStrategy{MinBid: mustDecimal("0.10"), MaxBid: mustDecimal("2.00")})
	require.NoError(t, err)

	assert.True(t, rec.RecommendedBid.Equal(mustDecimal("0.85")), rec.RecommendedBid.String())
	assert.Equal(t, ConfidenceMedium, rec.Confidence)
}

func TestRecommendBidNoClicks(t *testing.T) {
	f := newBidFixture(t)
	f.seed(t, "camp1", 3, 1000, 0, 0, "0", "0")

	_, err := f.optimizer.RecommendBid(context.Background(), "camp1",
		models.MaximizeClicksStrategy{})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestSelectStrategyProvenAndSteady(t *testing.T) {
	f := newBidFixture(t)
	// Identical profitable snapshots: ROI stddev 0.
	f.seed(t, "camp1", 10, 1000, 100, 10, "50", "150")

	strategy, profile, err := f.selector.SelectStrategy(context.Background(), "camp1", 14)
	require.NoError(t, err)

	assert.True(t, profile.Mature)
	assert.True(t, profile.DataRich)
	assert.True(t, profile.Profitable)
	assert.True(t, profile.Consistent)

	cpa, ok := strategy.(models.TargetCPAStrategy)
	require.True(t, ok, "expected target-cpa, got %s", strategy.Name())
	// CPA $5 with the 10% headroom.
	assert.True(t, cpa.TargetCPA.Equal(mustDecimal("5.5")), cpa.TargetCPA.String())
}

func TestSelectStrategyVolatileProfitable(t *testing.T) {
	f := newBidFixture(t)
	now := time.Now()
	// Wildly swinging ROI, profitable in sum.
	revenues := []string{"300", "20", "400", "10", "350"}
	for i, rev := range revenues {
		require.NoError(t, f.snaps.Append(context.Background(),
			snap("camp1", 1000, 100, 10, "50", rev, now.Add(time.Duration(i)*time.Hour))))
	}

	strategy, profile, err := f.selector.SelectStrategy(context.Background(), "camp1", 14)
	require.NoError(t, err)

	assert.False(t, profile.Consistent)
	_, ok := strategy.(models.TargetROASStrategy)
	assert.True(t, ok, "expected target-roas, got %s", strategy.Name())
}

func TestSelectStrategyUnprofitableWithData(t *testing.T) {
	f := newBidFixture(t)
	// Losing money but converting.
	f.seed(t, "camp1", 10, 1000, 100, 10, "100", "50")

	strategy, profile, err := f.selector.SelectStrategy(context.Background(), "camp1", 14)
	require.NoError(t, err)

	assert.False(t, profile.Profitable)
	_, ok := strategy.(models.MaximizeConversionsStrategy)
	assert.True(t, ok, "expected maximize-conversions, got %s", strategy.Name())
}

func TestSelectStrategyDefaultsToClicks(t *testing.T) {
	f := newBidFixture(t)
	// Barely any data.
	f.seed(t, "camp1", 2, 100, 10, 1, "5", "5")

	strategy, profile, err := f.selector.SelectStrategy(context.Background(), "camp1", 1)
	require.NoError(t, err)

	assert.False(t, profile.Mature)
	assert.False(t, profile.DataRich)

	clicks, ok := strategy.(models.MaximizeClicksStrategy)
	require.True(t, ok, "expected maximize-clicks, got %s", strategy.Name())
	assert.True(t, clicks.MaxBid.IsPositive())
	assert.True(t, clicks.MinBid.LessThan(clicks.MaxBid))
}

func TestAnalyzeHighPressure(t *testing.T) {
	f := newBidFixture(t)
	// CTR 0.5%, CPC $1.00.
	f.seed(t, "camp1", 5, 10000, 50, 1, "50", "40")

	out, err := f.analyzer.Analyze(context.Background(), "camp1")
	require.NoError(t, err)

	assert.Equal(t, PressureHigh, out.Pressure)
	assert.True(t, out.EstimatedCompetitorBid.Equal(mustDecimal("1.3")), out.EstimatedCompetitorBid.String())
	assert.False(t, out.BiddingWar)
}

func TestAnalyzeLowPressure(t *testing.T) {
	f := newBidFixture(t)
	// CTR 5%, CPC $1.00.
	f.seed(t, "camp1", 5, 1000, 50, 5, "50", "150")

	out, err := f.analyzer.Analyze(context.Background(), "camp1")
	require.NoError(t, err)

	assert.Equal(t, PressureLow, out.Pressure)
	assert.True(t, out.EstimatedCompetitorBid.Equal(mustDecimal("0.9")), out.EstimatedCompetitorBid.String())
}

func TestAnalyzeBiddingWar(t *testing.T) {
	f := newBidFixture(t)
	now := time.Now()
	// CPC climbs $0.50 to $0.80 across the window: +60%.
	spends := []string{"50", "55", "60", "70", "80"}
	for i, spend := range spends {
		require.NoError(t, f.snaps.Append(context.Background(),
			snap("camp1", 2000, 100, 5, spend, "100", now.Add(time.Duration(i)*time.Hour))))
	}

	out, err := f.analyzer.Analyze(context.Background(), "camp1")
	require.NoError(t, err)

	assert.True(t, out.BiddingWar)
	assert.InDelta(t, 60, out.CPCTrendPct, 0.01)
}

func TestAnalyzeNoClicks(t *testing.T) {
	f := newBidFixture(t)
	f.seed(t, "camp1", 2, 100, 0, 0, "0", "0")

	_, err := f.analyzer.Analyze(context.Background(), "camp1")
	assert.ErrorIs(t, err, ErrInsufficientData)
}
