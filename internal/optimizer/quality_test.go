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

type qualityFixture struct {
	scorer    *TrafficQualityScorer
	conns     *storage.InMemoryConnectionRepo
	campaigns *storage.InMemoryCampaignRepo
	snaps     *storage.InMemorySnapshotStore
	scores    *storage.InMemoryQualityScoreRepo
}

func newQualityFixture(t *testing.T) *qualityFixture {
	t.Helper()
	campaigns := storage.NewInMemoryCampaignRepo()
	conns := storage.NewInMemoryConnectionRepo(campaigns)
	snaps := storage.NewInMemorySnapshotStore()
	scores := storage.NewInMemoryQualityScoreRepo()
	scorer := NewTrafficQualityScorer(conns, scores, NewMetricsAggregator(snaps), zap.NewNop())
	return &qualityFixture{scorer: scorer, conns: conns, campaigns: campaigns, snaps: snaps, scores: scores}
}

func (f *qualityFixture) seedConnection(t *testing.T, connID, campaignID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.campaigns.Upsert(ctx, &models.Campaign{
		ID:           campaignID,
		ConnectionID: connID,
		Name:         "c",
		Status:       models.CampaignStatusActive,
		DailyBudget:  decimal.RequireFromString("50"),
	}))
	require.NoError(t, f.conns.Upsert(ctx, &models.TrafficConnection{
		ID:       connID,
		Network:  "meta",
		IsActive: true,
	}))
}

func TestConversionRateScore(t *testing.T) {
	assert.Equal(t, float64(100), conversionRateScore(5))
	assert.Equal(t, float64(100), conversionRateScore(8))
	assert.Equal(t, float64(75), conversionRateScore(2))
	assert.Equal(t, float64(50), conversionRateScore(1))
	assert.Equal(t, float64(25), conversionRateScore(0.5))
	assert.Zero(t, conversionRateScore(0))
}

func TestBounceRateScore(t *testing.T) {
	assert.Equal(t, float64(100), bounceRateScore(20))
	assert.Equal(t, float64(100), bounceRateScore(30))
	assert.InDelta(t, 50, bounceRateScore(60), 1e-9)
	assert.Zero(t, bounceRateScore(90))
	assert.Zero(t, bounceRateScore(95))
}

func TestTimeOnPageScore(t *testing.T) {
	assert.Zero(t, timeOnPageScore(5))
	assert.Zero(t, timeOnPageScore(10))
	assert.Equal(t, float64(100), timeOnPageScore(120))
	assert.InDelta(t, 50, timeOnPageScore(65), 1e-9)
}

func TestFraudSignatureScore(t *testing.T) {
	// High CTR, no conversions, serious click volume.
	agg := Aggregate{Impressions: 6250, Clicks: 500, CTR: 8}
	assert.Equal(t, 30, fraudSignatureScore(agg, 70, 120))

	// Same pattern plus bot-speed sessions crosses the blacklist line.
	assert.Equal(t, 70, fraudSignatureScore(agg, 70, 5))

	// All four signatures cap at 100.
	bad := Aggregate{Impressions: 6250, Clicks: 500, CTR: 8, CVR: 15}
	assert.Equal(t, 100, fraudSignatureScore(bad, 95, 5))
}

func TestScoreConnectionHealthyTraffic(t *testing.T) {
	f := newQualityFixture(t)
	ctx := context.Background()
	f.seedConnection(t, "conn1", "camp1")

	// 2% CTR, 5% CVR traffic.
	now := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, f.snaps.Append(ctx, snap("camp1", 5000, 100, 5, "50", "150", now.Add(time.Duration(i)*time.Hour))))
	}

	report, err := f.scorer.ScoreConnection(ctx, "conn1")
	require.NoError(t, err)

	assert.InDelta(t, 5.0, report.ConversionRate, 1e-9)
	// bounce = 0.7 * (1000-50)/1000 * 100 = 66.5
	assert.InDelta(t, 66.5, report.BounceRate, 1e-9)
	assert.Zero(t, report.FraudScore)
	// 0.4*100 + 0.2*39.17 + 0.2*100 + 0.1*100 + 0.1*80 = 85.83
	assert.Equal(t, 86, report.QualityScore)
	assert.False(t, report.IsBlacklisted)
}

func TestScoreConnectionUpsertsNotDuplicates(t *testing.T) {
	f := newQualityFixture(t)
	ctx := context.Background()
	f.seedConnection(t, "conn1", "camp1")
	require.NoError(t, f.snaps.Append(ctx, snap("camp1", 1000, 20, 1, "10", "30", time.Now())))

	first, err := f.scorer.ScoreConnection(ctx, "conn1")
	require.NoError(t, err)
	second, err := f.scorer.ScoreConnection(ctx, "conn1")
	require.NoError(t, err)
	assert.Equal(t, first.QualityScore, second.QualityScore)

	rows, err := f.scores.ListByConnection(ctx, "conn1", time.Now().Add(-48*time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestScoreConnectionNotFound(t *testing.T) {
	f := newQualityFixture(t)

	_, err := f.scorer.ScoreConnection(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManualBlacklist(t *testing.T) {
	f := newQualityFixture(t)
	ctx := context.Background()
	f.seedConnection(t, "conn1", "camp1")

	require.NoError(t, f.scorer.Blacklist(ctx, "conn1"))
	row, err := f.scores.GetByDay(ctx, "conn1", dayOf(time.Now()))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.IsBlacklisted)

	require.NoError(t, f.scorer.Unblacklist(ctx, "conn1"))
	row, err = f.scores.GetByDay(ctx, "conn1", dayOf(time.Now()))
	require.NoError(t, err)
	assert.False(t, row.IsBlacklisted)
}
