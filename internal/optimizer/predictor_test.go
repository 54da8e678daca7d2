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

func TestPredictSeriesTooShort(t *testing.T) {
	_, err := PredictSeries([]float64{10, 20})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestPredictSeriesFlat(t *testing.T) {
	pred, err := PredictSeries([]float64{10, 10, 10})
	require.NoError(t, err)

	// Zero slope, zero variance: forecast is the mean at every horizon.
	assert.Zero(t, pred.Fit.Slope)
	assert.Zero(t, pred.Fit.RSquared)
	assert.Zero(t, pred.Fit.Volatility)
	assert.Equal(t, TrendStable, pred.Trend)
	assert.InDelta(t, 10, pred.Predicted7d, 1e-9)
	assert.InDelta(t, 10, pred.Predicted14d, 1e-9)
	assert.InDelta(t, 10, pred.Predicted30d, 1e-9)
}

func TestPredictSeriesPerfectTrend(t *testing.T) {
	// Exactly linear: y = 2x + 10.
	series := []float64{10, 12, 14, 16, 18}
	pred, err := PredictSeries(series)
	require.NoError(t, err)

	assert.InDelta(t, 2.0, pred.Fit.Slope, 1e-9)
	assert.InDelta(t, 1.0, pred.Fit.RSquared, 1e-9)
	assert.Equal(t, TrendImproving, pred.Trend)

	// R^2 = 1 means pure extrapolation: x = 5+7-1 = 11 -> 32.
	assert.InDelta(t, 32.0, pred.Predicted7d, 1e-9)
}

func TestPredictSeriesBlendsTowardMean(t *testing.T) {
	// Noisy upward drift: the forecast must sit between the raw line
	// extrapolation and the series mean.
	series := []float64{10, 30, 5, 40, 20, 45, 15, 50}
	pred, err := PredictSeries(series)
	require.NoError(t, err)

	fit := pred.Fit
	line := fit.Slope*float64(len(series)+7-1) + fit.Intercept
	lo, hi := fit.Mean, line
	if lo > hi {
		lo, hi = hi, lo
	}
	assert.GreaterOrEqual(t, pred.Predicted7d, lo-1e-9)
	assert.LessOrEqual(t, pred.Predicted7d, hi+1e-9)
}

func TestPredictSeriesConfidence(t *testing.T) {
	// Clean low-volatility trend.
	pred, err := PredictSeries([]float64{10, 11, 12, 13, 14, 15})
	require.NoError(t, err)
	assert.Equal(t, ConfidenceHigh, pred.Confidence)

	// Wild swings.
	pred, err = PredictSeries([]float64{-80, 90, -60, 100, -40, 120})
	require.NoError(t, err)
	assert.Equal(t, ConfidenceLow, pred.Confidence)
}

func TestPredictSeriesDecliningTrend(t *testing.T) {
	pred, err := PredictSeries([]float64{50, 45, 40, 35, 30})
	require.NoError(t, err)
	assert.Equal(t, TrendDeclining, pred.Trend)
}

func TestPredictCampaign(t *testing.T) {
	campaigns := storage.NewInMemoryCampaignRepo()
	snaps := storage.NewInMemorySnapshotStore()
	p := NewROIPredictor(campaigns, NewMetricsAggregator(snaps), zap.NewNop())
	ctx := context.Background()

	now := time.Now()
	// ROI per snapshot: 100%, 150%, 200%.
	require.NoError(t, snaps.Append(ctx, snap("camp1", 1000, 50, 5, "10", "20", now)))
	require.NoError(t, snaps.Append(ctx, snap("camp1", 1000, 50, 5, "10", "25", now.Add(time.Hour))))
	require.NoError(t, snaps.Append(ctx, snap("camp1", 1000, 50, 5, "10", "30", now.Add(2*time.Hour))))

	pred, err := p.PredictCampaign(ctx, "camp1")
	require.NoError(t, err)
	assert.Equal(t, "camp1", pred.CampaignID)
	assert.InDelta(t, 200, pred.CurrentROI, 1e-9)
	assert.Equal(t, TrendImproving, pred.Trend)
}

func TestGetPortfolioPrediction(t *testing.T) {
	campaigns := storage.NewInMemoryCampaignRepo()
	snaps := storage.NewInMemorySnapshotStore()
	p := NewROIPredictor(campaigns, NewMetricsAggregator(snaps), zap.NewNop())
	ctx := context.Background()

	addActive := func(id string) {
		require.NoError(t, campaigns.Upsert(ctx, &models.Campaign{
			ID: id, ConnectionID: "conn1", Name: id,
			Status:      models.CampaignStatusActive,
			DailyBudget: mustDecimal("10"),
		}))
	}
	addActive("steady")
	addActive("thin")

	now := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, snaps.Append(ctx, snap("steady", 1000, 50, 5, "10", "20", now.Add(time.Duration(i)*time.Hour))))
	}
	// "thin" has a single snapshot and is skipped.
	require.NoError(t, snaps.Append(ctx, snap("thin", 100, 5, 0, "5", "0", now)))

	out, err := p.GetPortfolioPrediction(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Campaigns)
	assert.InDelta(t, 100, out.CurrentROI, 1e-9)
	assert.Equal(t, TrendStable, out.Trend)
}

func TestGetPortfolioPredictionNoData(t *testing.T) {
	campaigns := storage.NewInMemoryCampaignRepo()
	snaps := storage.NewInMemorySnapshotStore()
	p := NewROIPredictor(campaigns, NewMetricsAggregator(snaps), zap.NewNop())

	_, err := p.GetPortfolioPrediction(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientData)
}
