package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/storage"
)

const (
	predictorWindow    = 30
	minSeriesPoints    = 3
	trendSlopeBand     = 0.5
	portfolioTrendBand = 10.0 // percent of current
)

// Confidence and trend labels reported by predictions.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"

	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// RegressionFit is the least-squares fit over an ROI series.
type RegressionFit struct {
	Slope      float64 `json:"slope"`
	Intercept  float64 `json:"intercept"`
	RSquared   float64 `json:"r_squared"`
	Volatility float64 `json:"volatility"` // stddev of the series
	Mean       float64 `json:"mean"`
	Points     int     `json:"points"`
}

// ROIPrediction is the forecast for one campaign.
type ROIPrediction struct {
	CampaignID   string        `json:"campaign_id"`
	CurrentROI   float64       `json:"current_roi"`
	Predicted7d  float64       `json:"predicted_7d"`
	Predicted14d float64       `json:"predicted_14d"`
	Predicted30d float64       `json:"predicted_30d"`
	Confidence   string        `json:"confidence"`
	Trend        string        `json:"trend"`
	Fit          RegressionFit `json:"fit"`
}

// PortfolioPrediction averages per-campaign forecasts, equally
// weighted.
type PortfolioPrediction struct {
	Campaigns    int     `json:"campaigns"`
	CurrentROI   float64 `json:"current_roi"`
	Predicted7d  float64 `json:"predicted_7d"`
	Predicted14d float64 `json:"predicted_14d"`
	Predicted30d float64 `json:"predicted_30d"`
	Trend        string  `json:"trend"`
}

// ROIPredictor forecasts campaign ROI with a damped linear trend: the
// regression line is blended with the historical mean in proportion to
// how well the line actually fits.
type ROIPredictor struct {
	campaigns  storage.CampaignRepo
	aggregator *MetricsAggregator
	logger     *zap.Logger
}

func NewROIPredictor(campaigns storage.CampaignRepo, aggregator *MetricsAggregator, logger *zap.Logger) *ROIPredictor {
	return &ROIPredictor{campaigns: campaigns, aggregator: aggregator, logger: logger}
}

// PredictCampaign forecasts one campaign from its recent ROI series.
// Fewer than three points is an insufficient-data error.
func (p *ROIPredictor) PredictCampaign(ctx context.Context, campaignID string) (*ROIPrediction, error) {
	snaps, err := p.aggregator.CampaignSnapshots(ctx, campaignID, predictorWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots for %s: %w", campaignID, err)
	}
	series := ROISeries(snaps)
	pred, err := PredictSeries(series)
	if err != nil {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, err)
	}
	pred.CampaignID = campaignID
	return pred, nil
}

// PredictSeries runs the fit and forecast over a chronological ROI
// series.
func PredictSeries(series []float64) (*ROIPrediction, error) {
	if len(series) < minSeriesPoints {
		return nil, fmt.Errorf("need at least %d roi points, have %d: %w", minSeriesPoints, len(series), ErrInsufficientData)
	}

	fit := fitSeries(series)
	pred := &ROIPrediction{
		CurrentROI:   series[len(series)-1],
		Predicted7d:  forecast(fit, len(series), 7),
		Predicted14d: forecast(fit, len(series), 14),
		Predicted30d: forecast(fit, len(series), 30),
		Fit:          fit,
	}

	switch {
	case fit.RSquared > 0.7 && fit.Volatility < 20:
		pred.Confidence = ConfidenceHigh
	case fit.RSquared > 0.4 && fit.Volatility < 40:
		pred.Confidence = ConfidenceMedium
	default:
		pred.Confidence = ConfidenceLow
	}

	switch {
	case fit.Slope > trendSlopeBand:
		pred.Trend = TrendImproving
	case fit.Slope < -trendSlopeBand:
		pred.Trend = TrendDeclining
	default:
		pred.Trend = TrendStable
	}
	return pred, nil
}

// fitSeries is ordinary least squares over (index, value).
func fitSeries(series []float64) RegressionFit {
	n := float64(len(series))

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	mean := sumY / n

	denom := n*sumXX - sumX*sumX
	fit := RegressionFit{Mean: mean, Points: len(series)}
	if denom != 0 {
		fit.Slope = (n*sumXY - sumX*sumY) / denom
		fit.Intercept = (sumY - fit.Slope*sumX) / n
	} else {
		fit.Intercept = mean
	}

	var ssRes, ssTot, variance float64
	for i, y := range series {
		pred := fit.Slope*float64(i) + fit.Intercept
		ssRes += (y - pred) * (y - pred)
		ssTot += (y - mean) * (y - mean)
		variance += (y - mean) * (y - mean)
	}
	if ssTot > 0 {
		fit.RSquared = 1 - ssRes/ssTot
	}
	fit.Volatility = math.Sqrt(variance / n)
	return fit
}

// forecast extrapolates the line h steps past the series end and damps
// it toward the mean by the fit quality.
func forecast(fit RegressionFit, n, h int) float64 {
	line := fit.Slope*float64(n+h-1) + fit.Intercept
	return line*fit.RSquared + fit.Mean*(1-fit.RSquared)
}

// GetPortfolioPrediction averages predictions across all active
// campaigns with enough data. Campaigns with short series are skipped.
func (p *ROIPredictor) GetPortfolioPrediction(ctx context.Context) (*PortfolioPrediction, error) {
	campaigns, err := p.campaigns.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}

	var preds []*ROIPrediction
	for _, campaign := range campaigns {
		pred, err := p.PredictCampaign(ctx, campaign.ID)
		if err != nil {
			if errorsIsInsufficient(err) {
				continue
			}
			return nil, err
		}
		preds = append(preds, pred)
	}
	if len(preds) == 0 {
		return nil, fmt.Errorf("no campaign has enough history: %w", ErrInsufficientData)
	}

	out := &PortfolioPrediction{Campaigns: len(preds)}
	for _, pred := range preds {
		out.CurrentROI += pred.CurrentROI
		out.Predicted7d += pred.Predicted7d
		out.Predicted14d += pred.Predicted14d
		out.Predicted30d += pred.Predicted30d
	}
	n := float64(len(preds))
	out.CurrentROI /= n
	out.Predicted7d /= n
	out.Predicted14d /= n
	out.Predicted30d /= n

	out.Trend = portfolioTrend(out.CurrentROI, out.Predicted30d)
	p.logger.Debug("portfolio prediction",
		zap.Int("campaigns", out.Campaigns),
		zap.Float64("current_roi", out.CurrentROI),
		zap.Float64("predicted_30d", out.Predicted30d),
		zap.String("trend", out.Trend))
	return out, nil
}

// portfolioTrend compares the 30 day forecast to current ROI with a
// +-10% stability band around current.
func portfolioTrend(current, predicted30 float64) string {
	band := absFloat(current) * portfolioTrendBand / 100
	switch {
	case predicted30 > current+band:
		return TrendImproving
	case predicted30 < current-band:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func errorsIsInsufficient(err error) bool {
	return errors.Is(err, ErrInsufficientData)
}
