package optimizer

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/models"
)

const (
	bidWindow = 10

	// Conversion volume needed for each bid confidence bucket.
	bidConfidenceHighAt   = 50
	bidConfidenceMediumAt = 20

	// CPC multipliers applied by the volume strategies, picked by CVR
	// tier.
	aggressiveBidMultiplier = 1.2
	steadyBidMultiplier     = 1.1
	cautiousBidMultiplier   = 0.9
	clickBidMultiplier      = 0.85
)

// BidRecommendation is the suggested bid for one campaign under one
// strategy.
type BidRecommendation struct {
	CampaignID     string          `json:"campaign_id"`
	Strategy       string          `json:"strategy"`
	CurrentCPC     decimal.Decimal `json:"current_cpc"`
	RecommendedBid decimal.Decimal `json:"recommended_bid"`
	Confidence     string          `json:"confidence"`
	Reason         string          `json:"reason"`
}

// BidOptimizer derives a recommended bid from a campaign's aggregate
// and the chosen strategy's parameters.
type BidOptimizer struct {
	aggregator *MetricsAggregator
	logger     *zap.Logger
}

func NewBidOptimizer(aggregator *MetricsAggregator, logger *zap.Logger) *BidOptimizer {
	return &BidOptimizer{aggregator: aggregator, logger: logger}
}

// RecommendBid computes a bid for the campaign under the given
// strategy. Campaigns with no clicks yet are an insufficient-data
// error.
func (o *BidOptimizer) RecommendBid(ctx context.Context, campaignID string, strategy models.BidStrategy) (*BidRecommendation, error) {
	agg, err := o.aggregator.CampaignAggregate(ctx, campaignID, bidWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate campaign %s: %w", campaignID, err)
	}
	if agg.Clicks == 0 {
		return nil, fmt.Errorf("campaign %s has no click data: %w", campaignID, ErrInsufficientData)
	}

	currentCPC := decimal.NewFromFloat(agg.CPC)
	cvr := agg.CVR / 100 // fraction

	rec := &BidRecommendation{
		CampaignID: campaignID,
		Strategy:   strategy.Name(),
		CurrentCPC: currentCPC,
		Confidence: bidConfidence(agg.Conversions),
	}

	switch s := strategy.(type) {
	case models.TargetCPAStrategy:
		// Pay per click what the target CPA is worth at this CVR.
		rec.RecommendedBid = s.TargetCPA.Mul(decimal.NewFromFloat(cvr)).Round(4)
		rec.Reason = fmt.Sprintf("target cpa $%s at %.2f%% cvr", s.TargetCPA.StringFixed(2), agg.CVR)
	case models.TargetROASStrategy:
		if s.TargetROAS <= 0 {
			return nil, fmt.Errorf("target roas must be positive: %w", ErrInvalidState)
		}
		avgRevPerConv := 0.0
		if agg.Conversions > 0 {
			avgRevPerConv = agg.Revenue.InexactFloat64() / float64(agg.Conversions)
		}
		rec.RecommendedBid = decimal.NewFromFloat(avgRevPerConv * cvr / s.TargetROAS).Round(4)
		rec.Reason = fmt.Sprintf("targeting %.1fx return at $%.2f per conversion", s.TargetROAS, avgRevPerConv)
	case models.MaximizeConversionsStrategy:
		mult := conversionBidMultiplier(agg.CVR)
		rec.RecommendedBid = clampBid(currentCPC.Mul(decimal.NewFromFloat(mult)), s.MinBid, s.MaxBid)
		rec.Reason = fmt.Sprintf("cpc x%.2f for conversion volume at %.2f%% cvr", mult, agg.CVR)
	case models.MaximizeClicksStrategy:
		rec.RecommendedBid = clampBid(currentCPC.Mul(decimal.NewFromFloat(clickBidMultiplier)), s.MinBid, s.MaxBid)
		rec.Reason = "lowered cpc to buy cheaper clicks"
	default:
		return nil, fmt.Errorf("unhandled bid strategy %q", strategy.Name())
	}

	o.logger.Debug("bid recommended",
		zap.String("campaign_id", campaignID),
		zap.String("strategy", rec.Strategy),
		zap.String("bid", rec.RecommendedBid.StringFixed(4)))
	return rec, nil
}

// conversionBidMultiplier scales the bid with conversion strength.
func conversionBidMultiplier(cvr float64) float64 {
	switch {
	case cvr >= 5:
		return aggressiveBidMultiplier
	case cvr >= 2:
		return steadyBidMultiplier
	default:
		return cautiousBidMultiplier
	}
}

func bidConfidence(conversions int64) string {
	switch {
	case conversions >= bidConfidenceHighAt:
		return ConfidenceHigh
	case conversions >= bidConfidenceMediumAt:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func clampBid(bid, min, max decimal.Decimal) decimal.Decimal {
	if min.IsPositive() && bid.LessThan(min) {
		return min
	}
	if max.IsPositive() && bid.GreaterThan(max) {
		return max
	}
	return bid.Round(4)
}

// CampaignProfile is the four-axis classification the strategy
// selector branches on.
type CampaignProfile struct {
	Mature     bool    `json:"mature"`      // enough days running
	DataRich   bool    `json:"data_rich"`   // enough conversions
	Profitable bool    `json:"profitable"`  // positive ROI
	Consistent bool    `json:"consistent"`  // low ROI volatility
	ROIStddev  float64 `json:"roi_stddev"`
}

const (
	profileMatureDays     = 7
	profileMinConversions = 20
	profileMaxROIStddev   = 30.0
)

// BidStrategySelector picks a bid strategy from the campaign's profile
// via a fixed decision table.
type BidStrategySelector struct {
	aggregator *MetricsAggregator
}

func NewBidStrategySelector(aggregator *MetricsAggregator) *BidStrategySelector {
	return &BidStrategySelector{aggregator: aggregator}
}

// Profile classifies the campaign along the four axes.
func (s *BidStrategySelector) Profile(ctx context.Context, campaignID string, daysRunning int) (*CampaignProfile, error) {
	snaps, err := s.aggregator.CampaignSnapshots(ctx, campaignID, bidWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots for %s: %w", campaignID, err)
	}
	agg := Fold(snaps)

	series := ROISeries(snaps)
	stddev := 0.0
	if len(series) > 0 {
		var mean, variance float64
		for _, v := range series {
			mean += v
		}
		mean /= float64(len(series))
		for _, v := range series {
			variance += (v - mean) * (v - mean)
		}
		stddev = math.Sqrt(variance / float64(len(series)))
	}

	return &CampaignProfile{
		Mature:     daysRunning >= profileMatureDays,
		DataRich:   agg.Conversions >= profileMinConversions,
		Profitable: agg.ROI > 0,
		Consistent: stddev < profileMaxROIStddev,
		ROIStddev:  stddev,
	}, nil
}

// strategyRow is one (predicate, outcome) row of the selector table,
// evaluated top to bottom.
type strategyRow struct {
	when func(p *CampaignProfile) bool
	pick func(agg Aggregate) models.BidStrategy
}

var strategyTable = []strategyRow{
	{
		// Proven and steady: lock in the acquisition cost.
		when: func(p *CampaignProfile) bool {
			return p.Mature && p.DataRich && p.Profitable && p.Consistent
		},
		pick: func(agg Aggregate) models.BidStrategy {
			target := decimal.NewFromFloat(agg.CPA * 1.1).Round(2)
			return models.TargetCPAStrategy{TargetCPA: target}
		},
	},
	{
		// Profitable but volatile: steer by return instead of cost.
		when: func(p *CampaignProfile) bool {
			return p.Mature && p.DataRich && p.Profitable
		},
		pick: func(agg Aggregate) models.BidStrategy {
			roas := 2.0
			if spend := agg.Spend.InexactFloat64(); spend > 0 {
				roas = agg.Revenue.InexactFloat64() / spend
			}
			return models.TargetROASStrategy{TargetROAS: roas}
		},
	},
	{
		// Data but no profit yet: buy conversions within guardrails.
		when: func(p *CampaignProfile) bool {
			return p.DataRich
		},
		pick: func(agg Aggregate) models.BidStrategy {
			cpc := decimal.NewFromFloat(agg.CPC)
			return models.MaximizeConversionsStrategy{
				MinBid: cpc.Mul(decimal.NewFromFloat(0.5)).Round(4),
				MaxBid: cpc.Mul(decimal.NewFromFloat(1.5)).Round(4),
			}
		},
	},
}

// SelectStrategy runs the decision table; campaigns matching no row get
// the cheap-traffic default.
func (s *BidStrategySelector) SelectStrategy(ctx context.Context, campaignID string, daysRunning int) (models.BidStrategy, *CampaignProfile, error) {
	profile, err := s.Profile(ctx, campaignID, daysRunning)
	if err != nil {
		return nil, nil, err
	}
	agg, err := s.aggregator.CampaignAggregate(ctx, campaignID, bidWindow)
	if err != nil {
		return nil, nil, err
	}

	for _, row := range strategyTable {
		if row.when(profile) {
			return row.pick(agg), profile, nil
		}
	}
	cpc := decimal.NewFromFloat(agg.CPC)
	if !cpc.IsPositive() {
		cpc = decimal.NewFromFloat(0.10)
	}
	return models.MaximizeClicksStrategy{
		MinBid: cpc.Mul(decimal.NewFromFloat(0.5)).Round(4),
		MaxBid: cpc.Round(4),
	}, profile, nil
}

// Competitive pressure labels.
const (
	PressureHigh   = "high"
	PressureMedium = "medium"
	PressureLow    = "low"
)

// CompetitorAnalysis is the inferred competitive picture for one
// campaign.
type CompetitorAnalysis struct {
	CampaignID             string          `json:"campaign_id"`
	Pressure               string          `json:"pressure"`
	EstimatedCompetitorBid decimal.Decimal `json:"estimated_competitor_bid"`
	BiddingWar             bool            `json:"bidding_war"`
	CPCTrendPct            float64         `json:"cpc_trend_pct"`
}

// CompetitorBidAnalyzer infers competitor pressure from the campaign's
// own CTR and CPC movement; there is no direct competitor feed.
type CompetitorBidAnalyzer struct {
	aggregator *MetricsAggregator
}

func NewCompetitorBidAnalyzer(aggregator *MetricsAggregator) *CompetitorBidAnalyzer {
	return &CompetitorBidAnalyzer{aggregator: aggregator}
}

// Analyze reads the campaign window and classifies bid pressure. A low
// CTR suggests competitors outbidding for the good placements.
func (a *CompetitorBidAnalyzer) Analyze(ctx context.Context, campaignID string) (*CompetitorAnalysis, error) {
	snaps, err := a.aggregator.CampaignSnapshots(ctx, campaignID, bidWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots for %s: %w", campaignID, err)
	}
	agg := Fold(snaps)
	if agg.Clicks == 0 {
		return nil, fmt.Errorf("campaign %s has no click data: %w", campaignID, ErrInsufficientData)
	}

	cpc := decimal.NewFromFloat(agg.CPC)
	out := &CompetitorAnalysis{CampaignID: campaignID}
	switch {
	case agg.CTR < 1:
		out.Pressure = PressureHigh
		out.EstimatedCompetitorBid = cpc.Mul(decimal.NewFromFloat(1.3)).Round(4)
	case agg.CTR < 2:
		out.Pressure = PressureMedium
		out.EstimatedCompetitorBid = cpc.Mul(decimal.NewFromFloat(1.1)).Round(4)
	default:
		out.Pressure = PressureLow
		out.EstimatedCompetitorBid = cpc.Mul(decimal.NewFromFloat(0.9)).Round(4)
	}

	out.CPCTrendPct = cpcTrendPct(snaps)
	out.BiddingWar = out.CPCTrendPct > 30
	return out, nil
}

// cpcTrendPct compares CPC of the first and last snapshot of the most
// recent five, as a percentage change.
func cpcTrendPct(snaps []*models.MetricSnapshot) float64 {
	window := snaps
	if len(window) > spikeWindow {
		window = window[len(window)-spikeWindow:]
	}
	if len(window) < 2 {
		return 0
	}
	first := snapshotCPC(window[0])
	last := snapshotCPC(window[len(window)-1])
	if first <= 0 {
		return 0
	}
	return (last - first) / first * 100
}

func snapshotCPC(sn *models.MetricSnapshot) float64 {
	if sn.Clicks == 0 {
		return 0
	}
	return sn.Spend.InexactFloat64() / float64(sn.Clicks)
}
