package optimizer

import (
	"context"
	"fmt"
	"time"

	"github.com/offerlab/traffic-optimizer/internal/models"
)

// ThresholdProfile is a named set of minimums a campaign must clear.
type ThresholdProfile struct {
	Name           string
	MinImpressions int64
	MinClicks      int64
	MinConversions int64
	MinSpend       float64
	MinROI         float64
	MinCTR         float64
	MinEPC         float64
	MinDaysRunning int
}

// ScalingProfile gates budget scale-ups; OptimizationProfile is the
// looser gate for routine optimization passes.
var (
	ScalingProfile = ThresholdProfile{
		Name:           "scaling",
		MinImpressions: 1000,
		MinClicks:      100,
		MinConversions: 10,
		MinSpend:       50,
		MinROI:         50,
		MinCTR:         1.0,
		MinEPC:         0.05,
		MinDaysRunning: 3,
	}
	OptimizationProfile = ThresholdProfile{
		Name:           "optimization",
		MinImpressions: 500,
		MinClicks:      50,
		MinConversions: 5,
		MinSpend:       20,
		MinROI:         0,
		MinCTR:         0.5,
		MinEPC:         0.02,
		MinDaysRunning: 2,
	}
)

// ThresholdCheck is the pass/fail verdict for one metric.
type ThresholdCheck struct {
	Metric   string  `json:"metric"`
	Category string  `json:"category"`
	Passed   bool    `json:"passed"`
	Actual   float64 `json:"actual"`
	Required float64 `json:"required"`
}

// ThresholdResult is the full evaluation of one campaign against a
// profile.
type ThresholdResult struct {
	Profile        string           `json:"profile"`
	MeetsAll       bool             `json:"meets_all"`
	Checks         []ThresholdCheck `json:"checks"`
	Recommendation string           `json:"recommendation"`
}

// Failure categories, in the priority order recommendations use.
const (
	categoryTraffic     = "traffic-volume"
	categoryConversions = "conversions"
	categoryEarnings    = "earnings"
	categoryAge         = "campaign-age"
)

// RecommendedAction is one row outcome of the action decision table.
type RecommendedAction struct {
	Action   string                        `json:"action"` // wait, scale, continue, pause, optimize
	Priority models.RecommendationPriority `json:"priority"`
	Reason   string                        `json:"reason"`
}

// PerformanceThresholdChecker evaluates campaign aggregates against the
// named profiles and turns the result into an operator-facing action.
type PerformanceThresholdChecker struct {
	aggregator *MetricsAggregator
}

func NewPerformanceThresholdChecker(aggregator *MetricsAggregator) *PerformanceThresholdChecker {
	return &PerformanceThresholdChecker{aggregator: aggregator}
}

// CheckThresholds evaluates every profile field and names the first
// failing category in the recommendation.
func (c *PerformanceThresholdChecker) CheckThresholds(agg Aggregate, daysRunning int, profile ThresholdProfile) ThresholdResult {
	checks := []ThresholdCheck{
		{Metric: "impressions", Category: categoryTraffic, Actual: float64(agg.Impressions), Required: float64(profile.MinImpressions)},
		{Metric: "clicks", Category: categoryTraffic, Actual: float64(agg.Clicks), Required: float64(profile.MinClicks)},
		{Metric: "conversions", Category: categoryConversions, Actual: float64(agg.Conversions), Required: float64(profile.MinConversions)},
		{Metric: "spend", Category: categoryTraffic, Actual: agg.Spend.InexactFloat64(), Required: profile.MinSpend},
		{Metric: "roi", Category: categoryEarnings, Actual: agg.ROI, Required: profile.MinROI},
		{Metric: "ctr", Category: categoryTraffic, Actual: agg.CTR, Required: profile.MinCTR},
		{Metric: "epc", Category: categoryEarnings, Actual: agg.EPC, Required: profile.MinEPC},
		{Metric: "days_running", Category: categoryAge, Actual: float64(daysRunning), Required: float64(profile.MinDaysRunning)},
	}

	result := ThresholdResult{Profile: profile.Name, MeetsAll: true}
	for i := range checks {
		checks[i].Passed = checks[i].Actual >= checks[i].Required
		if !checks[i].Passed {
			result.MeetsAll = false
		}
	}
	result.Checks = checks
	result.Recommendation = recommendationFor(checks)
	return result
}

// recommendationFor picks the message for the highest-priority failing
// category: traffic volume, then conversions, then earnings, then age.
func recommendationFor(checks []ThresholdCheck) string {
	failed := make(map[string]bool)
	for _, ch := range checks {
		if !ch.Passed {
			failed[ch.Category] = true
		}
	}
	switch {
	case len(failed) == 0:
		return "all thresholds met"
	case failed[categoryTraffic]:
		return "needs more traffic volume before optimization"
	case failed[categoryConversions]:
		return "needs more conversions for reliable decisions"
	case failed[categoryEarnings]:
		return "earnings below threshold, review offer and creatives"
	default:
		return "campaign too young, keep collecting data"
	}
}

// IsInLearningPhase reports whether the campaign is still too fresh to
// act on at all.
func (c *PerformanceThresholdChecker) IsInLearningPhase(agg Aggregate, daysRunning int) bool {
	return agg.Impressions < 500 || agg.Clicks < 50 || daysRunning < 3
}

// actionRow is one (predicate, outcome) row of the action table,
// evaluated top to bottom.
type actionRow struct {
	when func(agg Aggregate, daysRunning int, c *PerformanceThresholdChecker) bool
	then RecommendedAction
}

var actionTable = []actionRow{
	{
		when: func(agg Aggregate, days int, c *PerformanceThresholdChecker) bool {
			return c.IsInLearningPhase(agg, days)
		},
		then: RecommendedAction{Action: "wait", Priority: models.PriorityLow, Reason: "still in learning phase"},
	},
	{
		when: func(agg Aggregate, days int, c *PerformanceThresholdChecker) bool {
			return c.CheckThresholds(agg, days, ScalingProfile).MeetsAll
		},
		then: RecommendedAction{Action: "scale", Priority: models.PriorityHigh, Reason: "meets all scaling criteria"},
	},
	{
		when: func(agg Aggregate, days int, c *PerformanceThresholdChecker) bool {
			return agg.ROI > 0 && agg.Conversions >= 5
		},
		then: RecommendedAction{Action: "continue", Priority: models.PriorityMedium, Reason: "profitable, keep monitoring"},
	},
	{
		when: func(agg Aggregate, days int, c *PerformanceThresholdChecker) bool {
			return agg.ROI < -50 && agg.Spend.InexactFloat64() > 50
		},
		then: RecommendedAction{Action: "pause", Priority: models.PriorityHigh, Reason: "deeply unprofitable with real spend"},
	},
	{
		when: func(agg Aggregate, days int, c *PerformanceThresholdChecker) bool {
			return agg.CTR < 0.5 || (agg.Conversions == 0 && agg.Clicks > 50)
		},
		then: RecommendedAction{Action: "optimize", Priority: models.PriorityMedium, Reason: "weak engagement, test new creatives"},
	},
}

var defaultAction = RecommendedAction{Action: "continue", Priority: models.PriorityLow, Reason: "no action needed"}

// GetRecommendedAction walks the decision table top to bottom and
// returns the first matching row.
func (c *PerformanceThresholdChecker) GetRecommendedAction(agg Aggregate, daysRunning int) RecommendedAction {
	for _, row := range actionTable {
		if row.when(agg, daysRunning, c) {
			return row.then
		}
	}
	return defaultAction
}

// CheckCampaign is the convenience wrapper used by the HTTP layer: load
// the campaign's window, evaluate the profile, pick an action.
func (c *PerformanceThresholdChecker) CheckCampaign(ctx context.Context, campaign *models.Campaign, profile ThresholdProfile) (ThresholdResult, RecommendedAction, error) {
	agg, err := c.aggregator.CampaignAggregate(ctx, campaign.ID, fraudWindow)
	if err != nil {
		return ThresholdResult{}, RecommendedAction{}, fmt.Errorf("failed to aggregate campaign %s: %w", campaign.ID, err)
	}
	days := campaign.DaysRunning(time.Now())
	return c.CheckThresholds(agg, days, profile), c.GetRecommendedAction(agg, days), nil
}
