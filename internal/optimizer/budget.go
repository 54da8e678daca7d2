package optimizer

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/models"
	"github.com/offerlab/traffic-optimizer/internal/storage"
)

const (
	budgetWindow = 10

	// applyThresholdPct is the minimum |change| worth persisting.
	applyThresholdPct = 5.0
)

// budgetFloor is the minimum daily budget a weighted strategy may
// recommend for a reduced campaign.
var budgetFloor = decimal.NewFromInt(5)

// Composite score weights for the balanced strategy.
const (
	balancedROIWeight = 0.4
	balancedEPCWeight = 0.3
	balancedCVRWeight = 0.3
)

// ApplyReport summarizes one ApplyRecommendations batch.
type ApplyReport struct {
	Applied int     `json:"applied"`
	Skipped int     `json:"skipped"`
	Errors  []error `json:"-"`
}

// BudgetOptimizer reallocates a total daily budget across active
// campaigns according to a strategy. Optimize is a pure recommendation
// pass; only ApplyRecommendations writes.
type BudgetOptimizer struct {
	campaigns  storage.CampaignRepo
	aggregator *MetricsAggregator
	logger     *zap.Logger
}

func NewBudgetOptimizer(campaigns storage.CampaignRepo, aggregator *MetricsAggregator, logger *zap.Logger) *BudgetOptimizer {
	return &BudgetOptimizer{campaigns: campaigns, aggregator: aggregator, logger: logger}
}

// campaignMetrics pairs a campaign with its aggregated window.
type campaignMetrics struct {
	campaign *models.Campaign
	agg      Aggregate
}

// Optimize produces a recommendation per active campaign, allocating
// totalBudget under the given strategy.
func (o *BudgetOptimizer) Optimize(ctx context.Context, strategy models.BudgetStrategy, totalBudget decimal.Decimal) ([]*models.BudgetRecommendation, error) {
	campaigns, err := o.campaigns.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	if len(campaigns) == 0 {
		return nil, nil
	}

	metrics := make([]campaignMetrics, 0, len(campaigns))
	for _, c := range campaigns {
		agg, err := o.aggregator.CampaignAggregate(ctx, c.ID, budgetWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate campaign %s: %w", c.ID, err)
		}
		metrics = append(metrics, campaignMetrics{campaign: c, agg: agg})
	}

	var recs []*models.BudgetRecommendation
	switch s := strategy.(type) {
	case models.ROIStrategy:
		recs = allocateWeighted(metrics, totalBudget, weightedPolicy{
			strategyName: s.Name(),
			weight:       func(agg Aggregate) float64 { return agg.ROI },
			qualifies:    func(agg Aggregate) bool { return agg.ROI > 0 },
			reduceFactor: decimal.NewFromFloat(0.5),
			reduceReason: "unprofitable, budget reduced",
		})
	case models.EPCStrategy:
		recs = allocateWeighted(metrics, totalBudget, weightedPolicy{
			strategyName: s.Name(),
			weight:       func(agg Aggregate) float64 { return agg.EPC },
			qualifies:    func(agg Aggregate) bool { return agg.EPC > 0 },
			reduceFactor: decimal.NewFromFloat(0.3),
			reduceReason: "no earnings per click, budget reduced",
		})
	case models.ConversionsStrategy:
		recs = allocateWeighted(metrics, totalBudget, weightedPolicy{
			strategyName: s.Name(),
			weight:       func(agg Aggregate) float64 { return float64(agg.Conversions) },
			qualifies:    func(agg Aggregate) bool { return agg.Conversions > 0 },
			reduceFactor: decimal.NewFromFloat(0.2),
			reduceReason: "no conversions, budget reduced",
		})
	case models.BalancedStrategy:
		recs = allocateBalanced(metrics, totalBudget)
	default:
		return nil, fmt.Errorf("unhandled budget strategy %q", strategy.Name())
	}

	o.logger.Info("budget optimization pass",
		zap.String("strategy", strategy.Name()),
		zap.String("total_budget", totalBudget.StringFixed(2)),
		zap.Int("recommendations", len(recs)))
	return recs, nil
}

// weightedPolicy parameterizes the three proportional strategies.
type weightedPolicy struct {
	strategyName string
	weight       func(Aggregate) float64
	qualifies    func(Aggregate) bool
	reduceFactor decimal.Decimal
	reduceReason string
}

// allocateWeighted reduces non-qualifying campaigns by the policy
// factor, then splits what remains of totalBudget across qualifying
// campaigns proportionally to their weight.
func allocateWeighted(metrics []campaignMetrics, totalBudget decimal.Decimal, policy weightedPolicy) []*models.BudgetRecommendation {
	var totalWeight float64
	qualifying := 0
	for _, m := range metrics {
		if policy.qualifies(m.agg) {
			totalWeight += policy.weight(m.agg)
			qualifying++
		}
	}
	if qualifying == 0 || totalWeight <= 0 {
		return maintainAll(metrics, "insufficient data")
	}

	// Reduced campaigns are budgeted first; qualifying campaigns share
	// the remainder so the total stays within totalBudget.
	remaining := totalBudget
	reduced := make(map[string]decimal.Decimal, len(metrics))
	for _, m := range metrics {
		if policy.qualifies(m.agg) {
			continue
		}
		b := m.campaign.DailyBudget.Mul(policy.reduceFactor)
		if b.LessThan(budgetFloor) {
			b = budgetFloor
		}
		reduced[m.campaign.ID] = b
		remaining = remaining.Sub(b)
	}
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	recs := make([]*models.BudgetRecommendation, 0, len(metrics))
	for _, m := range metrics {
		if b, ok := reduced[m.campaign.ID]; ok {
			recs = append(recs, newRecommendation(m.campaign, b, policy.reduceReason))
			continue
		}
		share := policy.weight(m.agg) / totalWeight
		b := remaining.Mul(decimal.NewFromFloat(share))
		if b.LessThan(budgetFloor) {
			b = budgetFloor
		}
		reason := fmt.Sprintf("%s share %.1f%% of reallocated budget", policy.strategyName, share*100)
		recs = append(recs, newRecommendation(m.campaign, b, reason))
	}
	return recs
}

// allocateBalanced splits totalBudget across all campaigns by composite
// score, with an equal split when every score is zero.
func allocateBalanced(metrics []campaignMetrics, totalBudget decimal.Decimal) []*models.BudgetRecommendation {
	scores := make([]float64, len(metrics))
	var totalScore float64
	for i, m := range metrics {
		scores[i] = balancedScore(m.agg)
		totalScore += scores[i]
	}

	recs := make([]*models.BudgetRecommendation, 0, len(metrics))
	for i, m := range metrics {
		var share float64
		if totalScore > 0 {
			share = scores[i] / totalScore
		} else {
			share = 1 / float64(len(metrics))
		}
		b := totalBudget.Mul(decimal.NewFromFloat(share))
		reason := fmt.Sprintf("balanced score %.1f, share %.1f%%", scores[i], share*100)
		recs = append(recs, newRecommendation(m.campaign, b, reason))
	}
	return recs
}

// balancedScore is the capped composite of ROI, EPC and CVR.
func balancedScore(agg Aggregate) float64 {
	roi := agg.ROI
	if roi > 100 {
		roi = 100
	}
	if roi < 0 {
		roi = 0
	}
	epc := agg.EPC * 1000
	if epc > 100 {
		epc = 100
	}
	cvr := agg.CVR * 20
	if cvr > 100 {
		cvr = 100
	}
	return balancedROIWeight*roi + balancedEPCWeight*epc + balancedCVRWeight*cvr
}

func maintainAll(metrics []campaignMetrics, reason string) []*models.BudgetRecommendation {
	recs := make([]*models.BudgetRecommendation, 0, len(metrics))
	for _, m := range metrics {
		recs = append(recs, newRecommendation(m.campaign, m.campaign.DailyBudget, reason))
	}
	return recs
}

func newRecommendation(c *models.Campaign, recommended decimal.Decimal, reason string) *models.BudgetRecommendation {
	recommended = recommended.Round(2)
	change := recommended.Sub(c.DailyBudget)
	var changePct float64
	if c.DailyBudget.IsPositive() {
		changePct, _ = change.Div(c.DailyBudget).Mul(decimal.NewFromInt(100)).Float64()
	}
	return &models.BudgetRecommendation{
		CampaignID:        c.ID,
		CampaignName:      c.Name,
		CurrentBudget:     c.DailyBudget,
		RecommendedBudget: recommended,
		Change:            change,
		ChangePercentage:  changePct,
		Reason:            reason,
		Priority:          priorityForChange(changePct),
	}
}

// priorityForChange buckets a recommendation by how much it moves the
// budget.
func priorityForChange(changePct float64) models.RecommendationPriority {
	abs := changePct
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 50:
		return models.PriorityHigh
	case abs >= 20:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// EstimateROIImprovement projects, in percentage points, how far the
// budget-weighted window ROI would move if the recommendations were
// applied. Positive means budget shifts toward better performers.
func (o *BudgetOptimizer) EstimateROIImprovement(ctx context.Context, recs []*models.BudgetRecommendation) (float64, error) {
	var currentWeighted, proposedWeighted float64
	var currentTotal, proposedTotal float64
	for _, rec := range recs {
		agg, err := o.aggregator.CampaignAggregate(ctx, rec.CampaignID, budgetWindow)
		if err != nil {
			return 0, fmt.Errorf("failed to aggregate campaign %s: %w", rec.CampaignID, err)
		}
		current, _ := rec.CurrentBudget.Float64()
		proposed, _ := rec.RecommendedBudget.Float64()
		currentWeighted += agg.ROI * current
		proposedWeighted += agg.ROI * proposed
		currentTotal += current
		proposedTotal += proposed
	}
	if currentTotal <= 0 || proposedTotal <= 0 {
		return 0, nil
	}
	return proposedWeighted/proposedTotal - currentWeighted/currentTotal, nil
}

// ApplyRecommendations persists every recommendation whose change is at
// least applyThresholdPct, skipping the rest. Per-item failures are
// collected, never fatal to the batch.
func (o *BudgetOptimizer) ApplyRecommendations(ctx context.Context, recs []*models.BudgetRecommendation) *ApplyReport {
	report := &ApplyReport{}
	for _, rec := range recs {
		abs := rec.ChangePercentage
		if abs < 0 {
			abs = -abs
		}
		if abs < applyThresholdPct {
			report.Skipped++
			continue
		}
		if err := o.campaigns.UpdateDailyBudget(ctx, rec.CampaignID, rec.RecommendedBudget); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("campaign %s: %w", rec.CampaignID, err))
			continue
		}
		o.logger.Info("budget updated",
			zap.String("campaign_id", rec.CampaignID),
			zap.String("old_budget", rec.CurrentBudget.StringFixed(2)),
			zap.String("new_budget", rec.RecommendedBudget.StringFixed(2)),
			zap.Float64("change_pct", rec.ChangePercentage))
		report.Applied++
	}
	return report
}
