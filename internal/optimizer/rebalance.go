package optimizer

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/models"
	"github.com/offerlab/traffic-optimizer/internal/storage"
)

const (
	// Minimum |change| worth acting on per rebalance mode.
	defaultRebalanceThresholdPct   = 10.0
	scheduledRebalanceThresholdPct = 15.0

	defaultMinDaysRunning = 3

	// pauseLosers criteria.
	loserMaxROI   = -20.0
	loserMinSpend = 50.0
)

// RebalanceOptions tunes one rebalance pass.
type RebalanceOptions struct {
	Strategy models.BudgetStrategy
	// MinChangePct skips recommendations smaller than this; <=0 uses
	// the default.
	MinChangePct   float64
	MinDaysRunning int
	PauseLosers    bool
}

// ScheduledOptions is the stricter configuration used by the periodic
// rebalance job.
func ScheduledOptions(strategy models.BudgetStrategy) RebalanceOptions {
	return RebalanceOptions{
		Strategy:       strategy,
		MinChangePct:   scheduledRebalanceThresholdPct,
		MinDaysRunning: defaultMinDaysRunning,
		PauseLosers:    true,
	}
}

// RebalanceChange records one outcome, applied or skipped, for audit.
type RebalanceChange struct {
	CampaignID string          `json:"campaign_id"`
	OldBudget  decimal.Decimal `json:"old_budget"`
	NewBudget  decimal.Decimal `json:"new_budget"`
	ChangePct  float64         `json:"change_pct"`
	Applied    bool            `json:"applied"`
	SkipReason string          `json:"skip_reason,omitempty"`
}

// RebalanceResult is the full audit trail of one pass.
type RebalanceResult struct {
	Strategy        string             `json:"strategy"`
	Changes         []*RebalanceChange `json:"changes"`
	PausedCampaigns []string           `json:"paused_campaigns,omitempty"`
	Applied         int                `json:"applied"`
	Skipped         int                `json:"skipped"`
	// ExpectedROIIncrease is the optimizer's projected shift in
	// budget-weighted ROI, in percentage points.
	ExpectedROIIncrease float64 `json:"expected_roi_increase"`
	Errors              []error `json:"-"`
}

// BudgetRebalancer orchestrates optimizer output through the safety
// guard and into persisted budget changes.
type BudgetRebalancer struct {
	optimizer  *BudgetOptimizer
	guard      *BudgetSafetyGuard
	campaigns  storage.CampaignRepo
	aggregator *MetricsAggregator
	logger     *zap.Logger
}

func NewBudgetRebalancer(optimizer *BudgetOptimizer, guard *BudgetSafetyGuard, campaigns storage.CampaignRepo, aggregator *MetricsAggregator, logger *zap.Logger) *BudgetRebalancer {
	return &BudgetRebalancer{
		optimizer:  optimizer,
		guard:      guard,
		campaigns:  campaigns,
		aggregator: aggregator,
		logger:     logger,
	}
}

// GetRecommendations is the dry-run variant: optimizer output with no
// writes at all.
func (r *BudgetRebalancer) GetRecommendations(ctx context.Context, strategy models.BudgetStrategy, totalBudget decimal.Decimal) ([]*models.BudgetRecommendation, error) {
	return r.optimizer.Optimize(ctx, strategy, totalBudget)
}

// Rebalance runs one full pass: recommend, filter, guard, persist.
// Campaigns are read once at the start; concurrent external edits
// during the pass win on write order.
func (r *BudgetRebalancer) Rebalance(ctx context.Context, totalBudget decimal.Decimal, opts RebalanceOptions) (*RebalanceResult, error) {
	if opts.Strategy == nil {
		opts.Strategy = models.BalancedStrategy{}
	}
	if opts.MinChangePct <= 0 {
		opts.MinChangePct = defaultRebalanceThresholdPct
	}
	if opts.MinDaysRunning <= 0 {
		opts.MinDaysRunning = defaultMinDaysRunning
	}

	recs, err := r.optimizer.Optimize(ctx, opts.Strategy, totalBudget)
	if err != nil {
		return nil, fmt.Errorf("optimization failed: %w", err)
	}

	result := &RebalanceResult{Strategy: opts.Strategy.Name()}
	if improvement, err := r.optimizer.EstimateROIImprovement(ctx, recs); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("roi estimate: %w", err))
	} else {
		result.ExpectedROIIncrease = improvement
	}
	now := time.Now()
	for _, rec := range recs {
		change := &RebalanceChange{
			CampaignID: rec.CampaignID,
			OldBudget:  rec.CurrentBudget,
			NewBudget:  rec.RecommendedBudget,
			ChangePct:  rec.ChangePercentage,
		}
		result.Changes = append(result.Changes, change)

		if abs := absFloat(rec.ChangePercentage); abs < opts.MinChangePct {
			change.SkipReason = fmt.Sprintf("change %.1f%% below %.0f%% threshold", abs, opts.MinChangePct)
			result.Skipped++
			continue
		}

		campaign, err := r.campaigns.GetByID(ctx, rec.CampaignID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("campaign %s: %w", rec.CampaignID, err))
			change.SkipReason = "load failed"
			result.Skipped++
			continue
		}
		if campaign == nil {
			change.SkipReason = "campaign no longer exists"
			result.Skipped++
			continue
		}
		if days := campaign.DaysRunning(now); days < opts.MinDaysRunning {
			change.SkipReason = fmt.Sprintf("only %d days of data, need %d", days, opts.MinDaysRunning)
			result.Skipped++
			continue
		}

		check, err := r.guard.CheckBudgetChange(ctx, rec.CampaignID, rec.RecommendedBudget)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("campaign %s: %w", rec.CampaignID, err))
			change.SkipReason = "safety check failed"
			result.Skipped++
			continue
		}
		if !check.Safe {
			change.SkipReason = check.Errors[0]
			result.Skipped++
			continue
		}

		if err := r.campaigns.UpdateDailyBudget(ctx, rec.CampaignID, rec.RecommendedBudget); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("campaign %s: %w", rec.CampaignID, err))
			change.SkipReason = "write failed"
			result.Skipped++
			continue
		}
		change.Applied = true
		result.Applied++
	}

	if opts.PauseLosers {
		paused, errs := r.pauseLosers(ctx)
		result.PausedCampaigns = paused
		result.Errors = append(result.Errors, errs...)
	}

	r.logger.Info("rebalance pass finished",
		zap.String("strategy", result.Strategy),
		zap.Float64("expected_roi_increase", result.ExpectedROIIncrease),
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped),
		zap.Int("paused", len(result.PausedCampaigns)),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// pauseLosers pauses campaigns losing money at meaningful spend.
func (r *BudgetRebalancer) pauseLosers(ctx context.Context) ([]string, []error) {
	campaigns, err := r.campaigns.ListActive(ctx)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to list campaigns: %w", err)}
	}

	now := time.Now().UTC()
	var paused []string
	var errs []error
	for _, campaign := range campaigns {
		agg, err := r.aggregator.CampaignAggregate(ctx, campaign.ID, budgetWindow)
		if err != nil {
			errs = append(errs, fmt.Errorf("campaign %s: %w", campaign.ID, err))
			continue
		}
		if agg.ROI >= loserMaxROI || agg.Spend.InexactFloat64() <= loserMinSpend {
			continue
		}
		reason := fmt.Sprintf("roi %.1f%% with $%.2f spend", agg.ROI, agg.Spend.InexactFloat64())
		if err := r.campaigns.UpdateStatus(ctx, campaign.ID, models.CampaignStatusPaused, reason, &now); err != nil {
			errs = append(errs, fmt.Errorf("campaign %s: %w", campaign.ID, err))
			continue
		}
		r.logger.Info("losing campaign paused",
			zap.String("campaign_id", campaign.ID),
			zap.Float64("roi", agg.ROI))
		paused = append(paused, campaign.ID)
	}
	return paused, errs
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
