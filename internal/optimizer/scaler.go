package optimizer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/models"
	"github.com/offerlab/traffic-optimizer/internal/storage"
)

const (
	scalingCooldown = 24 * time.Hour
	scalingWindow   = 10
)

// ScalingTier is one rung of the auto-scaling ladder. A campaign must
// clear every minimum to earn the tier's factor.
type ScalingTier struct {
	Factor         float64
	MinROI         float64
	MinCVR         float64
	MinEPC         float64
	MinImpressions int64
}

// scalingTiers is ordered highest factor first; the first tier fully
// met wins.
var scalingTiers = []ScalingTier{
	{Factor: 10, MinROI: 200, MinCVR: 3.0, MinEPC: 0.20, MinImpressions: 1000},
	{Factor: 5, MinROI: 100, MinCVR: 2.0, MinEPC: 0.10, MinImpressions: 500},
	{Factor: 2, MinROI: 50, MinCVR: 1.0, MinEPC: 0.05, MinImpressions: 100},
}

// Meets reports whether the aggregate clears every tier minimum.
func (t ScalingTier) Meets(agg Aggregate) bool {
	return agg.ROI >= t.MinROI &&
		agg.CVR >= t.MinCVR &&
		agg.EPC >= t.MinEPC &&
		agg.Impressions >= t.MinImpressions
}

// ScaleResult reports the outcome of one scaling attempt.
type ScaleResult struct {
	CampaignID string          `json:"campaign_id"`
	Applied    bool            `json:"applied"`
	Factor     float64         `json:"factor,omitempty"`
	OldBudget  decimal.Decimal `json:"old_budget"`
	NewBudget  decimal.Decimal `json:"new_budget,omitempty"`
	Reason     string          `json:"reason"`
}

// SmartScaler multiplies budgets of campaigns that clear a tier's
// performance bar, within the global cap and a per-campaign cooldown.
type SmartScaler struct {
	campaigns  storage.CampaignRepo
	events     storage.ScalingEventRepo
	aggregator *MetricsAggregator
	budgetCap  decimal.Decimal
	logger     *zap.Logger
}

func NewSmartScaler(campaigns storage.CampaignRepo, events storage.ScalingEventRepo, aggregator *MetricsAggregator, budgetCap decimal.Decimal, logger *zap.Logger) *SmartScaler {
	return &SmartScaler{
		campaigns:  campaigns,
		events:     events,
		aggregator: aggregator,
		budgetCap:  budgetCap,
		logger:     logger,
	}
}

// EligibleTier returns the highest tier the campaign currently clears,
// or nil.
func (s *SmartScaler) EligibleTier(ctx context.Context, campaignID string) (*ScalingTier, error) {
	agg, err := s.aggregator.CampaignAggregate(ctx, campaignID, scalingWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate campaign %s: %w", campaignID, err)
	}
	for _, tier := range scalingTiers {
		if tier.Meets(agg) {
			t := tier
			return &t, nil
		}
	}
	return nil, nil
}

// InCooldown reports whether the campaign had a scaling event within
// the cooldown window.
func (s *SmartScaler) InCooldown(ctx context.Context, campaignID string) (bool, error) {
	last, err := s.events.LastForCampaign(ctx, campaignID)
	if err != nil {
		return false, fmt.Errorf("failed to load last scaling event: %w", err)
	}
	return last != nil && time.Since(last.CreatedAt) < scalingCooldown, nil
}

// ScaleCampaign multiplies the campaign's daily budget by factor. The
// global cap is re-derived from all other active campaigns immediately
// before writing; a rejected scale leaves the campaign untouched.
func (s *SmartScaler) ScaleCampaign(ctx context.Context, campaignID string, factor float64, scalingType models.ScalingType, reason string) (*ScaleResult, error) {
	if factor <= 0 {
		return nil, fmt.Errorf("scale factor must be positive: %w", ErrInvalidState)
	}
	campaign, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign %s: %w", campaignID, err)
	}
	if campaign == nil {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
	}

	oldBudget := campaign.DailyBudget
	newBudget := oldBudget.Mul(decimal.NewFromFloat(factor))

	othersTotal, err := s.activeBudgetTotalExcluding(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if othersTotal.Add(newBudget).GreaterThan(s.budgetCap) {
		return &ScaleResult{
			CampaignID: campaignID,
			Applied:    false,
			OldBudget:  oldBudget,
			Reason: fmt.Sprintf("would exceed global budget cap ($%s + $%s > $%s)",
				othersTotal.StringFixed(2), newBudget.StringFixed(2), s.budgetCap.StringFixed(2)),
		}, nil
	}

	if err := s.campaigns.UpdateDailyBudget(ctx, campaignID, newBudget); err != nil {
		return nil, fmt.Errorf("failed to update budget: %w", err)
	}
	event := &models.ScalingEvent{
		ID:          uuid.New().String(),
		CampaignID:  campaignID,
		ScalingType: scalingType,
		ScaleFactor: factor,
		OldBudget:   oldBudget,
		NewBudget:   newBudget,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.events.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append scaling event: %w", err)
	}

	s.logger.Info("campaign scaled",
		zap.String("campaign_id", campaignID),
		zap.Float64("factor", factor),
		zap.String("old_budget", oldBudget.StringFixed(2)),
		zap.String("new_budget", newBudget.StringFixed(2)))
	return &ScaleResult{
		CampaignID: campaignID,
		Applied:    true,
		Factor:     factor,
		OldBudget:  oldBudget,
		NewBudget:  newBudget,
		Reason:     reason,
	}, nil
}

// AutoScaleCampaigns sweeps every active campaign, skipping those in
// cooldown or below every tier, and scales the rest. One campaign's
// failure never aborts the sweep.
func (s *SmartScaler) AutoScaleCampaigns(ctx context.Context) ([]*ScaleResult, []error) {
	campaigns, err := s.campaigns.ListActive(ctx)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to list campaigns: %w", err)}
	}

	var results []*ScaleResult
	var errs []error
	for _, campaign := range campaigns {
		cooling, err := s.InCooldown(ctx, campaign.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("campaign %s: %w", campaign.ID, err))
			continue
		}
		if cooling {
			results = append(results, &ScaleResult{
				CampaignID: campaign.ID,
				Applied:    false,
				OldBudget:  campaign.DailyBudget,
				Reason:     "in cooldown",
			})
			continue
		}

		tier, err := s.EligibleTier(ctx, campaign.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("campaign %s: %w", campaign.ID, err))
			continue
		}
		if tier == nil {
			continue
		}

		reason := fmt.Sprintf("auto-scale %gx tier criteria met", tier.Factor)
		res, err := s.ScaleCampaign(ctx, campaign.ID, tier.Factor, models.ScalingTypeAuto, reason)
		if err != nil {
			errs = append(errs, fmt.Errorf("campaign %s: %w", campaign.ID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

func (s *SmartScaler) activeBudgetTotalExcluding(ctx context.Context, campaignID string) (decimal.Decimal, error) {
	campaigns, err := s.campaigns.ListActive(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to list campaigns: %w", err)
	}
	total := decimal.Zero
	for _, c := range campaigns {
		if c.ID == campaignID {
			continue
		}
		total = total.Add(c.DailyBudget)
	}
	return total, nil
}
