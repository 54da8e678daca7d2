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
	utilizationWarningPct  = 90
	utilizationCriticalPct = 100

	overspendPct    = 110
	highRiskPct     = 120
	mediumRiskPct   = 90
	lowRunwayDays   = 3
	increaseWarnPct = 500
)

// SafetyCheck is the structured verdict on a proposed budget change.
// A failing check carries errors; warnings never block.
type SafetyCheck struct {
	Safe          bool            `json:"safe"`
	ProposedTotal decimal.Decimal `json:"proposed_total"`
	Cap           decimal.Decimal `json:"cap"`
	Errors        []string        `json:"errors,omitempty"`
	Warnings      []string        `json:"warnings,omitempty"`
}

// BudgetUtilization reports how much of the global cap is allocated.
type BudgetUtilization struct {
	TotalBudget decimal.Decimal `json:"total_budget"`
	Cap         decimal.Decimal `json:"cap"`
	Percentage  float64         `json:"percentage"`
	Status      string          `json:"status"` // healthy, warning, critical
}

// SpendAnalysis is the intraday spend picture for one campaign.
type SpendAnalysis struct {
	CampaignID          string          `json:"campaign_id"`
	DailyBudget         decimal.Decimal `json:"daily_budget"`
	SpentToday          decimal.Decimal `json:"spent_today"`
	ProjectedDaySpend   decimal.Decimal `json:"projected_day_spend"`
	IsOverspending      bool            `json:"is_overspending"`
	DaysUntilExhaustion int             `json:"days_until_exhaustion,omitempty"`
}

// RiskLevel buckets for GetCampaignsAtRisk.
const (
	RiskHigh   = "high"
	RiskMedium = "medium"
)

// CampaignRisk flags one campaign trending past its budget.
type CampaignRisk struct {
	CampaignID string  `json:"campaign_id"`
	Risk       string  `json:"risk"`
	Reason     string  `json:"reason"`
	Projected  float64 `json:"projected_pct_of_budget"`
}

// BudgetSafetyGuard enforces the global daily cap and watches intraday
// spend. The cap check re-derives the active total on every call; it is
// advisory, not transactional, so concurrent writers can still race
// past it between check and write.
type BudgetSafetyGuard struct {
	campaigns storage.CampaignRepo
	spend     SpendTracker
	cap       decimal.Decimal
	logger    *zap.Logger
}

func NewBudgetSafetyGuard(campaigns storage.CampaignRepo, spend SpendTracker, cap decimal.Decimal, logger *zap.Logger) *BudgetSafetyGuard {
	return &BudgetSafetyGuard{campaigns: campaigns, spend: spend, cap: cap, logger: logger}
}

// CheckBudgetChange validates a proposed daily budget for one campaign
// against the global cap. safe=false iff the proposed global total
// exceeds the cap; warnings are informational only.
func (g *BudgetSafetyGuard) CheckBudgetChange(ctx context.Context, campaignID string, newBudget decimal.Decimal) (*SafetyCheck, error) {
	campaign, err := g.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign %s: %w", campaignID, err)
	}
	if campaign == nil {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
	}

	activeTotal, err := g.activeBudgetTotal(ctx)
	if err != nil {
		return nil, err
	}
	current := decimal.Zero
	if campaign.Status == models.CampaignStatusActive {
		current = campaign.DailyBudget
	}
	proposed := activeTotal.Sub(current).Add(newBudget)

	check := &SafetyCheck{Safe: true, ProposedTotal: proposed, Cap: g.cap}
	if proposed.GreaterThan(g.cap) {
		check.Safe = false
		check.Errors = append(check.Errors, fmt.Sprintf(
			"proposed daily total $%s exceeds global cap $%s",
			proposed.StringFixed(2), g.cap.StringFixed(2)))
	}

	if check.Safe {
		util := utilizationPct(proposed, g.cap)
		if util > utilizationWarningPct {
			check.Warnings = append(check.Warnings, fmt.Sprintf(
				"budget utilization at %.1f%% of global cap", util))
		}
	}
	if campaign.DailyBudget.IsPositive() {
		increasePct, _ := newBudget.Div(campaign.DailyBudget).Mul(decimal.NewFromInt(100)).Float64()
		if increasePct > increaseWarnPct {
			check.Warnings = append(check.Warnings, fmt.Sprintf(
				"increase to %.0f%% of current budget", increasePct))
		}
	}
	if newBudget.LessThan(budgetFloor) {
		check.Warnings = append(check.Warnings, fmt.Sprintf(
			"new budget below $%s minimum", budgetFloor.StringFixed(2)))
	}
	return check, nil
}

// GetBudgetUtilization reports the allocated share of the global cap.
func (g *BudgetSafetyGuard) GetBudgetUtilization(ctx context.Context) (*BudgetUtilization, error) {
	total, err := g.activeBudgetTotal(ctx)
	if err != nil {
		return nil, err
	}
	pct := utilizationPct(total, g.cap)
	status := "healthy"
	switch {
	case pct >= utilizationCriticalPct:
		status = "critical"
	case pct >= utilizationWarningPct:
		status = "warning"
	}
	return &BudgetUtilization{TotalBudget: total, Cap: g.cap, Percentage: pct, Status: status}, nil
}

// AnalyzeSpending projects each active campaign's full-day spend from
// what it has spent so far today. A failed spend read skips that
// campaign; its error is collected, not fatal to the pass.
func (g *BudgetSafetyGuard) AnalyzeSpending(ctx context.Context, now time.Time) ([]*SpendAnalysis, []error) {
	campaigns, err := g.campaigns.ListActive(ctx)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to list campaigns: %w", err)}
	}

	hoursElapsed := now.UTC().Sub(dayOf(now)).Hours()
	if hoursElapsed < 1 {
		hoursElapsed = 1
	}

	var analyses []*SpendAnalysis
	var errs []error
	for _, campaign := range campaigns {
		spent, err := g.spend.TodaySpend(ctx, campaign.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("campaign %s: %w", campaign.ID, err))
			continue
		}
		projected := spent.Div(decimal.NewFromFloat(hoursElapsed)).Mul(decimal.NewFromInt(24)).Round(2)

		a := &SpendAnalysis{
			CampaignID:        campaign.ID,
			DailyBudget:       campaign.DailyBudget,
			SpentToday:        spent,
			ProjectedDaySpend: projected,
		}
		if campaign.DailyBudget.IsPositive() {
			limit := campaign.DailyBudget.Mul(decimal.NewFromInt(overspendPct)).Div(decimal.NewFromInt(100))
			a.IsOverspending = projected.GreaterThan(limit)
		}
		if campaign.TotalBudget != nil && projected.IsPositive() {
			left := campaign.TotalBudget.Sub(campaign.TotalSpent)
			if left.IsPositive() {
				days, _ := left.Div(projected).Float64()
				a.DaysUntilExhaustion = int(days)
			}
		}
		analyses = append(analyses, a)
	}
	return analyses, errs
}

// GetCampaignsAtRisk flags campaigns projected past their daily budget
// or close to exhausting their total budget.
func (g *BudgetSafetyGuard) GetCampaignsAtRisk(ctx context.Context, now time.Time) ([]*CampaignRisk, []error) {
	analyses, errs := g.AnalyzeSpending(ctx, now)

	var risks []*CampaignRisk
	for _, a := range analyses {
		if !a.DailyBudget.IsPositive() {
			continue
		}
		pct, _ := a.ProjectedDaySpend.Div(a.DailyBudget).Mul(decimal.NewFromInt(100)).Float64()
		switch {
		case pct > highRiskPct:
			risks = append(risks, &CampaignRisk{
				CampaignID: a.CampaignID,
				Risk:       RiskHigh,
				Reason:     fmt.Sprintf("projected to spend %.0f%% of daily budget", pct),
				Projected:  pct,
			})
		case pct >= mediumRiskPct:
			risks = append(risks, &CampaignRisk{
				CampaignID: a.CampaignID,
				Risk:       RiskMedium,
				Reason:     fmt.Sprintf("projected at %.0f%% of daily budget", pct),
				Projected:  pct,
			})
		case a.DaysUntilExhaustion > 0 && a.DaysUntilExhaustion <= lowRunwayDays:
			risks = append(risks, &CampaignRisk{
				CampaignID: a.CampaignID,
				Risk:       RiskMedium,
				Reason:     fmt.Sprintf("total budget exhausted in ~%d days", a.DaysUntilExhaustion),
				Projected:  pct,
			})
		}
	}
	return risks, errs
}

// EmergencyBudgetFreeze pauses every active campaign with the given
// reason. Per-campaign failures are collected, not fatal.
func (g *BudgetSafetyGuard) EmergencyBudgetFreeze(ctx context.Context, reason string) ([]string, []error) {
	campaigns, err := g.campaigns.ListActive(ctx)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to list campaigns: %w", err)}
	}

	now := time.Now().UTC()
	var paused []string
	var errs []error
	for _, campaign := range campaigns {
		if err := g.campaigns.UpdateStatus(ctx, campaign.ID, models.CampaignStatusPaused, reason, &now); err != nil {
			errs = append(errs, fmt.Errorf("campaign %s: %w", campaign.ID, err))
			continue
		}
		paused = append(paused, campaign.ID)
	}
	g.logger.Warn("emergency budget freeze",
		zap.String("reason", reason),
		zap.Int("paused", len(paused)),
		zap.Int("failed", len(errs)))
	return paused, errs
}

func (g *BudgetSafetyGuard) activeBudgetTotal(ctx context.Context) (decimal.Decimal, error) {
	campaigns, err := g.campaigns.ListActive(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to list campaigns: %w", err)
	}
	total := decimal.Zero
	for _, c := range campaigns {
		total = total.Add(c.DailyBudget)
	}
	return total, nil
}

func utilizationPct(total, cap decimal.Decimal) float64 {
	if !cap.IsPositive() {
		return 0
	}
	pct, _ := total.Div(cap).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}
