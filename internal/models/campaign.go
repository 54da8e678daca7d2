package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type CampaignStatus string

const (
	CampaignStatusDraft  CampaignStatus = "draft"
	CampaignStatusActive CampaignStatus = "active"
	CampaignStatusPaused CampaignStatus = "paused"
)

// Campaign is a paid-traffic campaign under a traffic connection.
// The optimizer only writes back daily_budget, status and the pause fields;
// everything else is owned by upstream ingestion.
type Campaign struct {
	ID           string         `json:"id"`
	ConnectionID string         `json:"connection_id"`
	Name         string         `json:"name"`
	Status       CampaignStatus `json:"status"`

	DailyBudget decimal.Decimal  `json:"daily_budget"`
	TotalBudget *decimal.Decimal `json:"total_budget,omitempty"`
	TotalSpent  decimal.Decimal  `json:"total_spent"`

	PauseReason string     `json:"pause_reason,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Campaign) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.ConnectionID == "" {
		return errors.New("connection_id is required")
	}
	if c.DailyBudget.IsNegative() {
		return errors.New("daily_budget must be >= 0")
	}
	return nil
}

// DaysRunning returns whole days since the campaign started (or was created).
func (c *Campaign) DaysRunning(now time.Time) int {
	start := c.CreatedAt
	if c.StartedAt != nil {
		start = *c.StartedAt
	}
	if start.IsZero() || start.After(now) {
		return 0
	}
	return int(now.Sub(start).Hours() / 24)
}

type ScalingType string

const (
	ScalingTypeManual ScalingType = "manual"
	ScalingTypeAuto   ScalingType = "auto"
)

// ScalingEvent is an append-only audit record of a budget scaling decision.
// The most recent event per campaign also drives the cooldown window.
type ScalingEvent struct {
	ID          string          `json:"id"`
	CampaignID  string          `json:"campaign_id"`
	ScalingType ScalingType     `json:"scaling_type"`
	ScaleFactor float64         `json:"scale_factor"`
	OldBudget   decimal.Decimal `json:"old_budget"`
	NewBudget   decimal.Decimal `json:"new_budget"`
	Reason      string          `json:"reason"`
	CreatedAt   time.Time       `json:"created_at"`
}

type RecommendationPriority string

const (
	PriorityLow    RecommendationPriority = "low"
	PriorityMedium RecommendationPriority = "medium"
	PriorityHigh   RecommendationPriority = "high"
)

// BudgetRecommendation is the transient output of one optimization pass.
// It is never persisted; each pass produces a fresh set.
type BudgetRecommendation struct {
	CampaignID        string                 `json:"campaign_id"`
	CampaignName      string                 `json:"campaign_name,omitempty"`
	CurrentBudget     decimal.Decimal        `json:"current_budget"`
	RecommendedBudget decimal.Decimal        `json:"recommended_budget"`
	Change            decimal.Decimal        `json:"change"`
	ChangePercentage  float64                `json:"change_percentage"`
	Reason            string                 `json:"reason"`
	Priority          RecommendationPriority `json:"priority"`
}
