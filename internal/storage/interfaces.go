package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/offerlab/traffic-optimizer/internal/models"
)

// Repositories return (nil, nil) when an entity does not exist; callers in
// the optimizer layer translate that into a typed not-found error.

// =============================================
// CAMPAIGN REPOSITORY
// =============================================

// CampaignRepo defines operations for campaign storage.
type CampaignRepo interface {
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	ListActive(ctx context.Context) ([]*models.Campaign, error)
	ListByConnection(ctx context.Context, connectionID string) ([]*models.Campaign, error)
	Upsert(ctx context.Context, c *models.Campaign) error

	// UpdateDailyBudget writes only the daily budget.
	UpdateDailyBudget(ctx context.Context, id string, budget decimal.Decimal) error

	// UpdateStatus writes status plus the pause bookkeeping fields.
	UpdateStatus(ctx context.Context, id string, status models.CampaignStatus, pauseReason string, pausedAt *time.Time) error
}

// =============================================
// SNAPSHOT STORE
// =============================================

// SnapshotStore stores append-only per-period campaign metrics.
type SnapshotStore interface {
	Append(ctx context.Context, snap *models.MetricSnapshot) error

	// LastN returns up to n most recent snapshots in chronological order
	// (oldest first).
	LastN(ctx context.Context, campaignID string, n int) ([]*models.MetricSnapshot, error)

	Range(ctx context.Context, campaignID string, from, to time.Time) ([]*models.MetricSnapshot, error)
}

// =============================================
// TRAFFIC CONNECTION REPOSITORY
// =============================================

// ConnectionRepo defines operations for traffic connection storage.
// Reads include the connection's campaigns.
type ConnectionRepo interface {
	GetByID(ctx context.Context, id string) (*models.TrafficConnection, error)
	ListActive(ctx context.Context) ([]*models.TrafficConnection, error)
	Upsert(ctx context.Context, c *models.TrafficConnection) error
}

// =============================================
// QUALITY SCORE REPOSITORY
// =============================================

// QualityScoreRepo stores one TrafficQualityScore row per connection per
// calendar day; UpsertDaily is keyed on (connection_id, date).
type QualityScoreRepo interface {
	UpsertDaily(ctx context.Context, score *models.TrafficQualityScore) error
	GetByDay(ctx context.Context, connectionID string, day time.Time) (*models.TrafficQualityScore, error)
	ListByConnection(ctx context.Context, connectionID string, from, to time.Time) ([]*models.TrafficQualityScore, error)
}

// =============================================
// A/B TEST REPOSITORY
// =============================================

// ABTestRepo defines operations for tests and variants. Reads include
// variants.
type ABTestRepo interface {
	Create(ctx context.Context, t *models.ABTest) error
	GetByID(ctx context.Context, id string) (*models.ABTest, error)
	ListByStatus(ctx context.Context, status models.TestStatus) ([]*models.ABTest, error)
	Update(ctx context.Context, t *models.ABTest) error
	Delete(ctx context.Context, id string) error

	AddVariant(ctx context.Context, v *models.TestVariant) error

	// IncrementVariant atomically adds to the variant's counters and revenue,
	// recomputes CTR/CVR, and returns the updated variant.
	IncrementVariant(ctx context.Context, variantID string, impressions, clicks, conversions int64, revenue decimal.Decimal) (*models.TestVariant, error)
}

// =============================================
// SCALING EVENT LOG
// =============================================

// ScalingEventRepo is an append-only log of budget scaling decisions.
type ScalingEventRepo interface {
	Append(ctx context.Context, ev *models.ScalingEvent) error

	// LastForCampaign returns the most recent event for a campaign, or nil.
	LastForCampaign(ctx context.Context, campaignID string) (*models.ScalingEvent, error)

	ListByCampaign(ctx context.Context, campaignID string, limit int) ([]*models.ScalingEvent, error)
}

// =============================================
// FRAUD ALERT LOG
// =============================================

// FraudAlertRepo is an append-only log of fraud sweep findings.
type FraudAlertRepo interface {
	Append(ctx context.Context, alert *models.FraudAlert) error
	ListByConnection(ctx context.Context, connectionID string, since time.Time) ([]*models.FraudAlert, error)
}
