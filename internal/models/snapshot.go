package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MetricSnapshot is one per-period record of raw campaign metrics.
// Snapshots are append-only; consumers aggregate over the most recent N
// rows or a time window, never over mutated rows.
type MetricSnapshot struct {
	ID          string          `json:"id"`
	CampaignID  string          `json:"campaign_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
	Conversions int64           `json:"conversions"`
	Spend       decimal.Decimal `json:"spend"`
	Revenue     decimal.Decimal `json:"revenue"`
}
