package models

import (
	"errors"
	"time"
)

// TrafficConnection is an account/integration with an external ad network,
// parent of one or more campaigns.
type TrafficConnection struct {
	ID       string `json:"id"`
	Network  string `json:"network"`
	IsActive bool   `json:"is_active"`

	Campaigns []Campaign `json:"campaigns,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *TrafficConnection) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.Network == "" {
		return errors.New("network is required")
	}
	return nil
}

// ActiveCampaigns returns the connection's campaigns with status active.
func (c *TrafficConnection) ActiveCampaigns() []Campaign {
	var out []Campaign
	for _, camp := range c.Campaigns {
		if camp.Status == CampaignStatusActive {
			out = append(out, camp)
		}
	}
	return out
}

// TrafficQualityScore is the daily quality/fraud record for a connection.
// At most one row exists per (connection, calendar day); scoring upserts.
type TrafficQualityScore struct {
	ID            string    `json:"id"`
	ConnectionID  string    `json:"connection_id"`
	Date          time.Time `json:"date"` // truncated to day, UTC
	QualityScore  int       `json:"quality_score"` // 0-100, higher is better
	ConversionRate float64  `json:"conversion_rate"`
	BounceRate    float64   `json:"bounce_rate"`
	AvgTimeOnPage float64   `json:"avg_time_on_page"` // seconds
	FraudScore    int       `json:"fraud_score"` // 0-100, higher is worse
	IsBlacklisted bool      `json:"is_blacklisted"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type FraudSeverity string

const (
	FraudSeverityLow      FraudSeverity = "low"
	FraudSeverityMedium   FraudSeverity = "medium"
	FraudSeverityHigh     FraudSeverity = "high"
	FraudSeverityCritical FraudSeverity = "critical"
)

// FraudAlert is one detected fraud pattern on a campaign.
type FraudAlert struct {
	ID           string        `json:"id"`
	ConnectionID string        `json:"connection_id"`
	CampaignID   string        `json:"campaign_id"`
	Type         string        `json:"type"` // bot-traffic, click-fraud, suspicious-conversions, traffic-spike
	Severity     FraudSeverity `json:"severity"`
	Confidence   int           `json:"confidence"` // 0-100
	Detail       string        `json:"detail"`
	CreatedAt    time.Time     `json:"created_at"`
}
