package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type TestStatus string

const (
	TestStatusDraft     TestStatus = "draft"
	TestStatusRunning   TestStatus = "running"
	TestStatusCompleted TestStatus = "completed"
)

// ABTest is a two-arm (or more) experiment on a campaign element.
// Lifecycle: draft -> running (needs >=2 variants) -> completed (once).
type ABTest struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Hypothesis string     `json:"hypothesis,omitempty"`
	Element    string     `json:"element"` // headline, cta, image, funnel, ad-copy
	Status     TestStatus `json:"status"`

	// TrafficSplit is the percentage of traffic sent to the test, 0-100.
	TrafficSplit int `json:"traffic_split"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	WinnerVariantID string     `json:"winner_variant_id,omitempty"`

	Variants []TestVariant `json:"variants,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *ABTest) Validate() error {
	if t.ID == "" {
		return errors.New("id is required")
	}
	if t.Name == "" {
		return errors.New("name is required")
	}
	if t.TrafficSplit < 0 || t.TrafficSplit > 100 {
		return errors.New("traffic_split must be 0-100")
	}
	return nil
}

// Variant returns the variant with the given ID, or nil.
func (t *ABTest) Variant(id string) *TestVariant {
	for i := range t.Variants {
		if t.Variants[i].ID == id {
			return &t.Variants[i]
		}
	}
	return nil
}

// TestVariant is one arm of an A/B test. Counters only ever increase;
// CTR/CVR are recomputed on every counter update.
type TestVariant struct {
	ID          string `json:"id"`
	TestID      string `json:"test_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Content is the opaque variant payload (headline text, image URL, ...).
	Content   string `json:"content,omitempty"`
	IsControl bool   `json:"is_control"`

	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
	Conversions int64           `json:"conversions"`
	Revenue     decimal.Decimal `json:"revenue"`

	CTR float64 `json:"ctr"` // clicks/impressions * 100
	CVR float64 `json:"cvr"` // conversions/clicks * 100

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecomputeRates refreshes the derived CTR/CVR fields from the counters.
func (v *TestVariant) RecomputeRates() {
	if v.Impressions > 0 {
		v.CTR = float64(v.Clicks) / float64(v.Impressions) * 100
	} else {
		v.CTR = 0
	}
	if v.Clicks > 0 {
		v.CVR = float64(v.Conversions) / float64(v.Clicks) * 100
	} else {
		v.CVR = 0
	}
}
