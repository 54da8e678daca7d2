package optimizer

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/offerlab/traffic-optimizer/internal/models"
	"github.com/offerlab/traffic-optimizer/internal/storage"
)

// Aggregate holds running totals over a window of metric snapshots plus
// the rates derived from them. Counters and money are exact; rates are
// float64 and only used for branching and reporting.
type Aggregate struct {
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
	Conversions int64           `json:"conversions"`
	Spend       decimal.Decimal `json:"spend"`
	Revenue     decimal.Decimal `json:"revenue"`
	Profit      decimal.Decimal `json:"profit"`

	CTR float64 `json:"ctr"` // clicks/impressions * 100
	CVR float64 `json:"cvr"` // conversions/clicks * 100
	ROI float64 `json:"roi"` // (revenue-spend)/spend * 100
	EPC float64 `json:"epc"` // revenue/clicks
	CPC float64 `json:"cpc"` // spend/clicks
	CPA float64 `json:"cpa"` // spend/conversions

	Snapshots int `json:"snapshots"`
}

// Fold reduces a snapshot window into an Aggregate. Rates with zero
// denominators are zero.
func Fold(snaps []*models.MetricSnapshot) Aggregate {
	agg := Aggregate{
		Spend:     decimal.Zero,
		Revenue:   decimal.Zero,
		Snapshots: len(snaps),
	}
	for _, sn := range snaps {
		agg.Impressions += sn.Impressions
		agg.Clicks += sn.Clicks
		agg.Conversions += sn.Conversions
		agg.Spend = agg.Spend.Add(sn.Spend)
		agg.Revenue = agg.Revenue.Add(sn.Revenue)
	}
	agg.Profit = agg.Revenue.Sub(agg.Spend)

	spend := agg.Spend.InexactFloat64()
	revenue := agg.Revenue.InexactFloat64()

	if agg.Impressions > 0 {
		agg.CTR = float64(agg.Clicks) / float64(agg.Impressions) * 100
	}
	if agg.Clicks > 0 {
		agg.CVR = float64(agg.Conversions) / float64(agg.Clicks) * 100
		agg.EPC = revenue / float64(agg.Clicks)
		agg.CPC = spend / float64(agg.Clicks)
	}
	if agg.Conversions > 0 {
		agg.CPA = spend / float64(agg.Conversions)
	}
	if spend > 0 {
		agg.ROI = (revenue - spend) / spend * 100
	}
	return agg
}

// ROISeries returns the per-snapshot ROI (%) in chronological order.
// Snapshots with zero spend contribute 0.
func ROISeries(snaps []*models.MetricSnapshot) []float64 {
	series := make([]float64, len(snaps))
	for i, sn := range snaps {
		spend := sn.Spend.InexactFloat64()
		if spend > 0 {
			series[i] = (sn.Revenue.InexactFloat64() - spend) / spend * 100
		}
	}
	return series
}

// MetricsAggregator fetches snapshot windows and reduces them to totals.
// Every scoring/optimization component consumes campaign metrics through
// this type rather than re-implementing the reduction.
type MetricsAggregator struct {
	snapshots storage.SnapshotStore
}

func NewMetricsAggregator(snapshots storage.SnapshotStore) *MetricsAggregator {
	return &MetricsAggregator{snapshots: snapshots}
}

// CampaignAggregate folds the campaign's most recent lastN snapshots.
func (a *MetricsAggregator) CampaignAggregate(ctx context.Context, campaignID string, lastN int) (Aggregate, error) {
	snaps, err := a.snapshots.LastN(ctx, campaignID, lastN)
	if err != nil {
		return Aggregate{}, err
	}
	return Fold(snaps), nil
}

// CampaignSnapshots exposes the raw window for consumers that need the
// series itself (trend regression, spike detection).
func (a *MetricsAggregator) CampaignSnapshots(ctx context.Context, campaignID string, lastN int) ([]*models.MetricSnapshot, error) {
	return a.snapshots.LastN(ctx, campaignID, lastN)
}

// ConnectionAggregate folds the most recent lastN snapshots of every
// campaign under the connection into one total.
func (a *MetricsAggregator) ConnectionAggregate(ctx context.Context, conn *models.TrafficConnection, lastN int) (Aggregate, error) {
	var all []*models.MetricSnapshot
	for i := range conn.Campaigns {
		snaps, err := a.snapshots.LastN(ctx, conn.Campaigns[i].ID, lastN)
		if err != nil {
			return Aggregate{}, err
		}
		all = append(all, snaps...)
	}
	return Fold(all), nil
}
