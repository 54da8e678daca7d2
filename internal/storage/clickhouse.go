package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/offerlab/traffic-optimizer/internal/models"
)

// ClickHouseSnapshotStore implements SnapshotStore on ClickHouse. The
// metric_snapshots table is a MergeTree ordered by (campaign_id, timestamp);
// rows are only ever inserted.
type ClickHouseSnapshotStore struct {
	conn driver.Conn
}

func NewClickHouseSnapshotStore(conn driver.Conn) *ClickHouseSnapshotStore {
	return &ClickHouseSnapshotStore{conn: conn}
}

func (s *ClickHouseSnapshotStore) Append(ctx context.Context, snap *models.MetricSnapshot) error {
	err := s.conn.Exec(ctx, `
		INSERT INTO metric_snapshots
			(id, campaign_id, timestamp, impressions, clicks, conversions, spend, revenue)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.CampaignID, snap.Timestamp,
		snap.Impressions, snap.Clicks, snap.Conversions, snap.Spend, snap.Revenue)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

func (s *ClickHouseSnapshotStore) LastN(ctx context.Context, campaignID string, n int) ([]*models.MetricSnapshot, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.conn.Query(ctx, `
		SELECT id, campaign_id, timestamp, impressions, clicks, conversions, spend, revenue
		FROM metric_snapshots
		WHERE campaign_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, campaignID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	snaps, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}

	// Query returns newest-first; callers expect chronological order.
	for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
		snaps[i], snaps[j] = snaps[j], snaps[i]
	}
	return snaps, nil
}

func (s *ClickHouseSnapshotStore) Range(ctx context.Context, campaignID string, from, to time.Time) ([]*models.MetricSnapshot, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, campaign_id, timestamp, impressions, clicks, conversions, spend, revenue
		FROM metric_snapshots
		WHERE campaign_id = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp
	`, campaignID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

func scanSnapshots(rows driver.Rows) ([]*models.MetricSnapshot, error) {
	var snaps []*models.MetricSnapshot
	for rows.Next() {
		var sn models.MetricSnapshot
		if err := rows.Scan(&sn.ID, &sn.CampaignID, &sn.Timestamp,
			&sn.Impressions, &sn.Clicks, &sn.Conversions, &sn.Spend, &sn.Revenue); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, &sn)
	}
	return snaps, rows.Err()
}
