package optimizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/offerlab/traffic-optimizer/internal/storage"
)

// SpendTracker keeps live intraday spend counters per campaign. The
// authoritative spend history lives in metric snapshots; the tracker
// only answers "how much has been spent so far today".
type SpendTracker interface {
	RecordSpend(ctx context.Context, campaignID string, amount decimal.Decimal, at time.Time) error
	TodaySpend(ctx context.Context, campaignID string, now time.Time) (decimal.Decimal, error)
}

const spendKeyTTL = 48 * time.Hour

// RedisSpendTracker keeps one counter key per campaign per day.
type RedisSpendTracker struct {
	client *redis.Client
	prefix string
}

func NewRedisSpendTracker(client *redis.Client) *RedisSpendTracker {
	return &RedisSpendTracker{client: client, prefix: "spend"}
}

func (t *RedisSpendTracker) dayKey(campaignID string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s", t.prefix, campaignID, at.UTC().Format("2006-01-02"))
}

func (t *RedisSpendTracker) RecordSpend(ctx context.Context, campaignID string, amount decimal.Decimal, at time.Time) error {
	key := t.dayKey(campaignID, at)
	pipe := t.client.TxPipeline()
	pipe.IncrByFloat(ctx, key, amount.InexactFloat64())
	pipe.Expire(ctx, key, spendKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record spend for %s: %w", campaignID, err)
	}
	return nil
}

func (t *RedisSpendTracker) TodaySpend(ctx context.Context, campaignID string, now time.Time) (decimal.Decimal, error) {
	val, err := t.client.Get(ctx, t.dayKey(campaignID, now)).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read spend for %s: %w", campaignID, err)
	}
	spend, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt spend counter for %s: %w", campaignID, err)
	}
	return spend, nil
}

// SnapshotSpendTracker answers TodaySpend by summing the calendar day's
// snapshots. It is the Redis-free fallback: spend reaches the snapshot
// store through ingestion, so RecordSpend is a no-op rather than a
// second write of the same amount.
type SnapshotSpendTracker struct {
	snapshots storage.SnapshotStore
}

func NewSnapshotSpendTracker(snapshots storage.SnapshotStore) *SnapshotSpendTracker {
	return &SnapshotSpendTracker{snapshots: snapshots}
}

func (t *SnapshotSpendTracker) RecordSpend(ctx context.Context, campaignID string, amount decimal.Decimal, at time.Time) error {
	return nil
}

func (t *SnapshotSpendTracker) TodaySpend(ctx context.Context, campaignID string, now time.Time) (decimal.Decimal, error) {
	day := dayOf(now)
	snaps, err := t.snapshots.Range(ctx, campaignID, day, day.Add(24*time.Hour-time.Nanosecond))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read snapshots for %s: %w", campaignID, err)
	}
	total := decimal.Zero
	for _, snap := range snaps {
		total = total.Add(snap.Spend)
	}
	return total, nil
}

// InMemorySpendTracker is the counter-backed test fixture.
type InMemorySpendTracker struct {
	mu     sync.RWMutex
	totals map[string]decimal.Decimal // campaignID|day -> spend
}

func NewInMemorySpendTracker() *InMemorySpendTracker {
	return &InMemorySpendTracker{totals: make(map[string]decimal.Decimal)}
}

func spendKey(campaignID string, at time.Time) string {
	return campaignID + "|" + at.UTC().Format("2006-01-02")
}

func (t *InMemorySpendTracker) RecordSpend(ctx context.Context, campaignID string, amount decimal.Decimal, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := spendKey(campaignID, at)
	t.totals[key] = t.totals[key].Add(amount)
	return nil
}

func (t *InMemorySpendTracker) TodaySpend(ctx context.Context, campaignID string, now time.Time) (decimal.Decimal, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totals[spendKey(campaignID, now)], nil
}
