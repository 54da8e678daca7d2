package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/models"
	"github.com/offerlab/traffic-optimizer/internal/storage"
)

func newDetector(t *testing.T) (*WinnerDetector, *ABTestEngine, *storage.InMemoryABTestRepo) {
	t.Helper()
	engine, repo := newTestEngine(t)
	return NewWinnerDetector(engine, NewVariantComparer(), zap.NewNop()), engine, repo
}

func seedVariantCounters(t *testing.T, repo *storage.InMemoryABTestRepo, variantID string, clicks, conversions int64) {
	t.Helper()
	_, err := repo.IncrementVariant(context.Background(), variantID, 0, clicks, conversions, decimal.Zero)
	require.NoError(t, err)
}

func TestDetectWinners(t *testing.T) {
	d, e, repo := newDetector(t)
	ctx := context.Background()

	test, a, b := startedTest(t, e)
	seedVariantCounters(t, repo, a.ID, 1000, 50)
	seedVariantCounters(t, repo, b.ID, 1000, 80)

	detections, err := d.DetectWinners(ctx)
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, test.ID, detections[0].TestID)
	assert.Equal(t, b.ID, detections[0].WinnerVariantID)
	assert.Equal(t, float64(99), detections[0].Confidence)
}

func TestDetectWinnersSkipsNonTwoArm(t *testing.T) {
	d, e, repo := newDetector(t)
	ctx := context.Background()

	test, a, _ := startedTest(t, e)
	_, err := e.PauseTest(ctx, test.ID)
	require.NoError(t, err)
	_, err = e.AddVariant(ctx, test.ID, "third", "z")
	require.NoError(t, err)
	_, err = e.StartTest(ctx, test.ID)
	require.NoError(t, err)

	seedVariantCounters(t, repo, a.ID, 1000, 80)

	detections, err := d.DetectWinners(ctx)
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestAutoPromoteWinners(t *testing.T) {
	d, e, repo := newDetector(t)
	ctx := context.Background()

	test, a, b := startedTest(t, e)
	seedVariantCounters(t, repo, a.ID, 1000, 50)
	seedVariantCounters(t, repo, b.ID, 1000, 80)

	detections, errs := d.AutoPromoteWinners(ctx, true)
	require.Empty(t, errs)
	require.Len(t, detections, 1)

	got, err := e.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TestStatusCompleted, got.Status)
	assert.Equal(t, b.ID, got.WinnerVariantID)
}

func TestGetTestHealth(t *testing.T) {
	d, e, repo := newDetector(t)
	ctx := context.Background()

	test, a, b := startedTest(t, e)

	health, err := d.GetTestHealth(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, TestHealthNeedsMoreData, health.Status)
	assert.Positive(t, health.DaysToSignificance)

	seedVariantCounters(t, repo, a.ID, 200, 10)
	seedVariantCounters(t, repo, b.ID, 200, 11)
	health, err = d.GetTestHealth(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, TestHealthHealthy, health.Status)

	seedVariantCounters(t, repo, b.ID, 800, 69)
	seedVariantCounters(t, repo, a.ID, 800, 40)
	health, err = d.GetTestHealth(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, TestHealthReady, health.Status)
}

func TestWithDailyTrafficSpeedsSignificanceEstimate(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	test, _, _ := startedTest(t, engine)

	slow := NewWinnerDetector(engine, NewVariantComparer(), zap.NewNop())
	fast := NewWinnerDetector(engine, NewVariantComparer(), zap.NewNop(), WithDailyTraffic(1000))

	hSlow, err := slow.GetTestHealth(ctx, test.ID)
	require.NoError(t, err)
	hFast, err := fast.GetTestHealth(ctx, test.ID)
	require.NoError(t, err)

	require.Positive(t, hSlow.DaysToSignificance)
	assert.Less(t, hFast.DaysToSignificance, hSlow.DaysToSignificance)

	// A non-positive override keeps the default rate.
	same := NewWinnerDetector(engine, NewVariantComparer(), zap.NewNop(), WithDailyTraffic(0))
	hSame, err := same.GetTestHealth(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, hSlow.DaysToSignificance, hSame.DaysToSignificance)
}

func TestPauseInconclusiveTests(t *testing.T) {
	d, e, repo := newDetector(t)
	ctx := context.Background()

	test, _, _ := startedTest(t, e)

	// Backdate the start past the cutoff.
	got, err := e.GetTest(ctx, test.ID)
	require.NoError(t, err)
	old := time.Now().Add(-15 * 24 * time.Hour)
	got.StartedAt = &old
	require.NoError(t, repo.Update(ctx, got))

	paused, errs := d.PauseInconclusiveTests(ctx, 14)
	require.Empty(t, errs)
	require.Len(t, paused, 1)
	assert.Equal(t, test.ID, paused[0])

	after, err := e.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TestStatusDraft, after.Status)
}
