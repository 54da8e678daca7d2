package optimizer

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/models"
	"github.com/offerlab/traffic-optimizer/internal/storage"
)

func newTestEngine(t *testing.T) (*ABTestEngine, *storage.InMemoryABTestRepo) {
	t.Helper()
	repo := storage.NewInMemoryABTestRepo()
	return NewABTestEngine(repo, zap.NewNop()), repo
}

func startedTest(t *testing.T, e *ABTestEngine) (*models.ABTest, *models.TestVariant, *models.TestVariant) {
	t.Helper()
	ctx := context.Background()

	test, err := e.CreateTest(ctx, CreateTestInput{Name: "headline test", Element: "headline"})
	require.NoError(t, err)

	a, err := e.AddVariant(ctx, test.ID, "control", "Buy now")
	require.NoError(t, err)
	b, err := e.AddVariant(ctx, test.ID, "challenger", "Try it free")
	require.NoError(t, err)

	test, err = e.StartTest(ctx, test.ID)
	require.NoError(t, err)
	return test, a, b
}

func TestCreateTestDefaults(t *testing.T) {
	e, _ := newTestEngine(t)

	test, err := e.CreateTest(context.Background(), CreateTestInput{Name: "t", Element: "cta"})
	require.NoError(t, err)
	assert.Equal(t, models.TestStatusDraft, test.Status)
	assert.Equal(t, 100, test.TrafficSplit)
	assert.NotEmpty(t, test.ID)
}

func TestFirstVariantIsControl(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	test, err := e.CreateTest(ctx, CreateTestInput{Name: "t", Element: "cta"})
	require.NoError(t, err)

	a, err := e.AddVariant(ctx, test.ID, "a", "x")
	require.NoError(t, err)
	b, err := e.AddVariant(ctx, test.ID, "b", "y")
	require.NoError(t, err)

	assert.True(t, a.IsControl)
	assert.False(t, b.IsControl)
}

func TestStartRequiresTwoVariants(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	test, err := e.CreateTest(ctx, CreateTestInput{Name: "t", Element: "cta"})
	require.NoError(t, err)
	_, err = e.AddVariant(ctx, test.ID, "only", "x")
	require.NoError(t, err)

	_, err = e.StartTest(ctx, test.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	test, a, _ := startedTest(t, e)
	assert.NotNil(t, test.StartedAt)

	// Pause goes back to draft, not to a paused state.
	test, err := e.PauseTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TestStatusDraft, test.Status)

	test, err = e.StartTest(ctx, test.ID)
	require.NoError(t, err)

	test, err = e.CompleteTest(ctx, test.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TestStatusCompleted, test.Status)
	assert.Equal(t, a.ID, test.WinnerVariantID)
	assert.NotNil(t, test.CompletedAt)

	// Completing twice is a state error.
	_, err = e.CompleteTest(ctx, test.ID, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCompleteUnknownWinner(t *testing.T) {
	e, _ := newTestEngine(t)

	test, _, _ := startedTest(t, e)
	_, err := e.CompleteTest(context.Background(), test.ID, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordEventsRecomputeRates(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, a, _ := startedTest(t, e)

	for i := 0; i < 100; i++ {
		_, err := e.RecordImpression(ctx, a.ID)
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		_, err := e.RecordClick(ctx, a.ID)
		require.NoError(t, err)
	}
	v, err := e.RecordConversion(ctx, a.ID, decimal.RequireFromString("25.50"))
	require.NoError(t, err)

	assert.Equal(t, int64(100), v.Impressions)
	assert.Equal(t, int64(10), v.Clicks)
	assert.Equal(t, int64(1), v.Conversions)
	assert.True(t, v.Revenue.Equal(decimal.RequireFromString("25.50")))
	assert.InDelta(t, 10.0, v.CTR, 1e-9)
	assert.InDelta(t, 10.0, v.CVR, 1e-9)
}

func TestRecordUnknownVariant(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.RecordClick(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetTestPerformance(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	test, a, _ := startedTest(t, e)
	for i := 0; i < 10; i++ {
		_, err := e.RecordClick(ctx, a.ID)
		require.NoError(t, err)
	}
	_, err := e.RecordConversion(ctx, a.ID, decimal.NewFromInt(40))
	require.NoError(t, err)

	perf, err := e.GetTestPerformance(ctx, test.ID)
	require.NoError(t, err)
	require.Len(t, perf, 2)

	var control VariantPerformance
	for _, p := range perf {
		if p.VariantID == a.ID {
			control = p
		}
	}
	assert.Equal(t, int64(10), control.Clicks)
	assert.InDelta(t, 4.0, control.EPC, 1e-9)
}

func TestGetTestNotFound(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.GetTest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
