package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/offerlab/traffic-optimizer/internal/models"
)

func variant(id string, clicks, conv int64) *models.TestVariant {
	return &models.TestVariant{ID: id, Clicks: clicks, Conversions: conv}
}

func TestCompareClearWinner(t *testing.T) {
	cmp := NewVariantComparer()

	// 1000 clicks each, 5% vs 8% conversion rate.
	res := cmp.Compare(variant("a", 1000, 50), variant("b", 1000, 80))

	assert.InDelta(t, 6.92, res.ChiSquare, 0.01)
	assert.Equal(t, float64(99), res.Confidence)
	assert.True(t, res.Significant)
	assert.Equal(t, "b", res.WinnerID)
	assert.InDelta(t, 60.0, res.Lift, 1e-9)
}

func TestCompareNoDifference(t *testing.T) {
	cmp := NewVariantComparer()

	res := cmp.Compare(variant("a", 1000, 50), variant("b", 1000, 50))

	assert.Zero(t, res.ChiSquare)
	assert.False(t, res.Significant)
	assert.Empty(t, res.WinnerID)
	assert.Zero(t, res.Lift)
}

func TestCompareInsufficientClicks(t *testing.T) {
	cmp := NewVariantComparer()

	res := cmp.Compare(variant("a", 50, 5), variant("b", 1000, 80))
	assert.Zero(t, res.Confidence)
	assert.False(t, res.Significant)
	assert.Contains(t, res.Recommendation, "insufficient data")
}

func TestCompareLiftIsRelativeToControl(t *testing.T) {
	cmp := NewVariantComparer()

	// Control converts better: lift against it must be negative.
	res := cmp.Compare(variant("a", 1000, 80), variant("b", 1000, 50))
	assert.True(t, res.Significant)
	assert.Equal(t, "a", res.WinnerID)
	assert.InDelta(t, -37.5, res.Lift, 1e-9)
}

func TestConfidenceLadder(t *testing.T) {
	assert.Equal(t, float64(99), confidenceFor(6.635))
	assert.Equal(t, float64(95), confidenceFor(3.841))
	assert.Equal(t, float64(90), confidenceFor(2.706))
	assert.Equal(t, float64(80), confidenceFor(1.642))
	assert.InDelta(t, 24.73, confidenceFor(1.0), 0.01)
	assert.Zero(t, confidenceFor(0))
}

func TestConfidenceMonotone(t *testing.T) {
	prev := 0.0
	for chi := 0.0; chi <= 8.0; chi += 0.05 {
		conf := confidenceFor(chi)
		assert.GreaterOrEqual(t, conf, prev, "chi=%f", chi)
		prev = conf
	}
}

func TestMinimumSampleSize(t *testing.T) {
	cmp := NewVariantComparer()

	// 16 * 0.05 * 0.95 / 0.04 = 19
	assert.Equal(t, int64(19), cmp.MinimumSampleSize(0.05, 0.2))
	assert.Zero(t, cmp.MinimumSampleSize(0, 0.2))
	assert.Zero(t, cmp.MinimumSampleSize(0.05, 0))
}

func TestHasEnoughData(t *testing.T) {
	cmp := NewVariantComparer()

	assert.True(t, cmp.HasEnoughData(variant("a", 100, 5), variant("b", 100, 5)))
	assert.False(t, cmp.HasEnoughData(variant("a", 99, 5), variant("b", 100, 5)))
	assert.False(t, cmp.HasEnoughData(variant("a", 200, 4), variant("b", 200, 5)))
}

func TestShouldContinueTest(t *testing.T) {
	cmp := NewVariantComparer()

	// Significant result ends the test immediately.
	assert.False(t, cmp.ShouldContinueTest(variant("a", 1000, 50), variant("b", 1000, 80), 1))

	// Healthy but not significant: keep going.
	assert.True(t, cmp.ShouldContinueTest(variant("a", 500, 25), variant("b", 500, 27), 5))

	// Max duration reached.
	assert.False(t, cmp.ShouldContinueTest(variant("a", 500, 25), variant("b", 500, 27), 14))

	// Starved of data for a week: give up.
	assert.False(t, cmp.ShouldContinueTest(variant("a", 20, 1), variant("b", 20, 1), 7))

	// Starved but still young: keep going.
	assert.True(t, cmp.ShouldContinueTest(variant("a", 20, 1), variant("b", 20, 1), 3))
}
