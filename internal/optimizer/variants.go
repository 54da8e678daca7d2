package optimizer

import (
	"fmt"
	"math"

	"github.com/offerlab/traffic-optimizer/internal/models"
)

const (
	// minClicksPerArm gates the significance test; below this a
	// comparison always comes back as insufficient data.
	minClicksPerArm = 100

	// minCombinedConversions is the second half of the enough-data
	// check used when deciding whether a test may still be called.
	minCombinedConversions = 10

	defaultMaxTestDays   = 14
	defaultMinTestDays   = 7
	defaultDetectableMDE = 0.2
)

// VariantComparer runs the two-arm chi-square significance test used
// for A/B winner calls. Confidence is reported on a fixed critical
// value ladder rather than an exact p-value.
type VariantComparer struct{}

func NewVariantComparer() *VariantComparer {
	return &VariantComparer{}
}

// ComparisonResult is the outcome of testing variant B against the
// control arm A on conversion rate.
type ComparisonResult struct {
	ChiSquare      float64 `json:"chi_square"`
	Confidence     float64 `json:"confidence"`
	Significant    bool    `json:"significant"`
	WinnerID       string  `json:"winner_id,omitempty"`
	Lift           float64 `json:"lift"` // cvrB vs cvrA, percent
	SamplesNeeded  int64   `json:"samples_needed,omitempty"`
	Recommendation string  `json:"recommendation"`
}

// Compare tests whether B converts differently from A. When either arm
// has fewer than minClicksPerArm clicks the result carries confidence 0
// and a collect-more-data recommendation instead of an error.
func (c *VariantComparer) Compare(a, b *models.TestVariant) *ComparisonResult {
	if a.Clicks < minClicksPerArm || b.Clicks < minClicksPerArm {
		return &ComparisonResult{
			Recommendation: "insufficient data, keep collecting clicks",
		}
	}

	chi := chiSquare(a.Clicks, a.Conversions, b.Clicks, b.Conversions)
	conf := confidenceFor(chi)

	res := &ComparisonResult{
		ChiSquare:   chi,
		Confidence:  conf,
		Significant: conf >= 95,
	}

	cvrA := float64(a.Conversions) / float64(a.Clicks)
	cvrB := float64(b.Conversions) / float64(b.Clicks)
	if cvrA > 0 {
		res.Lift = (cvrB - cvrA) / cvrA * 100
	}

	if res.Significant {
		winner := a
		if cvrB > cvrA {
			winner = b
		}
		res.WinnerID = winner.ID
		res.Recommendation = fmt.Sprintf("promote variant %s (%.0f%% confidence)", winner.ID, conf)
		return res
	}

	pooled := float64(a.Conversions+b.Conversions) / float64(a.Clicks+b.Clicks)
	if need := c.MinimumSampleSize(pooled, defaultDetectableMDE); need > 0 {
		have := min64(a.Clicks, b.Clicks)
		if need > have {
			res.SamplesNeeded = need - have
		}
	}
	res.Recommendation = "no significant difference yet"
	return res
}

// chiSquare compares observed conversions per arm against the counts
// expected from the pooled conversion rate.
func chiSquare(clicksA, convA, clicksB, convB int64) float64 {
	total := float64(clicksA + clicksB)
	if total == 0 {
		return 0
	}
	pooled := float64(convA+convB) / total

	expA := float64(clicksA) * pooled
	expB := float64(clicksB) * pooled
	if expA == 0 || expB == 0 {
		return 0
	}

	chi := math.Pow(float64(convA)-expA, 2) / expA
	chi += math.Pow(float64(convB)-expB, 2) / expB
	return chi
}

// confidenceFor maps the chi-square statistic onto the 1-df critical
// value ladder. Below the 80% rung it degrades linearly, capped at 79.
func confidenceFor(chi float64) float64 {
	switch {
	case chi >= 6.635:
		return 99
	case chi >= 3.841:
		return 95
	case chi >= 2.706:
		return 90
	case chi >= 1.642:
		return 80
	default:
		return math.Min(79, chi/3.841*95)
	}
}

// MinimumSampleSize estimates the per-arm clicks needed to detect the
// given relative effect at the baseline conversion rate (fractions,
// e.g. 0.05 baseline, 0.2 minimum detectable effect).
func (c *VariantComparer) MinimumSampleSize(baselineRate, mde float64) int64 {
	if baselineRate <= 0 || mde <= 0 {
		return 0
	}
	n := 16 * baselineRate * (1 - baselineRate) / (mde * mde)
	return int64(math.Ceil(n))
}

// HasEnoughData reports whether both arms cleared the click floor and
// the combined conversion count supports a call either way.
func (c *VariantComparer) HasEnoughData(a, b *models.TestVariant) bool {
	return a.Clicks >= minClicksPerArm &&
		b.Clicks >= minClicksPerArm &&
		a.Conversions+b.Conversions >= minCombinedConversions
}

// ShouldContinueTest reports whether a running test of the given age
// still needs data. A test stops once significant, once it hits the
// maximum duration, or once a week has passed without reaching the
// data floor.
func (c *VariantComparer) ShouldContinueTest(a, b *models.TestVariant, daysRunning int) bool {
	if res := c.Compare(a, b); res.Significant {
		return false
	}
	if daysRunning >= defaultMaxTestDays {
		return false
	}
	if !c.HasEnoughData(a, b) && daysRunning >= defaultMinTestDays {
		return false
	}
	return true
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
