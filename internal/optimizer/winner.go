package optimizer

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/models"
)

// Test health classifications reported by GetTestHealth.
const (
	TestHealthReady         = "ready-for-decision"
	TestHealthHealthy       = "healthy"
	TestHealthNeedsMoreData = "needs-more-data"
	TestHealthInconclusive  = "inconclusive"
)

// defaultDailyTraffic is the assumed clicks/day for time-to-significance
// estimates, split evenly across arms.
const defaultDailyTraffic = 100

// WinnerDetection is one significant result found during a sweep.
type WinnerDetection struct {
	TestID          string  `json:"test_id"`
	TestName        string  `json:"test_name"`
	WinnerVariantID string  `json:"winner_variant_id"`
	Confidence      float64 `json:"confidence"`
	Lift            float64 `json:"lift"`
	Recommendation  string  `json:"recommendation"`
}

// TestHealth is the diagnostic view of one running test.
type TestHealth struct {
	TestID             string  `json:"test_id"`
	Status             string  `json:"status"`
	Confidence         float64 `json:"confidence"`
	DaysRunning        int     `json:"days_running"`
	DaysToSignificance int     `json:"days_to_significance,omitempty"`
}

// WinnerDetector sweeps running experiments for statistically
// significant outcomes. Only two-arm tests are supported; tests with a
// different variant count are skipped with a warning rather than
// failing the sweep.
type WinnerDetector struct {
	engine       *ABTestEngine
	comparer     *VariantComparer
	dailyTraffic int64
	logger       *zap.Logger
}

// WinnerOption configures a WinnerDetector.
type WinnerOption func(*WinnerDetector)

// WithDailyTraffic overrides the assumed clicks/day used by the
// days-to-significance estimate. Non-positive values keep the default.
func WithDailyTraffic(clicksPerDay int64) WinnerOption {
	return func(d *WinnerDetector) {
		if clicksPerDay > 0 {
			d.dailyTraffic = clicksPerDay
		}
	}
}

func NewWinnerDetector(engine *ABTestEngine, comparer *VariantComparer, logger *zap.Logger, opts ...WinnerOption) *WinnerDetector {
	d := &WinnerDetector{
		engine:       engine,
		comparer:     comparer,
		dailyTraffic: defaultDailyTraffic,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectWinners compares both arms of every running test and returns a
// detection for each significant result.
func (d *WinnerDetector) DetectWinners(ctx context.Context) ([]WinnerDetection, error) {
	tests, err := d.engine.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list running tests: %w", err)
	}

	var detections []WinnerDetection
	for _, test := range tests {
		if len(test.Variants) != 2 {
			d.logger.Warn("skipping test with unsupported variant count",
				zap.String("test_id", test.ID),
				zap.Int("variants", len(test.Variants)))
			continue
		}
		res := d.comparer.Compare(&test.Variants[0], &test.Variants[1])
		if !res.Significant {
			continue
		}
		detections = append(detections, WinnerDetection{
			TestID:          test.ID,
			TestName:        test.Name,
			WinnerVariantID: res.WinnerID,
			Confidence:      res.Confidence,
			Lift:            res.Lift,
			Recommendation:  res.Recommendation,
		})
	}
	return detections, nil
}

// AutoPromoteWinners runs a detection sweep and, when autoComplete is
// set, completes each test with its winner. One failed completion does
// not stop the rest of the batch.
func (d *WinnerDetector) AutoPromoteWinners(ctx context.Context, autoComplete bool) ([]WinnerDetection, []error) {
	detections, err := d.DetectWinners(ctx)
	if err != nil {
		return nil, []error{err}
	}
	if !autoComplete {
		return detections, nil
	}

	var errs []error
	for _, det := range detections {
		if _, err := d.engine.CompleteTest(ctx, det.TestID, det.WinnerVariantID); err != nil {
			errs = append(errs, fmt.Errorf("test %s: %w", det.TestID, err))
			continue
		}
		d.logger.Info("winner promoted",
			zap.String("test_id", det.TestID),
			zap.String("winner_variant_id", det.WinnerVariantID),
			zap.Float64("confidence", det.Confidence))
	}
	return detections, errs
}

// GetTestHealth classifies one test and, when more data is needed,
// estimates how many days of traffic remain until significance.
func (d *WinnerDetector) GetTestHealth(ctx context.Context, testID string) (*TestHealth, error) {
	test, err := d.engine.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	health := &TestHealth{TestID: test.ID}
	if test.StartedAt != nil {
		health.DaysRunning = int(time.Since(*test.StartedAt).Hours() / 24)
	}

	if len(test.Variants) != 2 {
		health.Status = TestHealthInconclusive
		return health, nil
	}

	a, b := &test.Variants[0], &test.Variants[1]
	res := d.comparer.Compare(a, b)
	health.Confidence = res.Confidence

	switch {
	case res.Significant:
		health.Status = TestHealthReady
	case d.comparer.HasEnoughData(a, b):
		health.Status = TestHealthHealthy
	default:
		health.Status = TestHealthNeedsMoreData
		health.DaysToSignificance = d.daysToSignificance(a, b)
	}
	return health, nil
}

// daysToSignificance estimates the days until both arms reach the
// minimum sample size, assuming the configured daily traffic split
// evenly across the two arms.
func (d *WinnerDetector) daysToSignificance(a, b *models.TestVariant) int {
	perArmPerDay := float64(d.dailyTraffic) / 2
	if perArmPerDay <= 0 {
		return 0
	}

	baseline := 0.05
	if a.Clicks+b.Clicks > 0 {
		if pooled := float64(a.Conversions+b.Conversions) / float64(a.Clicks+b.Clicks); pooled > 0 {
			baseline = pooled
		}
	}

	need := d.comparer.MinimumSampleSize(baseline, defaultDetectableMDE)
	if need < minClicksPerArm {
		need = minClicksPerArm
	}
	missing := need - min64(a.Clicks, b.Clicks)
	if missing <= 0 {
		return 0
	}
	return int(math.Ceil(float64(missing) / perArmPerDay))
}

// PauseInconclusiveTests pauses every running test older than maxDays
// that is not ready for a decision. maxDays <= 0 uses the 14 day
// default. Returns the IDs of paused tests.
func (d *WinnerDetector) PauseInconclusiveTests(ctx context.Context, maxDays int) ([]string, []error) {
	if maxDays <= 0 {
		maxDays = defaultMaxTestDays
	}

	tests, err := d.engine.ListRunning(ctx)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to list running tests: %w", err)}
	}

	var paused []string
	var errs []error
	for _, test := range tests {
		if test.StartedAt == nil || time.Since(*test.StartedAt).Hours()/24 < float64(maxDays) {
			continue
		}
		health, err := d.GetTestHealth(ctx, test.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("test %s: %w", test.ID, err))
			continue
		}
		if health.Status == TestHealthReady {
			continue
		}
		if _, err := d.engine.PauseTest(ctx, test.ID); err != nil {
			errs = append(errs, fmt.Errorf("test %s: %w", test.ID, err))
			continue
		}
		d.logger.Info("paused inconclusive test",
			zap.String("test_id", test.ID),
			zap.String("health", health.Status),
			zap.Int("days_running", health.DaysRunning))
		paused = append(paused, test.ID)
	}
	return paused, errs
}
