package optimizer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/models"
	"github.com/offerlab/traffic-optimizer/internal/storage"
)

// ABTestEngine owns the experiment lifecycle: draft -> running ->
// completed. Pausing reverts a test to draft; there is no separate
// paused state.
type ABTestEngine struct {
	tests  storage.ABTestRepo
	logger *zap.Logger
}

func NewABTestEngine(tests storage.ABTestRepo, logger *zap.Logger) *ABTestEngine {
	return &ABTestEngine{tests: tests, logger: logger}
}

// CreateTestInput carries the caller-provided fields for a new test.
type CreateTestInput struct {
	Name         string `json:"name"`
	Hypothesis   string `json:"hypothesis"`
	Element      string `json:"element"`
	TrafficSplit int    `json:"traffic_split"`
}

func (e *ABTestEngine) CreateTest(ctx context.Context, in CreateTestInput) (*models.ABTest, error) {
	now := time.Now()
	test := &models.ABTest{
		ID:           uuid.New().String(),
		Name:         in.Name,
		Hypothesis:   in.Hypothesis,
		Element:      in.Element,
		Status:       models.TestStatusDraft,
		TrafficSplit: in.TrafficSplit,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if test.TrafficSplit == 0 {
		test.TrafficSplit = 100
	}
	if err := test.Validate(); err != nil {
		return nil, fmt.Errorf("invalid test: %w", err)
	}
	if err := e.tests.Create(ctx, test); err != nil {
		return nil, fmt.Errorf("failed to create test: %w", err)
	}
	e.logger.Info("test created",
		zap.String("test_id", test.ID),
		zap.String("element", test.Element))
	return test, nil
}

// AddVariant attaches a new arm to a draft test. The first variant of a
// test is marked as the control unless the caller already flagged one.
func (e *ABTestEngine) AddVariant(ctx context.Context, testID, name, content string) (*models.TestVariant, error) {
	test, err := e.getTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.Status != models.TestStatusDraft {
		return nil, fmt.Errorf("test %s is %s: %w", testID, test.Status, ErrInvalidState)
	}

	now := time.Now()
	v := &models.TestVariant{
		ID:        uuid.New().String(),
		TestID:    testID,
		Name:      name,
		Content:   content,
		IsControl: len(test.Variants) == 0,
		Revenue:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.tests.AddVariant(ctx, v); err != nil {
		return nil, fmt.Errorf("failed to add variant: %w", err)
	}
	return v, nil
}

// StartTest moves a draft test with at least two variants to running.
func (e *ABTestEngine) StartTest(ctx context.Context, testID string) (*models.ABTest, error) {
	test, err := e.getTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.Status != models.TestStatusDraft {
		return nil, fmt.Errorf("test %s is %s, not draft: %w", testID, test.Status, ErrInvalidState)
	}
	if len(test.Variants) < 2 {
		return nil, fmt.Errorf("test %s has %d variants, need at least 2: %w", testID, len(test.Variants), ErrInvalidState)
	}

	now := time.Now()
	test.Status = models.TestStatusRunning
	test.StartedAt = &now
	test.UpdatedAt = now
	if err := e.tests.Update(ctx, test); err != nil {
		return nil, fmt.Errorf("failed to start test: %w", err)
	}
	e.logger.Info("test started",
		zap.String("test_id", testID),
		zap.Int("variants", len(test.Variants)))
	return test, nil
}

// PauseTest reverts a running test to draft.
func (e *ABTestEngine) PauseTest(ctx context.Context, testID string) (*models.ABTest, error) {
	test, err := e.getTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.Status != models.TestStatusRunning {
		return nil, fmt.Errorf("test %s is %s, not running: %w", testID, test.Status, ErrInvalidState)
	}
	test.Status = models.TestStatusDraft
	test.UpdatedAt = time.Now()
	if err := e.tests.Update(ctx, test); err != nil {
		return nil, fmt.Errorf("failed to pause test: %w", err)
	}
	return test, nil
}

// CompleteTest finishes a running test, optionally recording a winner.
func (e *ABTestEngine) CompleteTest(ctx context.Context, testID, winnerVariantID string) (*models.ABTest, error) {
	test, err := e.getTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.Status == models.TestStatusCompleted {
		return nil, fmt.Errorf("test %s is already completed: %w", testID, ErrInvalidState)
	}
	if winnerVariantID != "" && test.Variant(winnerVariantID) == nil {
		return nil, fmt.Errorf("variant %s: %w", winnerVariantID, ErrNotFound)
	}

	now := time.Now()
	test.Status = models.TestStatusCompleted
	test.CompletedAt = &now
	test.WinnerVariantID = winnerVariantID
	test.UpdatedAt = now
	if err := e.tests.Update(ctx, test); err != nil {
		return nil, fmt.Errorf("failed to complete test: %w", err)
	}
	e.logger.Info("test completed",
		zap.String("test_id", testID),
		zap.String("winner_variant_id", winnerVariantID))
	return test, nil
}

func (e *ABTestEngine) DeleteTest(ctx context.Context, testID string) error {
	if _, err := e.getTest(ctx, testID); err != nil {
		return err
	}
	return e.tests.Delete(ctx, testID)
}

func (e *ABTestEngine) GetTest(ctx context.Context, testID string) (*models.ABTest, error) {
	return e.getTest(ctx, testID)
}

func (e *ABTestEngine) ListRunning(ctx context.Context) ([]*models.ABTest, error) {
	return e.tests.ListByStatus(ctx, models.TestStatusRunning)
}

// RecordImpression, RecordClick and RecordConversion increment the
// variant counters atomically at the storage boundary; the repo
// recomputes CTR/CVR as part of the same write.

func (e *ABTestEngine) RecordImpression(ctx context.Context, variantID string) (*models.TestVariant, error) {
	return e.increment(ctx, variantID, 1, 0, 0, decimal.Zero)
}

func (e *ABTestEngine) RecordClick(ctx context.Context, variantID string) (*models.TestVariant, error) {
	return e.increment(ctx, variantID, 0, 1, 0, decimal.Zero)
}

func (e *ABTestEngine) RecordConversion(ctx context.Context, variantID string, revenue decimal.Decimal) (*models.TestVariant, error) {
	return e.increment(ctx, variantID, 0, 0, 1, revenue)
}

func (e *ABTestEngine) increment(ctx context.Context, variantID string, imp, clicks, conv int64, revenue decimal.Decimal) (*models.TestVariant, error) {
	v, err := e.tests.IncrementVariant(ctx, variantID, imp, clicks, conv, revenue)
	if err != nil {
		return nil, fmt.Errorf("failed to increment variant %s: %w", variantID, err)
	}
	if v == nil {
		return nil, fmt.Errorf("variant %s: %w", variantID, ErrNotFound)
	}
	return v, nil
}

// VariantPerformance is the reporting view of one arm.
type VariantPerformance struct {
	VariantID   string          `json:"variant_id"`
	Name        string          `json:"name"`
	IsControl   bool            `json:"is_control"`
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
	Conversions int64           `json:"conversions"`
	Revenue     decimal.Decimal `json:"revenue"`
	CTR         float64         `json:"ctr"`
	CVR         float64         `json:"cvr"`
	EPC         float64         `json:"epc"`
}

// GetTestPerformance returns the per-variant reporting rows for a test.
func (e *ABTestEngine) GetTestPerformance(ctx context.Context, testID string) ([]VariantPerformance, error) {
	test, err := e.getTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	perf := make([]VariantPerformance, 0, len(test.Variants))
	for i := range test.Variants {
		v := &test.Variants[i]
		p := VariantPerformance{
			VariantID:   v.ID,
			Name:        v.Name,
			IsControl:   v.IsControl,
			Impressions: v.Impressions,
			Clicks:      v.Clicks,
			Conversions: v.Conversions,
			Revenue:     v.Revenue,
			CTR:         v.CTR,
			CVR:         v.CVR,
		}
		if v.Clicks > 0 {
			p.EPC = v.Revenue.InexactFloat64() / float64(v.Clicks)
		}
		perf = append(perf, p)
	}
	return perf, nil
}

func (e *ABTestEngine) getTest(ctx context.Context, testID string) (*models.ABTest, error) {
	test, err := e.tests.GetByID(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to load test %s: %w", testID, err)
	}
	if test == nil {
		return nil, fmt.Errorf("test %s: %w", testID, ErrNotFound)
	}
	return test, nil
}
