package optimizer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/models"
	"github.com/offerlab/traffic-optimizer/internal/storage"
)

const (
	qualityWindow = 10

	// Sub-score weights for the overall quality score.
	weightConversionRate = 0.4
	weightBounceRate     = 0.2
	weightTimeOnPage     = 0.2
	weightFraud          = 0.1
	weightIPReputation   = 0.1

	blacklistQualityBelow = 40
	blacklistFraudAbove   = 70

	// Landing-page time is not tracked per click yet, so scoring uses a
	// fixed healthy default. TODO: feed real time-on-page once the
	// tracking pixel reports it.
	defaultTimeOnPage = 120.0

	// Fixed IP reputation used in the connection-level score; per-click
	// reputation lives in the fraud detector.
	defaultIPReputation = 80.0
)

// QualityReport is the result of scoring one connection.
type QualityReport struct {
	ConnectionID   string  `json:"connection_id"`
	QualityScore   int     `json:"quality_score"`
	ConversionRate float64 `json:"conversion_rate"`
	BounceRate     float64 `json:"bounce_rate"`
	AvgTimeOnPage  float64 `json:"avg_time_on_page"`
	FraudScore     int     `json:"fraud_score"`
	IsBlacklisted  bool    `json:"is_blacklisted"`
}

// TrafficQualityScorer grades traffic connections daily on conversion
// behavior, bounce patterns and fraud signatures. Each run upserts the
// connection's row for the current day, so re-scoring is idempotent.
type TrafficQualityScorer struct {
	connections storage.ConnectionRepo
	scores      storage.QualityScoreRepo
	aggregator  *MetricsAggregator
	logger      *zap.Logger
}

func NewTrafficQualityScorer(connections storage.ConnectionRepo, scores storage.QualityScoreRepo, aggregator *MetricsAggregator, logger *zap.Logger) *TrafficQualityScorer {
	return &TrafficQualityScorer{
		connections: connections,
		scores:      scores,
		aggregator:  aggregator,
		logger:      logger,
	}
}

// ScoreConnection grades one connection from its recent snapshots and
// persists the day's quality row.
func (s *TrafficQualityScorer) ScoreConnection(ctx context.Context, connectionID string) (*QualityReport, error) {
	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %s: %w", connectionID, err)
	}
	if conn == nil {
		return nil, fmt.Errorf("connection %s: %w", connectionID, ErrNotFound)
	}

	agg, err := s.aggregator.ConnectionAggregate(ctx, conn, qualityWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate connection %s: %w", connectionID, err)
	}

	report := scoreAggregate(connectionID, agg)
	if err := s.persist(ctx, report); err != nil {
		return nil, err
	}

	s.logger.Info("connection scored",
		zap.String("connection_id", connectionID),
		zap.Int("quality_score", report.QualityScore),
		zap.Int("fraud_score", report.FraudScore),
		zap.Bool("blacklisted", report.IsBlacklisted))
	return report, nil
}

// ScoreAllActive scores every active connection, collecting per-item
// errors instead of aborting the sweep.
func (s *TrafficQualityScorer) ScoreAllActive(ctx context.Context) ([]*QualityReport, []error) {
	conns, err := s.connections.ListActive(ctx)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to list connections: %w", err)}
	}

	var reports []*QualityReport
	var errs []error
	for _, conn := range conns {
		report, err := s.ScoreConnection(ctx, conn.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", conn.ID, err))
			continue
		}
		reports = append(reports, report)
	}
	return reports, errs
}

// Blacklist flags the connection's current-day row without re-scoring.
func (s *TrafficQualityScorer) Blacklist(ctx context.Context, connectionID string) error {
	return s.setBlacklisted(ctx, connectionID, true)
}

// Unblacklist clears the flag on the connection's current-day row.
func (s *TrafficQualityScorer) Unblacklist(ctx context.Context, connectionID string) error {
	return s.setBlacklisted(ctx, connectionID, false)
}

func (s *TrafficQualityScorer) setBlacklisted(ctx context.Context, connectionID string, blacklisted bool) error {
	day := dayOf(time.Now())
	row, err := s.scores.GetByDay(ctx, connectionID, day)
	if err != nil {
		return fmt.Errorf("failed to load quality row: %w", err)
	}
	if row == nil {
		row = &models.TrafficQualityScore{
			ID:           uuid.New().String(),
			ConnectionID: connectionID,
			Date:         day,
			CreatedAt:    time.Now().UTC(),
		}
	}
	row.IsBlacklisted = blacklisted
	row.UpdatedAt = time.Now().UTC()
	if err := s.scores.UpsertDaily(ctx, row); err != nil {
		return fmt.Errorf("failed to upsert quality row: %w", err)
	}
	s.logger.Info("blacklist flag updated",
		zap.String("connection_id", connectionID),
		zap.Bool("blacklisted", blacklisted))
	return nil
}

func (s *TrafficQualityScorer) persist(ctx context.Context, report *QualityReport) error {
	now := time.Now().UTC()
	row := &models.TrafficQualityScore{
		ID:             uuid.New().String(),
		ConnectionID:   report.ConnectionID,
		Date:           dayOf(now),
		QualityScore:   report.QualityScore,
		ConversionRate: report.ConversionRate,
		BounceRate:     report.BounceRate,
		AvgTimeOnPage:  report.AvgTimeOnPage,
		FraudScore:     report.FraudScore,
		IsBlacklisted:  report.IsBlacklisted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.scores.UpsertDaily(ctx, row); err != nil {
		return fmt.Errorf("failed to upsert quality row: %w", err)
	}
	return nil
}

// scoreAggregate computes the full report from a snapshot aggregate.
func scoreAggregate(connectionID string, agg Aggregate) *QualityReport {
	cvr := agg.CVR

	// Bounce rate is not tracked directly; estimate it from the share
	// of clicks that never converted.
	bounceRate := 0.0
	if agg.Clicks > 0 {
		nonConverting := float64(agg.Clicks-agg.Conversions) / float64(agg.Clicks)
		bounceRate = nonConverting * 0.7 * 100
	}
	timeOnPage := defaultTimeOnPage

	fraud := fraudSignatureScore(agg, bounceRate, timeOnPage)

	quality := weightConversionRate*conversionRateScore(cvr) +
		weightBounceRate*bounceRateScore(bounceRate) +
		weightTimeOnPage*timeOnPageScore(timeOnPage) +
		weightFraud*(100-float64(fraud)) +
		weightIPReputation*defaultIPReputation

	score := int(math.Round(quality))
	return &QualityReport{
		ConnectionID:   connectionID,
		QualityScore:   score,
		ConversionRate: cvr,
		BounceRate:     bounceRate,
		AvgTimeOnPage:  timeOnPage,
		FraudScore:     fraud,
		IsBlacklisted:  score < blacklistQualityBelow || fraud > blacklistFraudAbove,
	}
}

// conversionRateScore is piecewise linear over CVR% with anchors
// 0->0, 1->50, 2->75, 5->100.
func conversionRateScore(cvr float64) float64 {
	switch {
	case cvr >= 5:
		return 100
	case cvr >= 2:
		return 75 + (cvr-2)/3*25
	case cvr >= 1:
		return 50 + (cvr-1)*25
	case cvr > 0:
		return cvr * 50
	default:
		return 0
	}
}

// bounceRateScore is 100 up to 30% bounce, decaying linearly to 0 at 90%.
func bounceRateScore(bounce float64) float64 {
	switch {
	case bounce <= 30:
		return 100
	case bounce >= 90:
		return 0
	default:
		return (90 - bounce) / 60 * 100
	}
}

// timeOnPageScore runs from 0 at 10s to 100 at 120s.
func timeOnPageScore(seconds float64) float64 {
	switch {
	case seconds <= 10:
		return 0
	case seconds >= 120:
		return 100
	default:
		return (seconds - 10) / 110 * 100
	}
}

// fraudSignatureScore adds a penalty per matched signature, capped at 100.
func fraudSignatureScore(agg Aggregate, bounceRate, timeOnPage float64) int {
	score := 0
	if agg.CTR > 5 && agg.Conversions == 0 && agg.Clicks > 100 {
		score += 30 // high CTR that never converts
	}
	if timeOnPage < 10 {
		score += 40 // bot-speed sessions
	}
	if bounceRate > 90 && agg.Conversions == 0 {
		score += 20
	}
	if agg.CVR > 10 {
		score += 10 // too good to be true
	}
	if score > 100 {
		score = 100
	}
	return score
}

// dayOf truncates to the UTC calendar day.
func dayOf(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
