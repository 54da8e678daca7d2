package optimizer

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/models"
	"github.com/offerlab/traffic-optimizer/internal/storage"
)

const (
	fraudWindow      = 20
	spikeWindow      = 5
	spikeMultiplier  = 3.0
	spikeMinAvgClick = 10

	fraudulentAt = 70
	safeBelow    = 50

	// Per-click risk points.
	riskBotUserAgent = 40
	riskFastBounce   = 30
	riskNoReferrer   = 10
	riskAnonymousIP  = 20
	highRiskAt       = 60
)

// Alert type names written to the fraud log and used as pause reasons.
const (
	FraudTypeBotTraffic            = "bot-traffic"
	FraudTypeClickFraud            = "click-fraud"
	FraudTypeSuspiciousConversions = "suspicious-conversions"
	FraudTypeTrafficSpike          = "traffic-spike"
)

var severityWeight = map[models.FraudSeverity]int{
	models.FraudSeverityLow:      15,
	models.FraudSeverityMedium:   30,
	models.FraudSeverityHigh:     60,
	models.FraudSeverityCritical: 90,
}

var botUserAgentPattern = regexp.MustCompile(`(?i)(bot|crawl|spider|scrape|curl|wget|python-requests|headless|phantomjs|selenium)`)

// ConnectionFraudReport is the result of a fraud sweep over one
// connection's active campaigns.
type ConnectionFraudReport struct {
	ConnectionID string               `json:"connection_id"`
	FraudScore   int                  `json:"fraud_score"`
	IsFraudulent bool                 `json:"is_fraudulent"`
	SafeToRun    bool                 `json:"safe_to_run"`
	Alerts       []*models.FraudAlert `json:"alerts"`
}

// FraudDetector scans campaign metrics for click-fraud signatures and
// keeps an append-only alert log. Detection never mutates campaigns;
// AutoPauseFraudulentCampaigns is the only write path into them.
type FraudDetector struct {
	connections storage.ConnectionRepo
	campaigns   storage.CampaignRepo
	alerts      storage.FraudAlertRepo
	aggregator  *MetricsAggregator
	reputation  IPReputationProvider
	logger      *zap.Logger
}

func NewFraudDetector(
	connections storage.ConnectionRepo,
	campaigns storage.CampaignRepo,
	alerts storage.FraudAlertRepo,
	aggregator *MetricsAggregator,
	reputation IPReputationProvider,
	logger *zap.Logger,
) *FraudDetector {
	return &FraudDetector{
		connections: connections,
		campaigns:   campaigns,
		alerts:      alerts,
		aggregator:  aggregator,
		reputation:  reputation,
		logger:      logger,
	}
}

// DetectConnection sweeps every active campaign under the connection,
// appends any raised alerts to the log, and scores the connection.
func (d *FraudDetector) DetectConnection(ctx context.Context, connectionID string) (*ConnectionFraudReport, error) {
	conn, err := d.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %s: %w", connectionID, err)
	}
	if conn == nil {
		return nil, fmt.Errorf("connection %s: %w", connectionID, ErrNotFound)
	}

	var alerts []*models.FraudAlert
	for _, camp := range conn.ActiveCampaigns() {
		snaps, err := d.aggregator.CampaignSnapshots(ctx, camp.ID, fraudWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshots for campaign %s: %w", camp.ID, err)
		}
		for _, alert := range campaignAlerts(connectionID, camp.ID, snaps) {
			if err := d.alerts.Append(ctx, alert); err != nil {
				return nil, fmt.Errorf("failed to append alert: %w", err)
			}
			d.logger.Warn("fraud alert raised",
				zap.String("campaign_id", camp.ID),
				zap.String("type", alert.Type),
				zap.String("severity", string(alert.Severity)),
				zap.Int("confidence", alert.Confidence))
			alerts = append(alerts, alert)
		}
	}

	score := connectionFraudScore(alerts)
	return &ConnectionFraudReport{
		ConnectionID: connectionID,
		FraudScore:   score,
		IsFraudulent: score >= fraudulentAt,
		SafeToRun:    score < safeBelow,
		Alerts:       alerts,
	}, nil
}

// DetectAll sweeps every active connection, collecting per-connection
// errors instead of aborting.
func (d *FraudDetector) DetectAll(ctx context.Context) ([]*ConnectionFraudReport, []error) {
	conns, err := d.connections.ListActive(ctx)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to list connections: %w", err)}
	}

	var reports []*ConnectionFraudReport
	var errs []error
	for _, conn := range conns {
		report, err := d.DetectConnection(ctx, conn.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", conn.ID, err))
			continue
		}
		reports = append(reports, report)
	}
	return reports, errs
}

// AutoPauseFraudulentCampaigns runs a sweep over the connection and
// pauses every campaign that raised a high or critical alert. Returns
// the IDs of paused campaigns.
func (d *FraudDetector) AutoPauseFraudulentCampaigns(ctx context.Context, connectionID string) ([]string, []error) {
	report, err := d.DetectConnection(ctx, connectionID)
	if err != nil {
		return nil, []error{err}
	}

	now := time.Now().UTC()
	pausedSet := make(map[string]bool)
	var paused []string
	var errs []error
	for _, alert := range report.Alerts {
		if alert.Severity != models.FraudSeverityHigh && alert.Severity != models.FraudSeverityCritical {
			continue
		}
		if pausedSet[alert.CampaignID] {
			continue
		}
		if err := d.campaigns.UpdateStatus(ctx, alert.CampaignID, models.CampaignStatusPaused, alert.Type, &now); err != nil {
			errs = append(errs, fmt.Errorf("campaign %s: %w", alert.CampaignID, err))
			continue
		}
		d.logger.Warn("campaign paused for fraud",
			zap.String("campaign_id", alert.CampaignID),
			zap.String("reason", alert.Type))
		pausedSet[alert.CampaignID] = true
		paused = append(paused, alert.CampaignID)
	}
	return paused, errs
}

// campaignAlerts evaluates all fraud signatures over one campaign's
// snapshot window.
func campaignAlerts(connectionID, campaignID string, snaps []*models.MetricSnapshot) []*models.FraudAlert {
	agg := Fold(snaps)
	now := time.Now().UTC()

	newAlert := func(typ string, sev models.FraudSeverity, confidence int, detail string) *models.FraudAlert {
		return &models.FraudAlert{
			ID:           uuid.New().String(),
			ConnectionID: connectionID,
			CampaignID:   campaignID,
			Type:         typ,
			Severity:     sev,
			Confidence:   confidence,
			Detail:       detail,
			CreatedAt:    now,
		}
	}

	var alerts []*models.FraudAlert
	if agg.CTR > 5 && agg.Conversions == 0 && agg.Clicks > 100 {
		alerts = append(alerts, newAlert(FraudTypeBotTraffic, models.FraudSeverityHigh, 85,
			fmt.Sprintf("ctr %.1f%% with %d clicks and zero conversions", agg.CTR, agg.Clicks)))
	}
	if agg.Clicks > 500 && agg.CPC < 0.01 && agg.Conversions == 0 {
		alerts = append(alerts, newAlert(FraudTypeClickFraud, models.FraudSeverityCritical, 90,
			fmt.Sprintf("%d clicks at $%.4f cpc and zero conversions", agg.Clicks, agg.CPC)))
	}
	if agg.CVR > 15 && agg.Conversions > 10 {
		alerts = append(alerts, newAlert(FraudTypeSuspiciousConversions, models.FraudSeverityMedium, 65,
			fmt.Sprintf("cvr %.1f%% over %d conversions", agg.CVR, agg.Conversions)))
	}
	if spike, peak, avg := clickSpike(snaps); spike {
		alerts = append(alerts, newAlert(FraudTypeTrafficSpike, models.FraudSeverityMedium, 70,
			fmt.Sprintf("click spike %d against %.1f average", peak, avg)))
	}
	return alerts
}

// clickSpike reports whether any of the last spikeWindow snapshots has
// clicks above spikeMultiplier times the window average. Quiet windows
// (average at or below spikeMinAvgClick) are ignored.
func clickSpike(snaps []*models.MetricSnapshot) (bool, int64, float64) {
	if len(snaps) == 0 {
		return false, 0, 0
	}
	window := snaps
	if len(window) > spikeWindow {
		window = window[len(window)-spikeWindow:]
	}

	var total int64
	for _, sn := range window {
		total += sn.Clicks
	}
	avg := float64(total) / float64(len(window))
	if avg <= spikeMinAvgClick {
		return false, 0, avg
	}
	for _, sn := range window {
		if float64(sn.Clicks) > spikeMultiplier*avg {
			return true, sn.Clicks, avg
		}
	}
	return false, 0, avg
}

// connectionFraudScore is the severity-weighted average of alert
// confidences, 0 when there are no alerts.
func connectionFraudScore(alerts []*models.FraudAlert) int {
	if len(alerts) == 0 {
		return 0
	}
	var weighted, weights int
	for _, a := range alerts {
		w := severityWeight[a.Severity]
		weighted += a.Confidence * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	score := weighted / weights
	if score > 100 {
		score = 100
	}
	return score
}

// ClickRisk describes one click for standalone risk scoring.
type ClickRisk struct {
	UserAgent  string  `json:"user_agent"`
	TimeOnPage float64 `json:"time_on_page"` // seconds
	Referrer   string  `json:"referrer"`
	IP         string  `json:"ip"`
}

// IsBotUserAgent matches the UA against known automation signatures.
func IsBotUserAgent(ua string) bool {
	return botUserAgentPattern.MatchString(ua)
}

// ScoreClick totals the risk points for a single click.
func (d *FraudDetector) ScoreClick(click ClickRisk) int {
	score := 0
	if IsBotUserAgent(click.UserAgent) {
		score += riskBotUserAgent
	}
	if click.TimeOnPage < 3 {
		score += riskFastBounce
	}
	if click.Referrer == "" || click.Referrer == "direct" {
		score += riskNoReferrer
	}
	if click.IP != "" && d.reputation.IsAnonymous(click.IP) {
		score += riskAnonymousIP
	}
	return score
}

// IsHighRiskClick reports whether the click's risk score crosses the
// high-risk line.
func (d *FraudDetector) IsHighRiskClick(click ClickRisk) bool {
	return d.ScoreClick(click) >= highRiskAt
}
