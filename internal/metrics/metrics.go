package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the optimizer.
type Metrics struct {
	// Budget metrics
	BudgetRecommendations *prometheus.CounterVec
	BudgetApplied         *prometheus.CounterVec
	BudgetUtilization     prometheus.Gauge
	ActiveBudgetTotal     prometheus.Gauge
	SafetyRejections      *prometheus.CounterVec

	// Scaling metrics
	ScalingEvents   *prometheus.CounterVec
	ScalingRejected *prometheus.CounterVec

	// Experiment metrics
	TestsStarted    prometheus.Counter
	TestsCompleted  *prometheus.CounterVec
	WinnersDetected prometheus.Counter
	TestEvents      *prometheus.CounterVec

	// Fraud metrics
	FraudAlerts     *prometheus.CounterVec
	FraudAutoPauses prometheus.Counter
	HighRiskClicks  prometheus.Counter

	// Quality metrics
	QualityScores      *prometheus.HistogramVec
	ConnectionsScored  prometheus.Counter
	BlacklistedSources prometheus.Gauge

	// System metrics
	ActiveCampaigns prometheus.Gauge
	PausedCampaigns prometheus.Gauge
	DBConnections   *prometheus.GaugeVec
	JobRuns         *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec
}

var (
	// DefaultMetrics is the global metrics instance
	DefaultMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		// Budget metrics
		BudgetRecommendations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_recommendations_total",
				Help:      "Budget recommendations produced, by strategy and action",
			},
			[]string{"strategy", "action"},
		),
		BudgetApplied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_changes_applied_total",
				Help:      "Budget changes written to campaigns",
			},
			[]string{"strategy"},
		),
		BudgetUtilization: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "budget_utilization_percent",
				Help:      "Active daily budget as a percentage of the global cap",
			},
		),
		ActiveBudgetTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_budget_dollars",
				Help:      "Sum of active campaign daily budgets in dollars",
			},
		),
		SafetyRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "safety_rejections_total",
				Help:      "Budget changes rejected by the safety guard",
			},
			[]string{"reason"},
		),

		// Scaling metrics
		ScalingEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scaling_events_total",
				Help:      "Campaign budget scalings applied, by factor",
			},
			[]string{"factor", "type"},
		),
		ScalingRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scaling_rejected_total",
				Help:      "Scaling attempts rejected, by reason",
			},
			[]string{"reason"},
		),

		// Experiment metrics
		TestsStarted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ab_tests_started_total",
				Help:      "Split tests moved to running",
			},
		),
		TestsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ab_tests_completed_total",
				Help:      "Split tests completed, by outcome",
			},
			[]string{"outcome"}, // winner, inconclusive
		),
		WinnersDetected: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ab_test_winners_total",
				Help:      "Statistically significant winners detected",
			},
		),
		TestEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ab_test_events_total",
				Help:      "Impression, click and conversion events recorded on variants",
			},
			[]string{"test_id", "event"},
		),

		// Fraud metrics
		FraudAlerts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fraud_alerts_total",
				Help:      "Fraud alerts raised, by type and severity",
			},
			[]string{"type", "severity"},
		),
		FraudAutoPauses: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fraud_auto_pauses_total",
				Help:      "Campaigns paused by fraud detection",
			},
		),
		HighRiskClicks: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "high_risk_clicks_total",
				Help:      "Clicks scored at or above the high risk threshold",
			},
		),

		// Quality metrics
		QualityScores: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "quality_score",
				Help:      "Traffic quality scores by connection",
				Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
			[]string{"connection_id"},
		),
		ConnectionsScored: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_scored_total",
				Help:      "Traffic connections scored",
			},
		),
		BlacklistedSources: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "blacklisted_sources",
				Help:      "Traffic connections currently blacklisted",
			},
		),

		// System metrics
		ActiveCampaigns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_campaigns",
				Help:      "Number of active campaigns",
			},
		),
		PausedCampaigns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "paused_campaigns",
				Help:      "Number of paused campaigns",
			},
		),
		DBConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool stats",
			},
			[]string{"state"}, // idle, in_use, total
		),
		JobRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Background job executions, by job and status",
			},
			[]string{"job", "status"},
		),
		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Background job duration",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"job"},
		),

		// Rate limiting metrics
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Rate limit rejections",
			},
			[]string{"endpoint", "ip"},
		),
	}

	DefaultMetrics = m
	return m
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRecommendation records one budget recommendation.
func (m *Metrics) RecordRecommendation(strategy, action string) {
	m.BudgetRecommendations.WithLabelValues(strategy, action).Inc()
}

// RecordBudgetApplied records a budget change written through.
func (m *Metrics) RecordBudgetApplied(strategy string) {
	m.BudgetApplied.WithLabelValues(strategy).Inc()
}

// RecordSafetyRejection records a change the safety guard blocked.
func (m *Metrics) RecordSafetyRejection(reason string) {
	m.SafetyRejections.WithLabelValues(reason).Inc()
}

// RecordScaling records an applied scaling event.
func (m *Metrics) RecordScaling(factor, scalingType string) {
	m.ScalingEvents.WithLabelValues(factor, scalingType).Inc()
}

// RecordScalingRejected records a scaling attempt that did not apply.
func (m *Metrics) RecordScalingRejected(reason string) {
	m.ScalingRejected.WithLabelValues(reason).Inc()
}

// RecordTestEvent records an impression, click or conversion on a variant.
func (m *Metrics) RecordTestEvent(testID, event string) {
	m.TestEvents.WithLabelValues(testID, event).Inc()
}

// RecordTestCompleted records a finished split test.
func (m *Metrics) RecordTestCompleted(outcome string) {
	m.TestsCompleted.WithLabelValues(outcome).Inc()
}

// RecordFraudAlert records one raised alert.
func (m *Metrics) RecordFraudAlert(fraudType, severity string) {
	m.FraudAlerts.WithLabelValues(fraudType, severity).Inc()
}

// RecordQualityScore records a scored connection.
func (m *Metrics) RecordQualityScore(connectionID string, score float64) {
	m.QualityScores.WithLabelValues(connectionID).Observe(score)
	m.ConnectionsScored.Inc()
}

// RecordJob records a background job run with its duration.
func (m *Metrics) RecordJob(job string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}

// UpdateCampaignCounts updates active/paused campaign gauges.
func (m *Metrics) UpdateCampaignCounts(active, paused int) {
	m.ActiveCampaigns.Set(float64(active))
	m.PausedCampaigns.Set(float64(paused))
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(endpoint, ip string) {
	m.RateLimitHits.WithLabelValues(endpoint, ip).Inc()
}
