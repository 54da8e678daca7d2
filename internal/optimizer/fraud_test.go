package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/models"
	"github.com/offerlab/traffic-optimizer/internal/storage"
)

type fraudFixture struct {
	detector  *FraudDetector
	conns     *storage.InMemoryConnectionRepo
	campaigns *storage.InMemoryCampaignRepo
	snaps     *storage.InMemorySnapshotStore
	alerts    *storage.InMemoryFraudAlertRepo
}

type anonEverything struct{}

func (anonEverything) IsAnonymous(string) bool { return true }
func (anonEverything) Close() error            { return nil }

func newFraudFixture(t *testing.T) *fraudFixture {
	t.Helper()
	campaigns := storage.NewInMemoryCampaignRepo()
	conns := storage.NewInMemoryConnectionRepo(campaigns)
	snaps := storage.NewInMemorySnapshotStore()
	alerts := storage.NewInMemoryFraudAlertRepo()
	det := NewFraudDetector(conns, campaigns, alerts, NewMetricsAggregator(snaps), StaticReputation{}, zap.NewNop())
	return &fraudFixture{detector: det, conns: conns, campaigns: campaigns, snaps: snaps, alerts: alerts}
}

func (f *fraudFixture) seed(t *testing.T, connID, campaignID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.campaigns.Upsert(ctx, &models.Campaign{
		ID:           campaignID,
		ConnectionID: connID,
		Name:         "c",
		Status:       models.CampaignStatusActive,
		DailyBudget:  mustDecimal("50"),
	}))
	require.NoError(t, f.conns.Upsert(ctx, &models.TrafficConnection{ID: connID, Network: "push", IsActive: true}))
}

func TestDetectBotTraffic(t *testing.T) {
	f := newFraudFixture(t)
	ctx := context.Background()
	f.seed(t, "conn1", "camp1")

	// 8% CTR, 500 clicks, zero conversions.
	require.NoError(t, f.snaps.Append(ctx, snap("camp1", 6250, 500, 0, "100", "0", time.Now())))

	report, err := f.detector.DetectConnection(ctx, "conn1")
	require.NoError(t, err)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, FraudTypeBotTraffic, report.Alerts[0].Type)
	assert.Equal(t, models.FraudSeverityHigh, report.Alerts[0].Severity)
	assert.Equal(t, 85, report.Alerts[0].Confidence)
	assert.Equal(t, 85, report.FraudScore)
	assert.True(t, report.IsFraudulent)
	assert.False(t, report.SafeToRun)
}

func TestDetectClickFraud(t *testing.T) {
	f := newFraudFixture(t)
	ctx := context.Background()
	f.seed(t, "conn1", "camp1")

	// 600 clicks for $3 total is sub-cent CPC.
	require.NoError(t, f.snaps.Append(ctx, snap("camp1", 20000, 600, 0, "3.00", "0", time.Now())))

	report, err := f.detector.DetectConnection(ctx, "conn1")
	require.NoError(t, err)

	var types []string
	for _, a := range report.Alerts {
		types = append(types, a.Type)
	}
	assert.Contains(t, types, FraudTypeClickFraud)
}

func TestDetectSuspiciousConversions(t *testing.T) {
	f := newFraudFixture(t)
	ctx := context.Background()
	f.seed(t, "conn1", "camp1")

	// 20% CVR over 20 conversions.
	require.NoError(t, f.snaps.Append(ctx, snap("camp1", 5000, 100, 20, "50", "200", time.Now())))

	report, err := f.detector.DetectConnection(ctx, "conn1")
	require.NoError(t, err)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, FraudTypeSuspiciousConversions, report.Alerts[0].Type)
	assert.Equal(t, 65, report.FraudScore)
	assert.False(t, report.IsFraudulent)
	assert.False(t, report.SafeToRun)
}

func TestDetectTrafficSpike(t *testing.T) {
	now := time.Now()
	var snaps []*models.MetricSnapshot
	for i, clicks := range []int64{20, 20, 20, 20, 200} {
		snaps = append(snaps, snap("camp1", clicks*20, clicks, 2, "10", "30", now.Add(time.Duration(i)*time.Hour)))
	}
	spike, peak, avg := clickSpike(snaps)
	assert.True(t, spike)
	assert.Equal(t, int64(200), peak)
	assert.InDelta(t, 56.0, avg, 1e-9)

	// Quiet windows never spike.
	var quiet []*models.MetricSnapshot
	for i, clicks := range []int64{1, 1, 1, 1, 30} {
		quiet = append(quiet, snap("camp1", clicks*20, clicks, 0, "1", "0", now.Add(time.Duration(i)*time.Hour)))
	}
	spike, _, _ = clickSpike(quiet)
	assert.False(t, spike)
}

func TestHealthyCampaignNoAlerts(t *testing.T) {
	f := newFraudFixture(t)
	ctx := context.Background()
	f.seed(t, "conn1", "camp1")

	require.NoError(t, f.snaps.Append(ctx, snap("camp1", 10000, 200, 10, "100", "300", time.Now())))

	report, err := f.detector.DetectConnection(ctx, "conn1")
	require.NoError(t, err)
	assert.Empty(t, report.Alerts)
	assert.Zero(t, report.FraudScore)
	assert.True(t, report.SafeToRun)
}

func TestAutoPauseFraudulentCampaigns(t *testing.T) {
	f := newFraudFixture(t)
	ctx := context.Background()
	f.seed(t, "conn1", "camp1")
	f.seed(t, "conn1", "camp2")

	// camp1 trips the bot-traffic rule, camp2 is healthy.
	require.NoError(t, f.snaps.Append(ctx, snap("camp1", 6250, 500, 0, "100", "0", time.Now())))
	require.NoError(t, f.snaps.Append(ctx, snap("camp2", 10000, 200, 10, "100", "300", time.Now())))

	paused, errs := f.detector.AutoPauseFraudulentCampaigns(ctx, "conn1")
	require.Empty(t, errs)
	require.Equal(t, []string{"camp1"}, paused)

	camp, err := f.campaigns.GetByID(ctx, "camp1")
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusPaused, camp.Status)
	assert.Equal(t, FraudTypeBotTraffic, camp.PauseReason)
	assert.NotNil(t, camp.PausedAt)

	camp2, err := f.campaigns.GetByID(ctx, "camp2")
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusActive, camp2.Status)
}

func TestConnectionFraudScoreWeighted(t *testing.T) {
	alerts := []*models.FraudAlert{
		{Severity: models.FraudSeverityHigh, Confidence: 85},
		{Severity: models.FraudSeverityMedium, Confidence: 65},
	}
	// (85*60 + 65*30) / 90 = 78
	assert.Equal(t, 78, connectionFraudScore(alerts))
	assert.Zero(t, connectionFraudScore(nil))
}

func TestIsBotUserAgent(t *testing.T) {
	assert.True(t, IsBotUserAgent("Mozilla/5.0 (compatible; Googlebot/2.1)"))
	assert.True(t, IsBotUserAgent("python-requests/2.31"))
	assert.True(t, IsBotUserAgent("HeadlessChrome/120.0"))
	assert.False(t, IsBotUserAgent("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)"))
}

func TestScoreClick(t *testing.T) {
	f := newFraudFixture(t)

	// Bot UA + fast bounce + direct referrer.
	risky := ClickRisk{UserAgent: "curl/8.0", TimeOnPage: 1, Referrer: "direct"}
	assert.Equal(t, 80, f.detector.ScoreClick(risky))
	assert.True(t, f.detector.IsHighRiskClick(risky))

	clean := ClickRisk{UserAgent: "Mozilla/5.0 (Windows NT 10.0)", TimeOnPage: 45, Referrer: "https://news.example.com"}
	assert.Zero(t, f.detector.ScoreClick(clean))
	assert.False(t, f.detector.IsHighRiskClick(clean))

	// A zero-second session is a fast bounce, not a free pass.
	instant := ClickRisk{UserAgent: "Mozilla/5.0 (Windows NT 10.0)", TimeOnPage: 0, Referrer: "https://news.example.com"}
	assert.Equal(t, riskFastBounce, f.detector.ScoreClick(instant))
}

func TestScoreClickAnonymousIP(t *testing.T) {
	f := newFraudFixture(t)
	det := NewFraudDetector(f.conns, f.campaigns, f.alerts, NewMetricsAggregator(f.snaps), anonEverything{}, zap.NewNop())

	click := ClickRisk{UserAgent: "Mozilla/5.0", TimeOnPage: 45, Referrer: "https://x.example", IP: "203.0.113.9"}
	assert.Equal(t, riskAnonymousIP, det.ScoreClick(click))
}
