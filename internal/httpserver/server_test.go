package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/config"
	"github.com/offerlab/traffic-optimizer/internal/models"
)

func newTestServer(t *testing.T) (*Components, http.Handler) {
	t.Helper()
	deps := &Dependencies{
		Config: &config.Config{
			Budget: config.BudgetConfig{GlobalCap: decimal.NewFromInt(300)},
		},
		Logger: zap.NewNop(),
	}
	c := NewComponents(deps)
	return c, NewServer(deps, c)
}

// Ingested snapshots are the only spend feed without Redis; overspend
// detection has to see them.
func TestSnapshotIngestionFeedsSpendTracking(t *testing.T) {
	c, srv := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, c.Campaigns.Upsert(ctx, &models.Campaign{
		ID:           "camp1",
		ConnectionID: "conn1",
		Name:         "camp1",
		Status:       models.CampaignStatusActive,
		DailyBudget:  decimal.NewFromInt(50),
	}))

	body := `{"campaign_id":"camp1","impressions":1000,"clicks":100,"conversions":5,"spend":"120","revenue":"80"}`
	req := httptest.NewRequest(http.MethodPost, "/snapshots", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	now := time.Now()
	spent, err := c.Spend.TodaySpend(ctx, "camp1", now)
	require.NoError(t, err)
	assert.True(t, spent.Equal(decimal.NewFromInt(120)))

	analyses, errs := c.Guard.AnalyzeSpending(ctx, now)
	require.Empty(t, errs)
	require.Len(t, analyses, 1)
	assert.True(t, analyses[0].SpentToday.Equal(decimal.NewFromInt(120)))
	assert.True(t, analyses[0].IsOverspending)
}
