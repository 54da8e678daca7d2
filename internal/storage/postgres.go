package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/offerlab/traffic-optimizer/internal/models"
)

// Money columns are NUMERIC; they are selected as text and parsed into
// decimal.Decimal so spend/revenue never pass through binary floats.

// PostgresCampaignRepo implements CampaignRepo using PostgreSQL.
type PostgresCampaignRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresCampaignRepo(pool *pgxpool.Pool) *PostgresCampaignRepo {
	return &PostgresCampaignRepo{pool: pool}
}

const campaignColumns = `id, connection_id, name, status, daily_budget::text, total_budget::text,
	total_spent::text, pause_reason, paused_at, started_at, created_at, updated_at`

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var c models.Campaign
	var dailyBudget, totalSpent string
	var totalBudget, pauseReason *string

	err := row.Scan(&c.ID, &c.ConnectionID, &c.Name, &c.Status, &dailyBudget, &totalBudget,
		&totalSpent, &pauseReason, &c.PausedAt, &c.StartedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if c.DailyBudget, err = decimal.NewFromString(dailyBudget); err != nil {
		return nil, fmt.Errorf("bad daily_budget: %w", err)
	}
	if c.TotalSpent, err = decimal.NewFromString(totalSpent); err != nil {
		return nil, fmt.Errorf("bad total_spent: %w", err)
	}
	if totalBudget != nil {
		tb, err := decimal.NewFromString(*totalBudget)
		if err != nil {
			return nil, fmt.Errorf("bad total_budget: %w", err)
		}
		c.TotalBudget = &tb
	}
	if pauseReason != nil {
		c.PauseReason = *pauseReason
	}
	return &c, nil
}

func (r *PostgresCampaignRepo) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

func (r *PostgresCampaignRepo) ListActive(ctx context.Context) ([]*models.Campaign, error) {
	return r.list(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE status = 'active' ORDER BY created_at`)
}

func (r *PostgresCampaignRepo) ListByConnection(ctx context.Context, connectionID string) ([]*models.Campaign, error) {
	return r.list(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE connection_id = $1 ORDER BY created_at`, connectionID)
}

func (r *PostgresCampaignRepo) list(ctx context.Context, query string, args ...any) ([]*models.Campaign, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (r *PostgresCampaignRepo) Upsert(ctx context.Context, c *models.Campaign) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO campaigns (id, connection_id, name, status, daily_budget, total_budget,
			total_spent, pause_reason, paused_at, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			connection_id = EXCLUDED.connection_id,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			daily_budget = EXCLUDED.daily_budget,
			total_budget = EXCLUDED.total_budget,
			total_spent = EXCLUDED.total_spent,
			pause_reason = EXCLUDED.pause_reason,
			paused_at = EXCLUDED.paused_at,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at
	`, c.ID, c.ConnectionID, c.Name, c.Status, c.DailyBudget.String(), decimalPtr(c.TotalBudget),
		c.TotalSpent.String(), nullString(c.PauseReason), c.PausedAt, c.StartedAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert campaign: %w", err)
	}
	return nil
}

func (r *PostgresCampaignRepo) UpdateDailyBudget(ctx context.Context, id string, budget decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET daily_budget = $2, updated_at = now() WHERE id = $1
	`, id, budget.String())
	if err != nil {
		return fmt.Errorf("failed to update daily budget: %w", err)
	}
	return nil
}

func (r *PostgresCampaignRepo) UpdateStatus(ctx context.Context, id string, status models.CampaignStatus, pauseReason string, pausedAt *time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET status = $2, pause_reason = $3, paused_at = $4, updated_at = now()
		WHERE id = $1
	`, id, status, nullString(pauseReason), pausedAt)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func decimalPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// PostgresConnectionRepo implements ConnectionRepo using PostgreSQL.
type PostgresConnectionRepo struct {
	pool      *pgxpool.Pool
	campaigns *PostgresCampaignRepo
}

func NewPostgresConnectionRepo(pool *pgxpool.Pool) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{pool: pool, campaigns: NewPostgresCampaignRepo(pool)}
}

func (r *PostgresConnectionRepo) GetByID(ctx context.Context, id string) (*models.TrafficConnection, error) {
	var conn models.TrafficConnection
	err := r.pool.QueryRow(ctx, `
		SELECT id, network, is_active, created_at, updated_at
		FROM traffic_connections WHERE id = $1
	`, id).Scan(&conn.ID, &conn.Network, &conn.IsActive, &conn.CreatedAt, &conn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	if err := r.hydrate(ctx, &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *PostgresConnectionRepo) ListActive(ctx context.Context) ([]*models.TrafficConnection, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, network, is_active, created_at, updated_at
		FROM traffic_connections WHERE is_active ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.TrafficConnection
	for rows.Next() {
		var conn models.TrafficConnection
		if err := rows.Scan(&conn.ID, &conn.Network, &conn.IsActive, &conn.CreatedAt, &conn.UpdatedAt); err != nil {
			return nil, err
		}
		conns = append(conns, &conn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, conn := range conns {
		if err := r.hydrate(ctx, conn); err != nil {
			return nil, err
		}
	}
	return conns, nil
}

func (r *PostgresConnectionRepo) Upsert(ctx context.Context, c *models.TrafficConnection) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO traffic_connections (id, network, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			network = EXCLUDED.network,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`, c.ID, c.Network, c.IsActive, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	return nil
}

func (r *PostgresConnectionRepo) hydrate(ctx context.Context, conn *models.TrafficConnection) error {
	campaigns, err := r.campaigns.ListByConnection(ctx, conn.ID)
	if err != nil {
		return err
	}
	conn.Campaigns = make([]models.Campaign, 0, len(campaigns))
	for _, c := range campaigns {
		conn.Campaigns = append(conn.Campaigns, *c)
	}
	return nil
}

// PostgresQualityScoreRepo implements QualityScoreRepo using PostgreSQL.
// The table carries a unique index on (connection_id, date).
type PostgresQualityScoreRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresQualityScoreRepo(pool *pgxpool.Pool) *PostgresQualityScoreRepo {
	return &PostgresQualityScoreRepo{pool: pool}
}

func (r *PostgresQualityScoreRepo) UpsertDaily(ctx context.Context, score *models.TrafficQualityScore) error {
	day := score.Date.UTC().Truncate(24 * time.Hour)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO traffic_quality_scores (id, connection_id, date, quality_score, conversion_rate,
			bounce_rate, avg_time_on_page, fraud_score, is_blacklisted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		ON CONFLICT (connection_id, date) DO UPDATE SET
			quality_score = EXCLUDED.quality_score,
			conversion_rate = EXCLUDED.conversion_rate,
			bounce_rate = EXCLUDED.bounce_rate,
			avg_time_on_page = EXCLUDED.avg_time_on_page,
			fraud_score = EXCLUDED.fraud_score,
			is_blacklisted = EXCLUDED.is_blacklisted,
			updated_at = now()
	`, score.ID, score.ConnectionID, day, score.QualityScore, score.ConversionRate,
		score.BounceRate, score.AvgTimeOnPage, score.FraudScore, score.IsBlacklisted)
	if err != nil {
		return fmt.Errorf("failed to upsert quality score: %w", err)
	}
	return nil
}

func (r *PostgresQualityScoreRepo) GetByDay(ctx context.Context, connectionID string, day time.Time) (*models.TrafficQualityScore, error) {
	var sc models.TrafficQualityScore
	err := r.pool.QueryRow(ctx, `
		SELECT id, connection_id, date, quality_score, conversion_rate, bounce_rate,
			avg_time_on_page, fraud_score, is_blacklisted, created_at, updated_at
		FROM traffic_quality_scores WHERE connection_id = $1 AND date = $2
	`, connectionID, day.UTC().Truncate(24*time.Hour)).Scan(
		&sc.ID, &sc.ConnectionID, &sc.Date, &sc.QualityScore, &sc.ConversionRate, &sc.BounceRate,
		&sc.AvgTimeOnPage, &sc.FraudScore, &sc.IsBlacklisted, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quality score: %w", err)
	}
	return &sc, nil
}

func (r *PostgresQualityScoreRepo) ListByConnection(ctx context.Context, connectionID string, from, to time.Time) ([]*models.TrafficQualityScore, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, connection_id, date, quality_score, conversion_rate, bounce_rate,
			avg_time_on_page, fraud_score, is_blacklisted, created_at, updated_at
		FROM traffic_quality_scores
		WHERE connection_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date
	`, connectionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list quality scores: %w", err)
	}
	defer rows.Close()

	var scores []*models.TrafficQualityScore
	for rows.Next() {
		var sc models.TrafficQualityScore
		if err := rows.Scan(&sc.ID, &sc.ConnectionID, &sc.Date, &sc.QualityScore, &sc.ConversionRate,
			&sc.BounceRate, &sc.AvgTimeOnPage, &sc.FraudScore, &sc.IsBlacklisted, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, err
		}
		scores = append(scores, &sc)
	}
	return scores, rows.Err()
}

// PostgresABTestRepo implements ABTestRepo using PostgreSQL.
type PostgresABTestRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresABTestRepo(pool *pgxpool.Pool) *PostgresABTestRepo {
	return &PostgresABTestRepo{pool: pool}
}

func (r *PostgresABTestRepo) Create(ctx context.Context, t *models.ABTest) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO ab_tests (id, name, hypothesis, element, status, traffic_split,
			started_at, completed_at, winner_variant_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.Name, nullString(t.Hypothesis), t.Element, t.Status, t.TrafficSplit,
		t.StartedAt, t.CompletedAt, nullString(t.WinnerVariantID), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert test: %w", err)
	}

	for i := range t.Variants {
		if err := insertVariant(ctx, tx, &t.Variants[i]); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func insertVariant(ctx context.Context, tx pgx.Tx, v *models.TestVariant) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO test_variants (id, test_id, name, description, content, is_control,
			impressions, clicks, conversions, revenue, ctr, cvr, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, v.ID, v.TestID, v.Name, nullString(v.Description), nullString(v.Content), v.IsControl,
		v.Impressions, v.Clicks, v.Conversions, v.Revenue.String(), v.CTR, v.CVR, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert variant: %w", err)
	}
	return nil
}

func (r *PostgresABTestRepo) GetByID(ctx context.Context, id string) (*models.ABTest, error) {
	var t models.ABTest
	var hypothesis, winnerID *string
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, hypothesis, element, status, traffic_split, started_at,
			completed_at, winner_variant_id, created_at, updated_at
		FROM ab_tests WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &hypothesis, &t.Element, &t.Status, &t.TrafficSplit,
		&t.StartedAt, &t.CompletedAt, &winnerID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test: %w", err)
	}
	if hypothesis != nil {
		t.Hypothesis = *hypothesis
	}
	if winnerID != nil {
		t.WinnerVariantID = *winnerID
	}

	variants, err := r.variantsForTest(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Variants = variants
	return &t, nil
}

func (r *PostgresABTestRepo) ListByStatus(ctx context.Context, status models.TestStatus) ([]*models.ABTest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM ab_tests WHERE status = $1 ORDER BY created_at
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tests := make([]*models.ABTest, 0, len(ids))
	for _, id := range ids {
		t, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			tests = append(tests, t)
		}
	}
	return tests, nil
}

func (r *PostgresABTestRepo) Update(ctx context.Context, t *models.ABTest) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE ab_tests SET name = $2, hypothesis = $3, element = $4, status = $5,
			traffic_split = $6, started_at = $7, completed_at = $8,
			winner_variant_id = $9, updated_at = $10
		WHERE id = $1
	`, t.ID, t.Name, nullString(t.Hypothesis), t.Element, t.Status, t.TrafficSplit,
		t.StartedAt, t.CompletedAt, nullString(t.WinnerVariantID), t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update test: %w", err)
	}
	return nil
}

func (r *PostgresABTestRepo) Delete(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM test_variants WHERE test_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete variants: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM ab_tests WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete test: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PostgresABTestRepo) AddVariant(ctx context.Context, v *models.TestVariant) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertVariant(ctx, tx, v); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IncrementVariant performs a single atomic UPDATE so concurrent event
// recording never loses counts, then recomputes the derived rates.
func (r *PostgresABTestRepo) IncrementVariant(ctx context.Context, variantID string, impressions, clicks, conversions int64, revenue decimal.Decimal) (*models.TestVariant, error) {
	var v models.TestVariant
	var description, content *string
	var revenueStr string

	err := r.pool.QueryRow(ctx, `
		UPDATE test_variants SET
			impressions = impressions + $2,
			clicks = clicks + $3,
			conversions = conversions + $4,
			revenue = revenue + $5,
			ctr = CASE WHEN impressions + $2 > 0
				THEN (clicks + $3)::float / (impressions + $2) * 100 ELSE 0 END,
			cvr = CASE WHEN clicks + $3 > 0
				THEN (conversions + $4)::float / (clicks + $3) * 100 ELSE 0 END,
			updated_at = now()
		WHERE id = $1
		RETURNING id, test_id, name, description, content, is_control,
			impressions, clicks, conversions, revenue::text, ctr, cvr, created_at, updated_at
	`, variantID, impressions, clicks, conversions, revenue.String()).Scan(
		&v.ID, &v.TestID, &v.Name, &description, &content, &v.IsControl,
		&v.Impressions, &v.Clicks, &v.Conversions, &revenueStr, &v.CTR, &v.CVR, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment variant: %w", err)
	}

	if description != nil {
		v.Description = *description
	}
	if content != nil {
		v.Content = *content
	}
	if v.Revenue, err = decimal.NewFromString(revenueStr); err != nil {
		return nil, fmt.Errorf("bad revenue: %w", err)
	}
	return &v, nil
}

func (r *PostgresABTestRepo) variantsForTest(ctx context.Context, testID string) ([]models.TestVariant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, test_id, name, description, content, is_control,
			impressions, clicks, conversions, revenue::text, ctr, cvr, created_at, updated_at
		FROM test_variants WHERE test_id = $1 ORDER BY created_at
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to get variants: %w", err)
	}
	defer rows.Close()

	var variants []models.TestVariant
	for rows.Next() {
		var v models.TestVariant
		var description, content *string
		var revenueStr string
		if err := rows.Scan(&v.ID, &v.TestID, &v.Name, &description, &content, &v.IsControl,
			&v.Impressions, &v.Clicks, &v.Conversions, &revenueStr, &v.CTR, &v.CVR, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		if description != nil {
			v.Description = *description
		}
		if content != nil {
			v.Content = *content
		}
		if v.Revenue, err = decimal.NewFromString(revenueStr); err != nil {
			return nil, fmt.Errorf("bad revenue: %w", err)
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// PostgresScalingEventRepo implements ScalingEventRepo using PostgreSQL.
type PostgresScalingEventRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresScalingEventRepo(pool *pgxpool.Pool) *PostgresScalingEventRepo {
	return &PostgresScalingEventRepo{pool: pool}
}

func (r *PostgresScalingEventRepo) Append(ctx context.Context, ev *models.ScalingEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO scaling_events (id, campaign_id, scaling_type, scale_factor,
			old_budget, new_budget, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.CampaignID, ev.ScalingType, ev.ScaleFactor,
		ev.OldBudget.String(), ev.NewBudget.String(), ev.Reason, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append scaling event: %w", err)
	}
	return nil
}

func (r *PostgresScalingEventRepo) LastForCampaign(ctx context.Context, campaignID string) (*models.ScalingEvent, error) {
	ev, err := scanScalingEvent(r.pool.QueryRow(ctx, `
		SELECT id, campaign_id, scaling_type, scale_factor, old_budget::text,
			new_budget::text, reason, created_at
		FROM scaling_events WHERE campaign_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, campaignID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last scaling event: %w", err)
	}
	return ev, nil
}

func (r *PostgresScalingEventRepo) ListByCampaign(ctx context.Context, campaignID string, limit int) ([]*models.ScalingEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, campaign_id, scaling_type, scale_factor, old_budget::text,
			new_budget::text, reason, created_at
		FROM scaling_events WHERE campaign_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scaling events: %w", err)
	}
	defer rows.Close()

	var events []*models.ScalingEvent
	for rows.Next() {
		ev, err := scanScalingEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanScalingEvent(row pgx.Row) (*models.ScalingEvent, error) {
	var ev models.ScalingEvent
	var oldBudget, newBudget string
	err := row.Scan(&ev.ID, &ev.CampaignID, &ev.ScalingType, &ev.ScaleFactor,
		&oldBudget, &newBudget, &ev.Reason, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	if ev.OldBudget, err = decimal.NewFromString(oldBudget); err != nil {
		return nil, fmt.Errorf("bad old_budget: %w", err)
	}
	if ev.NewBudget, err = decimal.NewFromString(newBudget); err != nil {
		return nil, fmt.Errorf("bad new_budget: %w", err)
	}
	return &ev, nil
}

// PostgresFraudAlertRepo implements FraudAlertRepo using PostgreSQL.
type PostgresFraudAlertRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresFraudAlertRepo(pool *pgxpool.Pool) *PostgresFraudAlertRepo {
	return &PostgresFraudAlertRepo{pool: pool}
}

func (r *PostgresFraudAlertRepo) Append(ctx context.Context, alert *models.FraudAlert) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO fraud_alerts (id, connection_id, campaign_id, type, severity,
			confidence, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, alert.ID, alert.ConnectionID, alert.CampaignID, alert.Type, alert.Severity,
		alert.Confidence, alert.Detail, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append fraud alert: %w", err)
	}
	return nil
}

func (r *PostgresFraudAlertRepo) ListByConnection(ctx context.Context, connectionID string, since time.Time) ([]*models.FraudAlert, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, connection_id, campaign_id, type, severity, confidence, detail, created_at
		FROM fraud_alerts WHERE connection_id = $1 AND created_at >= $2
		ORDER BY created_at
	`, connectionID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list fraud alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.FraudAlert
	for rows.Next() {
		var a models.FraudAlert
		if err := rows.Scan(&a.ID, &a.ConnectionID, &a.CampaignID, &a.Type, &a.Severity,
			&a.Confidence, &a.Detail, &a.CreatedAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}
