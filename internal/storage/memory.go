package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/offerlab/traffic-optimizer/internal/models"
)

// In-memory implementations. Used when Postgres/ClickHouse are not
// configured, and as fixtures in tests.

// InMemoryCampaignRepo stores campaigns in memory.
type InMemoryCampaignRepo struct {
	mu        sync.RWMutex
	campaigns map[string]*models.Campaign
}

func NewInMemoryCampaignRepo() *InMemoryCampaignRepo {
	return &InMemoryCampaignRepo{campaigns: make(map[string]*models.Campaign)}
}

func (r *InMemoryCampaignRepo) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.campaigns[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (r *InMemoryCampaignRepo) ListActive(ctx context.Context) ([]*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []*models.Campaign
	for _, c := range r.campaigns {
		if c.Status == models.CampaignStatusActive {
			cp := *c
			res = append(res, &cp)
		}
	}
	sortCampaigns(res)
	return res, nil
}

func (r *InMemoryCampaignRepo) ListByConnection(ctx context.Context, connectionID string) ([]*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []*models.Campaign
	for _, c := range r.campaigns {
		if c.ConnectionID == connectionID {
			cp := *c
			res = append(res, &cp)
		}
	}
	sortCampaigns(res)
	return res, nil
}

func (r *InMemoryCampaignRepo) Upsert(ctx context.Context, c *models.Campaign) error {
	if c == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *InMemoryCampaignRepo) UpdateDailyBudget(ctx context.Context, id string, budget decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.campaigns[id]; ok {
		c.DailyBudget = budget
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *InMemoryCampaignRepo) UpdateStatus(ctx context.Context, id string, status models.CampaignStatus, pauseReason string, pausedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.campaigns[id]; ok {
		c.Status = status
		c.PauseReason = pauseReason
		c.PausedAt = pausedAt
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func sortCampaigns(cs []*models.Campaign) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}

// InMemorySnapshotStore stores metric snapshots in memory.
type InMemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string][]*models.MetricSnapshot // campaignID -> chronological
}

func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{snapshots: make(map[string][]*models.MetricSnapshot)}
}

func (s *InMemorySnapshotStore) Append(ctx context.Context, snap *models.MetricSnapshot) error {
	if snap == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	list := append(s.snapshots[snap.CampaignID], &cp)
	sort.Slice(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	s.snapshots[snap.CampaignID] = list
	return nil
}

func (s *InMemorySnapshotStore) LastN(ctx context.Context, campaignID string, n int) ([]*models.MetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.snapshots[campaignID]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	res := make([]*models.MetricSnapshot, len(list))
	for i, sn := range list {
		cp := *sn
		res[i] = &cp
	}
	return res, nil
}

func (s *InMemorySnapshotStore) Range(ctx context.Context, campaignID string, from, to time.Time) ([]*models.MetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*models.MetricSnapshot
	for _, sn := range s.snapshots[campaignID] {
		if sn.Timestamp.Before(from) || sn.Timestamp.After(to) {
			continue
		}
		cp := *sn
		res = append(res, &cp)
	}
	return res, nil
}

// InMemoryConnectionRepo stores traffic connections in memory.
type InMemoryConnectionRepo struct {
	mu          sync.RWMutex
	connections map[string]*models.TrafficConnection
	campaigns   *InMemoryCampaignRepo // optional, for hydrating campaigns
}

func NewInMemoryConnectionRepo(campaigns *InMemoryCampaignRepo) *InMemoryConnectionRepo {
	return &InMemoryConnectionRepo{
		connections: make(map[string]*models.TrafficConnection),
		campaigns:   campaigns,
	}
}

func (r *InMemoryConnectionRepo) GetByID(ctx context.Context, id string) (*models.TrafficConnection, error) {
	r.mu.RLock()
	conn, ok := r.connections[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	cp := *conn
	r.hydrate(ctx, &cp)
	return &cp, nil
}

func (r *InMemoryConnectionRepo) ListActive(ctx context.Context) ([]*models.TrafficConnection, error) {
	r.mu.RLock()
	var res []*models.TrafficConnection
	for _, conn := range r.connections {
		if conn.IsActive {
			cp := *conn
			res = append(res, &cp)
		}
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	for _, conn := range res {
		r.hydrate(ctx, conn)
	}
	return res, nil
}

func (r *InMemoryConnectionRepo) Upsert(ctx context.Context, c *models.TrafficConnection) error {
	if c == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	cp.Campaigns = nil
	r.connections[c.ID] = &cp
	return nil
}

func (r *InMemoryConnectionRepo) hydrate(ctx context.Context, conn *models.TrafficConnection) {
	if r.campaigns == nil {
		return
	}
	list, _ := r.campaigns.ListByConnection(ctx, conn.ID)
	conn.Campaigns = conn.Campaigns[:0]
	for _, c := range list {
		conn.Campaigns = append(conn.Campaigns, *c)
	}
}

// InMemoryQualityScoreRepo stores daily quality scores in memory.
type InMemoryQualityScoreRepo struct {
	mu     sync.RWMutex
	scores map[string]*models.TrafficQualityScore // connectionID + "|" + day
}

func NewInMemoryQualityScoreRepo() *InMemoryQualityScoreRepo {
	return &InMemoryQualityScoreRepo{scores: make(map[string]*models.TrafficQualityScore)}
}

func qualityKey(connectionID string, day time.Time) string {
	return connectionID + "|" + day.UTC().Format("2006-01-02")
}

func (r *InMemoryQualityScoreRepo) UpsertDaily(ctx context.Context, score *models.TrafficQualityScore) error {
	if score == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := qualityKey(score.ConnectionID, score.Date)
	cp := *score
	cp.Date = score.Date.UTC().Truncate(24 * time.Hour)
	if existing, ok := r.scores[key]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	}
	r.scores[key] = &cp
	return nil
}

func (r *InMemoryQualityScoreRepo) GetByDay(ctx context.Context, connectionID string, day time.Time) (*models.TrafficQualityScore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sc, ok := r.scores[qualityKey(connectionID, day)]; ok {
		cp := *sc
		return &cp, nil
	}
	return nil, nil
}

func (r *InMemoryQualityScoreRepo) ListByConnection(ctx context.Context, connectionID string, from, to time.Time) ([]*models.TrafficQualityScore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []*models.TrafficQualityScore
	for _, sc := range r.scores {
		if sc.ConnectionID != connectionID {
			continue
		}
		if sc.Date.Before(from) || sc.Date.After(to) {
			continue
		}
		cp := *sc
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date.Before(res[j].Date) })
	return res, nil
}

// InMemoryABTestRepo stores tests and variants in memory.
type InMemoryABTestRepo struct {
	mu       sync.RWMutex
	tests    map[string]*models.ABTest
	variants map[string]*models.TestVariant
}

func NewInMemoryABTestRepo() *InMemoryABTestRepo {
	return &InMemoryABTestRepo{
		tests:    make(map[string]*models.ABTest),
		variants: make(map[string]*models.TestVariant),
	}
}

func (r *InMemoryABTestRepo) Create(ctx context.Context, t *models.ABTest) error {
	if t == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	cp.Variants = nil
	r.tests[t.ID] = &cp
	for i := range t.Variants {
		v := t.Variants[i]
		r.variants[v.ID] = &v
	}
	return nil
}

func (r *InMemoryABTestRepo) GetByID(ctx context.Context, id string) (*models.ABTest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tests[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	cp.Variants = r.variantsForTest(id)
	return &cp, nil
}

func (r *InMemoryABTestRepo) ListByStatus(ctx context.Context, status models.TestStatus) ([]*models.ABTest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []*models.ABTest
	for _, t := range r.tests {
		if t.Status != status {
			continue
		}
		cp := *t
		cp.Variants = r.variantsForTest(t.ID)
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (r *InMemoryABTestRepo) Update(ctx context.Context, t *models.ABTest) error {
	if t == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	cp.Variants = nil
	r.tests[t.ID] = &cp
	return nil
}

func (r *InMemoryABTestRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tests, id)
	for vid, v := range r.variants {
		if v.TestID == id {
			delete(r.variants, vid)
		}
	}
	return nil
}

func (r *InMemoryABTestRepo) AddVariant(ctx context.Context, v *models.TestVariant) error {
	if v == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *v
	r.variants[v.ID] = &cp
	return nil
}

func (r *InMemoryABTestRepo) IncrementVariant(ctx context.Context, variantID string, impressions, clicks, conversions int64, revenue decimal.Decimal) (*models.TestVariant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.variants[variantID]
	if !ok {
		return nil, nil
	}
	v.Impressions += impressions
	v.Clicks += clicks
	v.Conversions += conversions
	v.Revenue = v.Revenue.Add(revenue)
	v.RecomputeRates()
	v.UpdatedAt = time.Now().UTC()
	cp := *v
	return &cp, nil
}

func (r *InMemoryABTestRepo) variantsForTest(testID string) []models.TestVariant {
	var res []models.TestVariant
	for _, v := range r.variants {
		if v.TestID == testID {
			res = append(res, *v)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res
}

// InMemoryScalingEventRepo is an in-memory append-only scaling event log.
type InMemoryScalingEventRepo struct {
	mu     sync.RWMutex
	events map[string][]*models.ScalingEvent // campaignID -> chronological
}

func NewInMemoryScalingEventRepo() *InMemoryScalingEventRepo {
	return &InMemoryScalingEventRepo{events: make(map[string][]*models.ScalingEvent)}
}

func (r *InMemoryScalingEventRepo) Append(ctx context.Context, ev *models.ScalingEvent) error {
	if ev == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ev
	r.events[ev.CampaignID] = append(r.events[ev.CampaignID], &cp)
	return nil
}

func (r *InMemoryScalingEventRepo) LastForCampaign(ctx context.Context, campaignID string) (*models.ScalingEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.events[campaignID]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (r *InMemoryScalingEventRepo) ListByCampaign(ctx context.Context, campaignID string, limit int) ([]*models.ScalingEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.events[campaignID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	res := make([]*models.ScalingEvent, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- { // newest first
		cp := *list[i]
		res = append(res, &cp)
	}
	return res, nil
}

// InMemoryFraudAlertRepo is an in-memory append-only fraud alert log.
type InMemoryFraudAlertRepo struct {
	mu     sync.RWMutex
	alerts []*models.FraudAlert
}

func NewInMemoryFraudAlertRepo() *InMemoryFraudAlertRepo {
	return &InMemoryFraudAlertRepo{}
}

func (r *InMemoryFraudAlertRepo) Append(ctx context.Context, alert *models.FraudAlert) error {
	if alert == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *alert
	r.alerts = append(r.alerts, &cp)
	return nil
}

func (r *InMemoryFraudAlertRepo) ListByConnection(ctx context.Context, connectionID string, since time.Time) ([]*models.FraudAlert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []*models.FraudAlert
	for _, a := range r.alerts {
		if a.ConnectionID != connectionID || a.CreatedAt.Before(since) {
			continue
		}
		cp := *a
		res = append(res, &cp)
	}
	return res, nil
}
