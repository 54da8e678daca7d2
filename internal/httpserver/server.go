package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/config"
	"github.com/offerlab/traffic-optimizer/internal/database"
	"github.com/offerlab/traffic-optimizer/internal/metrics"
	"github.com/offerlab/traffic-optimizer/internal/models"
	"github.com/offerlab/traffic-optimizer/internal/optimizer"
	"github.com/offerlab/traffic-optimizer/internal/storage"
)

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	DB         *database.PostgresDB
	Redis      *database.RedisDB
	ClickHouse *database.ClickHouseDB
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Components bundles the wired optimizer services so the scheduler can
// share them with the HTTP layer.
type Components struct {
	Campaigns     storage.CampaignRepo
	Snapshots     storage.SnapshotStore
	ScalingEvents storage.ScalingEventRepo
	Spend         optimizer.SpendTracker

	Budget     *optimizer.BudgetOptimizer
	Rebalancer *optimizer.BudgetRebalancer
	Guard      *optimizer.BudgetSafetyGuard
	Scaler     *optimizer.SmartScaler
	Thresholds *optimizer.PerformanceThresholdChecker

	Tests    *optimizer.ABTestEngine
	Winners  *optimizer.WinnerDetector
	Quality  *optimizer.TrafficQualityScorer
	Fraud    *optimizer.FraudDetector
	Predict  *optimizer.ROIPredictor
	Bids     *optimizer.BidOptimizer
	Selector *optimizer.BidStrategySelector
	Rivals   *optimizer.CompetitorBidAnalyzer
}

// NewComponents wires repositories and optimizer services from the
// available backends. Missing backends fall back to in-memory stores,
// which keeps development and tests free of infrastructure.
func NewComponents(deps *Dependencies) *Components {
	var (
		campaigns   storage.CampaignRepo
		connections storage.ConnectionRepo
		scores      storage.QualityScoreRepo
		tests       storage.ABTestRepo
		events      storage.ScalingEventRepo
		alerts      storage.FraudAlertRepo
	)

	if deps.DB != nil {
		campaigns = storage.NewPostgresCampaignRepo(deps.DB.Pool)
		connections = storage.NewPostgresConnectionRepo(deps.DB.Pool)
		scores = storage.NewPostgresQualityScoreRepo(deps.DB.Pool)
		tests = storage.NewPostgresABTestRepo(deps.DB.Pool)
		events = storage.NewPostgresScalingEventRepo(deps.DB.Pool)
		alerts = storage.NewPostgresFraudAlertRepo(deps.DB.Pool)
	} else {
		memCampaigns := storage.NewInMemoryCampaignRepo()
		campaigns = memCampaigns
		connections = storage.NewInMemoryConnectionRepo(memCampaigns)
		scores = storage.NewInMemoryQualityScoreRepo()
		tests = storage.NewInMemoryABTestRepo()
		events = storage.NewInMemoryScalingEventRepo()
		alerts = storage.NewInMemoryFraudAlertRepo()
	}

	var snapshots storage.SnapshotStore
	if deps.ClickHouse != nil {
		snapshots = storage.NewClickHouseSnapshotStore(deps.ClickHouse.Conn)
	} else {
		snapshots = storage.NewInMemorySnapshotStore()
	}

	var spend optimizer.SpendTracker
	if deps.Redis != nil {
		spend = optimizer.NewRedisSpendTracker(deps.Redis.Client)
	} else {
		spend = optimizer.NewSnapshotSpendTracker(snapshots)
	}

	var reputation optimizer.IPReputationProvider = optimizer.StaticReputation{}
	if deps.Config.Geo.Enabled {
		mm, err := optimizer.NewMaxMindReputation(deps.Config.Geo.DatabasePath)
		if err != nil {
			deps.Logger.Warn("failed to open anonymous-IP database, fraud scoring degrades",
				zap.Error(err))
		} else {
			reputation = mm
		}
	}

	agg := optimizer.NewMetricsAggregator(snapshots)
	budgetCap := deps.Config.Budget.GlobalCap

	budget := optimizer.NewBudgetOptimizer(campaigns, agg, deps.Logger)
	guard := optimizer.NewBudgetSafetyGuard(campaigns, spend, budgetCap, deps.Logger)
	engine := optimizer.NewABTestEngine(tests, deps.Logger)
	winners := optimizer.NewWinnerDetector(engine, optimizer.NewVariantComparer(), deps.Logger,
		optimizer.WithDailyTraffic(int64(deps.Config.Budget.DailyTrafficEstimate)))

	return &Components{
		Campaigns:     campaigns,
		Snapshots:     snapshots,
		ScalingEvents: events,
		Spend:         spend,

		Budget:     budget,
		Rebalancer: optimizer.NewBudgetRebalancer(budget, guard, campaigns, agg, deps.Logger),
		Guard:      guard,
		Scaler:     optimizer.NewSmartScaler(campaigns, events, agg, budgetCap, deps.Logger),
		Thresholds: optimizer.NewPerformanceThresholdChecker(agg),

		Tests:    engine,
		Winners:  winners,
		Quality:  optimizer.NewTrafficQualityScorer(connections, scores, agg, deps.Logger),
		Fraud:    optimizer.NewFraudDetector(connections, campaigns, alerts, agg, reputation, deps.Logger),
		Predict:  optimizer.NewROIPredictor(campaigns, agg, deps.Logger),
		Bids:     optimizer.NewBidOptimizer(agg, deps.Logger),
		Selector: optimizer.NewBidStrategySelector(agg),
		Rivals:   optimizer.NewCompetitorBidAnalyzer(agg),
	}
}

// Server exposes the optimizer over a management HTTP API.
type Server struct {
	c       *Components
	deps    *Dependencies
	logger  *zap.Logger
	config  *config.Config
	metrics *metrics.Metrics
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies, c *Components) http.Handler {
	s := &Server{
		c:       c,
		deps:    deps,
		logger:  deps.Logger,
		config:  deps.Config,
		metrics: deps.Metrics,
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled {
		mux.Handle(deps.Config.Metrics.Path, metrics.Handler())
	}

	// Campaign management
	mux.HandleFunc("/campaigns", s.handleCampaigns)
	mux.HandleFunc("/campaigns/", s.handleCampaignByID)

	// Metric ingestion
	mux.HandleFunc("/snapshots", s.handleSnapshots)

	// Budget
	mux.HandleFunc("/budget/optimize", s.handleBudgetOptimize)
	mux.HandleFunc("/budget/rebalance", s.handleBudgetRebalance)
	mux.HandleFunc("/budget/check", s.handleBudgetCheck)
	mux.HandleFunc("/budget/utilization", s.handleBudgetUtilization)
	mux.HandleFunc("/budget/spending", s.handleBudgetSpending)
	mux.HandleFunc("/budget/at-risk", s.handleBudgetAtRisk)
	mux.HandleFunc("/budget/freeze", s.handleBudgetFreeze)

	// Scaling
	mux.HandleFunc("/scaling/run", s.handleScalingRun)

	// Experiments
	mux.HandleFunc("/tests", s.handleTests)
	mux.HandleFunc("/tests/detect-winners", s.handleDetectWinners)
	mux.HandleFunc("/tests/promote", s.handlePromoteWinners)
	mux.HandleFunc("/tests/pause-inconclusive", s.handlePauseInconclusive)
	mux.HandleFunc("/tests/", s.handleTestByID)

	// Traffic quality and fraud
	mux.HandleFunc("/quality/score-all", s.handleQualityScoreAll)
	mux.HandleFunc("/fraud/scan", s.handleFraudScan)
	mux.HandleFunc("/fraud/click", s.handleFraudClick)
	mux.HandleFunc("/connections/", s.handleConnectionByID)

	// Forecasting
	mux.HandleFunc("/predictions/portfolio", s.handlePortfolioPrediction)

	return mux
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.deps.DB != nil {
		if err := s.deps.DB.Health(r.Context()); err != nil {
			status["postgres"] = err.Error()
			status["status"] = "degraded"
		}
	}
	if s.deps.Redis != nil {
		if err := s.deps.Redis.Health(r.Context()); err != nil {
			status["redis"] = err.Error()
			status["status"] = "degraded"
		}
	}
	s.jsonResponse(w, status)
}

// ---- Campaigns ----

func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.c.Campaigns.ListActive(r.Context())
		if err != nil {
			s.logger.Error("failed to list campaigns", zap.Error(err))
			s.errorResponse(w, "failed to list", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, list)

	case http.MethodPost:
		var c models.Campaign
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := c.Validate(); err != nil {
			s.errorResponse(w, "invalid campaign: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.c.Campaigns.Upsert(r.Context(), &c); err != nil {
			s.errorResponse(w, "failed to save: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, c)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCampaignByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/campaigns/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "":
		s.getCampaign(w, r, id)
	case "pause":
		s.updateCampaignStatus(w, r, id, models.CampaignStatusPaused)
	case "resume":
		s.updateCampaignStatus(w, r, id, models.CampaignStatusActive)
	case "scale":
		s.scaleCampaign(w, r, id)
	case "action":
		s.campaignAction(w, r, id)
	case "prediction":
		s.campaignPrediction(w, r, id)
	case "bid":
		s.campaignBid(w, r, id)
	case "competitors":
		s.campaignCompetitors(w, r, id)
	case "scaling-events":
		s.campaignScalingEvents(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c, err := s.c.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get campaign", zap.Error(err))
		s.errorResponse(w, "error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if c == nil {
		http.NotFound(w, r)
		return
	}
	s.jsonResponse(w, c)
}

func (s *Server) updateCampaignStatus(w http.ResponseWriter, r *http.Request, id string, status models.CampaignStatus) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var pauseReason string
	var pausedAt *time.Time
	if status == models.CampaignStatusPaused {
		pauseReason = r.URL.Query().Get("reason")
		if pauseReason == "" {
			pauseReason = "manual"
		}
		now := time.Now()
		pausedAt = &now
	}

	if err := s.c.Campaigns.UpdateStatus(r.Context(), id, status, pauseReason, pausedAt); err != nil {
		s.errorResponse(w, "failed to update status: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]string{"id": id, "status": string(status)})
}

func (s *Server) scaleCampaign(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Factor float64 `json:"factor"`
		Reason string  `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Factor <= 0 {
		s.errorResponse(w, "factor must be positive", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual scale"
	}

	result, err := s.c.Scaler.ScaleCampaign(r.Context(), id, req.Factor, models.ScalingTypeManual, req.Reason)
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	if s.metrics != nil && result.Applied {
		s.metrics.RecordScaling(strconv.FormatFloat(req.Factor, 'f', -1, 64), string(models.ScalingTypeManual))
	}
	s.jsonResponse(w, result)
}

func (s *Server) campaignAction(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c, err := s.c.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		s.errorResponse(w, "error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if c == nil {
		http.NotFound(w, r)
		return
	}

	check, action, err := s.c.Thresholds.CheckCampaign(r.Context(), c, optimizer.OptimizationProfile)
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{
		"thresholds": check,
		"action":     action,
	})
}

func (s *Server) campaignPrediction(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pred, err := s.c.Predict.PredictCampaign(r.Context(), id)
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	s.jsonResponse(w, pred)
}

func (s *Server) campaignBid(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Strategy   string          `json:"strategy"`
		TargetCPA  decimal.Decimal `json:"target_cpa"`
		TargetROAS float64         `json:"target_roas"`
		MinBid     decimal.Decimal `json:"min_bid"`
		MaxBid     decimal.Decimal `json:"max_bid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	var strategy models.BidStrategy
	switch req.Strategy {
	case "target-cpa":
		strategy = models.TargetCPAStrategy{TargetCPA: req.TargetCPA}
	case "target-roas":
		strategy = models.TargetROASStrategy{TargetROAS: req.TargetROAS}
	case "maximize-conversions":
		strategy = models.MaximizeConversionsStrategy{MinBid: req.MinBid, MaxBid: req.MaxBid}
	case "maximize-clicks":
		strategy = models.MaximizeClicksStrategy{MinBid: req.MinBid, MaxBid: req.MaxBid}
	case "", "auto":
		// Let the selector profile the campaign and pick.
		c, err := s.c.Campaigns.GetByID(r.Context(), id)
		if err != nil || c == nil {
			s.errorResponse(w, "campaign not found", http.StatusNotFound)
			return
		}
		picked, profile, err := s.c.Selector.SelectStrategy(r.Context(), id, c.DaysRunning(time.Now()))
		if err != nil {
			s.optimizerError(w, err)
			return
		}
		rec, err := s.c.Bids.RecommendBid(r.Context(), id, picked)
		if err != nil {
			s.optimizerError(w, err)
			return
		}
		s.jsonResponse(w, map[string]any{"recommendation": rec, "profile": profile})
		return
	default:
		s.errorResponse(w, "unknown bid strategy", http.StatusBadRequest)
		return
	}

	rec, err := s.c.Bids.RecommendBid(r.Context(), id, strategy)
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	s.jsonResponse(w, rec)
}

func (s *Server) campaignCompetitors(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out, err := s.c.Rivals.Analyze(r.Context(), id)
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	s.jsonResponse(w, out)
}

func (s *Server) campaignScalingEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.c.ScalingEvents.ListByCampaign(r.Context(), id, limit)
	if err != nil {
		s.errorResponse(w, "failed to list events: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, events)
}

// ---- Snapshots ----

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var snap models.MetricSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if snap.CampaignID == "" {
		s.errorResponse(w, "campaign_id is required", http.StatusBadRequest)
		return
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}

	if err := s.c.Snapshots.Append(r.Context(), &snap); err != nil {
		s.errorResponse(w, "failed to store snapshot: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if snap.Spend.IsPositive() {
		if err := s.c.Spend.RecordSpend(r.Context(), snap.CampaignID, snap.Spend, snap.Timestamp); err != nil {
			s.logger.Warn("failed to record spend counter",
				zap.String("campaign_id", snap.CampaignID),
				zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusCreated)
	s.jsonResponse(w, snap)
}

// ---- Budget ----

func (s *Server) handleBudgetOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Strategy    string          `json:"strategy"`
		TotalBudget decimal.Decimal `json:"total_budget"`
		Apply       bool            `json:"apply"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !req.TotalBudget.IsPositive() {
		s.errorResponse(w, "total_budget must be positive", http.StatusBadRequest)
		return
	}

	if req.Strategy == "" {
		req.Strategy = s.config.Budget.DefaultStrategy
	}
	strategy, err := models.ParseBudgetStrategy(req.Strategy)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	recs, err := s.c.Budget.Optimize(r.Context(), strategy, req.TotalBudget)
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	if s.metrics != nil {
		for _, rec := range recs {
			action := "maintain"
			switch {
			case rec.Change.IsPositive():
				action = "increase"
			case rec.Change.IsNegative():
				action = "decrease"
			}
			s.metrics.RecordRecommendation(strategy.Name(), action)
		}
	}

	if !req.Apply {
		s.jsonResponse(w, recs)
		return
	}

	report := s.c.Budget.ApplyRecommendations(r.Context(), recs)
	if s.metrics != nil {
		for i := 0; i < report.Applied; i++ {
			s.metrics.RecordBudgetApplied(strategy.Name())
		}
	}
	s.jsonResponse(w, map[string]any{
		"recommendations": recs,
		"report":          report,
	})
}

func (s *Server) handleBudgetRebalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Strategy       string          `json:"strategy"`
		TotalBudget    decimal.Decimal `json:"total_budget"`
		MinChangePct   float64         `json:"min_change_pct"`
		MinDaysRunning int             `json:"min_days_running"`
		PauseLosers    bool            `json:"pause_losers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !req.TotalBudget.IsPositive() {
		s.errorResponse(w, "total_budget must be positive", http.StatusBadRequest)
		return
	}

	if req.Strategy == "" {
		req.Strategy = s.config.Budget.DefaultStrategy
	}
	strategy, err := models.ParseBudgetStrategy(req.Strategy)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.c.Rebalancer.Rebalance(r.Context(), req.TotalBudget, optimizer.RebalanceOptions{
		Strategy:       strategy,
		MinChangePct:   req.MinChangePct,
		MinDaysRunning: req.MinDaysRunning,
		PauseLosers:    req.PauseLosers,
	})
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	s.jsonResponse(w, result)
}

func (s *Server) handleBudgetCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CampaignID string          `json:"campaign_id"`
		NewBudget  decimal.Decimal `json:"new_budget"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.CampaignID == "" {
		s.errorResponse(w, "campaign_id is required", http.StatusBadRequest)
		return
	}

	check, err := s.c.Guard.CheckBudgetChange(r.Context(), req.CampaignID, req.NewBudget)
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	if s.metrics != nil && !check.Safe {
		s.metrics.RecordSafetyRejection("cap_exceeded")
	}
	s.jsonResponse(w, check)
}

func (s *Server) handleBudgetUtilization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	util, err := s.c.Guard.GetBudgetUtilization(r.Context())
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	s.jsonResponse(w, util)
}

func (s *Server) handleBudgetSpending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	analysis, errs := s.c.Guard.AnalyzeSpending(r.Context(), time.Now())
	s.jsonResponse(w, map[string]any{
		"spending": analysis,
		"errors":   errorStrings(errs),
	})
}

func (s *Server) handleBudgetAtRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	risks, errs := s.c.Guard.GetCampaignsAtRisk(r.Context(), time.Now())
	s.jsonResponse(w, map[string]any{
		"at_risk": risks,
		"errors":  errorStrings(errs),
	})
}

func (s *Server) handleBudgetFreeze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "emergency freeze"
	}

	frozen, errs := s.c.Guard.EmergencyBudgetFreeze(r.Context(), reason)
	s.jsonResponse(w, map[string]any{
		"frozen": frozen,
		"errors": errorStrings(errs),
	})
}

// ---- Scaling ----

func (s *Server) handleScalingRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	results, errs := s.c.Scaler.AutoScaleCampaigns(r.Context())
	if s.metrics != nil {
		for _, res := range results {
			if res.Applied {
				s.metrics.RecordScaling(strconv.FormatFloat(res.Factor, 'f', -1, 64), string(models.ScalingTypeAuto))
			}
		}
	}
	s.jsonResponse(w, map[string]any{
		"results": results,
		"errors":  errorStrings(errs),
	})
}

// ---- Experiments ----

func (s *Server) handleTests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.c.Tests.ListRunning(r.Context())
		if err != nil {
			s.errorResponse(w, "failed to list tests", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, list)

	case http.MethodPost:
		var in optimizer.CreateTestInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		test, err := s.c.Tests.CreateTest(r.Context(), in)
		if err != nil {
			s.optimizerError(w, err)
			return
		}
		s.jsonResponse(w, test)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTestByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tests/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "":
		s.testByID(w, r, id)
	case "variants":
		s.addVariant(w, r, id)
	case "start":
		s.testTransition(w, r, id, s.c.Tests.StartTest)
	case "pause":
		s.testTransition(w, r, id, s.c.Tests.PauseTest)
	case "complete":
		s.completeTest(w, r, id)
	case "performance":
		s.testPerformance(w, r, id)
	case "health":
		s.testHealth(w, r, id)
	case "events":
		s.testEvent(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) testByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		test, err := s.c.Tests.GetTest(r.Context(), id)
		if err != nil {
			s.optimizerError(w, err)
			return
		}
		s.jsonResponse(w, test)

	case http.MethodDelete:
		if err := s.c.Tests.DeleteTest(r.Context(), id); err != nil {
			s.optimizerError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) addVariant(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	variant, err := s.c.Tests.AddVariant(r.Context(), id, req.Name, req.Content)
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	s.jsonResponse(w, variant)
}

func (s *Server) testTransition(w http.ResponseWriter, r *http.Request, id string,
	transition func(context.Context, string) (*models.ABTest, error)) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	test, err := transition(r.Context(), id)
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	if s.metrics != nil && test.Status == models.TestStatusRunning {
		s.metrics.TestsStarted.Inc()
	}
	s.jsonResponse(w, test)
}

func (s *Server) completeTest(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		WinnerVariantID string `json:"winner_variant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	test, err := s.c.Tests.CompleteTest(r.Context(), id, req.WinnerVariantID)
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTestCompleted("winner")
	}
	s.jsonResponse(w, test)
}

func (s *Server) testPerformance(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	perf, err := s.c.Tests.GetTestPerformance(r.Context(), id)
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	s.jsonResponse(w, perf)
}

func (s *Server) testHealth(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health, err := s.c.Winners.GetTestHealth(r.Context(), id)
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	s.jsonResponse(w, health)
}

func (s *Server) testEvent(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		VariantID string          `json:"variant_id"`
		Event     string          `json:"event"`
		Revenue   decimal.Decimal `json:"revenue"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.VariantID == "" {
		s.errorResponse(w, "variant_id is required", http.StatusBadRequest)
		return
	}

	var (
		variant *models.TestVariant
		err     error
	)
	switch req.Event {
	case "impression":
		variant, err = s.c.Tests.RecordImpression(r.Context(), req.VariantID)
	case "click":
		variant, err = s.c.Tests.RecordClick(r.Context(), req.VariantID)
	case "conversion":
		variant, err = s.c.Tests.RecordConversion(r.Context(), req.VariantID, req.Revenue)
	default:
		s.errorResponse(w, "unknown event type", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTestEvent(id, req.Event)
	}
	s.jsonResponse(w, variant)
}

func (s *Server) handleDetectWinners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	detections, err := s.c.Winners.DetectWinners(r.Context())
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.WinnersDetected.Add(float64(len(detections)))
	}
	s.jsonResponse(w, detections)
}

func (s *Server) handlePromoteWinners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	autoComplete := r.URL.Query().Get("complete") != "false"
	detections, errs := s.c.Winners.AutoPromoteWinners(r.Context(), autoComplete)
	s.jsonResponse(w, map[string]any{
		"promoted": detections,
		"errors":   errorStrings(errs),
	})
}

func (s *Server) handlePauseInconclusive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	maxDays := 14
	if v := r.URL.Query().Get("max_days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxDays = n
		}
	}
	paused, errs := s.c.Winners.PauseInconclusiveTests(r.Context(), maxDays)
	if s.metrics != nil {
		for range paused {
			s.metrics.RecordTestCompleted("inconclusive")
		}
	}
	s.jsonResponse(w, map[string]any{
		"paused": paused,
		"errors": errorStrings(errs),
	})
}

// ---- Quality and Fraud ----

func (s *Server) handleQualityScoreAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reports, errs := s.c.Quality.ScoreAllActive(r.Context())
	if s.metrics != nil {
		for _, rep := range reports {
			s.metrics.RecordQualityScore(rep.ConnectionID, float64(rep.QualityScore))
		}
	}
	s.jsonResponse(w, map[string]any{
		"reports": reports,
		"errors":  errorStrings(errs),
	})
}

func (s *Server) handleFraudScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reports, errs := s.c.Fraud.DetectAll(r.Context())
	s.jsonResponse(w, map[string]any{
		"reports": reports,
		"errors":  errorStrings(errs),
	})
}

func (s *Server) handleFraudClick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var click optimizer.ClickRisk
	if err := json.NewDecoder(r.Body).Decode(&click); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	score := s.c.Fraud.ScoreClick(click)
	highRisk := s.c.Fraud.IsHighRiskClick(click)
	if s.metrics != nil && highRisk {
		s.metrics.HighRiskClicks.Inc()
	}
	s.jsonResponse(w, map[string]any{
		"risk_score": score,
		"high_risk":  highRisk,
	})
}

func (s *Server) handleConnectionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/connections/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "quality":
		if r.Method != http.MethodPost {
			s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		report, err := s.c.Quality.ScoreConnection(r.Context(), id)
		if err != nil {
			s.optimizerError(w, err)
			return
		}
		if s.metrics != nil {
			s.metrics.RecordQualityScore(report.ConnectionID, float64(report.QualityScore))
		}
		s.jsonResponse(w, report)

	case "blacklist":
		if r.Method != http.MethodPost {
			s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.c.Quality.Blacklist(r.Context(), id); err != nil {
			s.optimizerError(w, err)
			return
		}
		s.jsonResponse(w, map[string]string{"id": id, "blacklisted": "true"})

	case "unblacklist":
		if r.Method != http.MethodPost {
			s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.c.Quality.Unblacklist(r.Context(), id); err != nil {
			s.optimizerError(w, err)
			return
		}
		s.jsonResponse(w, map[string]string{"id": id, "blacklisted": "false"})

	case "fraud":
		if r.Method != http.MethodGet {
			s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		report, err := s.c.Fraud.DetectConnection(r.Context(), id)
		if err != nil {
			s.optimizerError(w, err)
			return
		}
		s.jsonResponse(w, report)

	case "auto-pause":
		if r.Method != http.MethodPost {
			s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		paused, errs := s.c.Fraud.AutoPauseFraudulentCampaigns(r.Context(), id)
		if s.metrics != nil {
			for range paused {
				s.metrics.FraudAutoPauses.Inc()
			}
		}
		s.jsonResponse(w, map[string]any{
			"paused": paused,
			"errors": errorStrings(errs),
		})

	default:
		http.NotFound(w, r)
	}
}

// ---- Forecasting ----

func (s *Server) handlePortfolioPrediction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pred, err := s.c.Predict.GetPortfolioPrediction(r.Context())
	if err != nil {
		s.optimizerError(w, err)
		return
	}
	s.jsonResponse(w, pred)
}

// ---- Helper Methods ----

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// optimizerError maps the optimizer sentinel errors to HTTP statuses.
func (s *Server) optimizerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, optimizer.ErrNotFound):
		s.errorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, optimizer.ErrInvalidState):
		s.errorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, optimizer.ErrInsufficientData):
		s.errorResponse(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
	}
}

func errorStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}
