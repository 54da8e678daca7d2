package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/offerlab/traffic-optimizer/internal/config"
	"github.com/offerlab/traffic-optimizer/internal/httpserver"
	"github.com/offerlab/traffic-optimizer/internal/metrics"
	"github.com/offerlab/traffic-optimizer/internal/models"
	"github.com/offerlab/traffic-optimizer/internal/optimizer"
)

// Scheduler runs the periodic optimization sweeps: budget rebalancing,
// auto scaling, winner promotion, quality scoring and fraud scans. Each
// job has its own ticker; a zero interval disables the job.
type Scheduler struct {
	cfg     config.SchedulerConfig
	budget  config.BudgetConfig
	c       *httpserver.Components
	logger  *zap.Logger
	metrics *metrics.Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg config.SchedulerConfig, budget config.BudgetConfig, c *httpserver.Components, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		budget:  budget,
		c:       c,
		logger:  logger,
		metrics: m,
	}
}

// Start launches the job loops. It returns immediately; jobs run until
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.spawn(ctx, "rebalance", s.cfg.RebalanceInterval, s.runRebalance)
	s.spawn(ctx, "scaling", s.cfg.ScalingInterval, s.runScaling)
	s.spawn(ctx, "winner", s.cfg.WinnerInterval, s.runWinnerSweep)
	s.spawn(ctx, "quality", s.cfg.QualityInterval, s.runQualitySweep)
	s.spawn(ctx, "fraud", s.cfg.FraudInterval, s.runFraudSweep)

	s.logger.Info("scheduler started",
		zap.Duration("rebalance", s.cfg.RebalanceInterval),
		zap.Duration("scaling", s.cfg.ScalingInterval),
		zap.Duration("winner", s.cfg.WinnerInterval),
		zap.Duration("quality", s.cfg.QualityInterval),
		zap.Duration("fraud", s.cfg.FraudInterval),
	)
}

// Stop cancels all job loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) spawn(ctx context.Context, name string, interval time.Duration, job func(context.Context) error) {
	if interval <= 0 {
		s.logger.Info("job disabled", zap.String("job", name))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				err := job(ctx)
				elapsed := time.Since(start)
				if s.metrics != nil {
					s.metrics.RecordJob(name, err, elapsed)
				}
				if err != nil {
					s.logger.Error("job failed",
						zap.String("job", name),
						zap.Duration("elapsed", elapsed),
						zap.Error(err))
				} else {
					s.logger.Debug("job completed",
						zap.String("job", name),
						zap.Duration("elapsed", elapsed))
				}
			}
		}
	}()
}

// runRebalance reallocates the global cap across active campaigns with
// the scheduled thresholds, pausing sustained losers.
func (s *Scheduler) runRebalance(ctx context.Context) error {
	strategy, err := models.ParseBudgetStrategy(s.budget.DefaultStrategy)
	if err != nil {
		return err
	}

	opts := optimizer.ScheduledOptions(strategy)
	result, err := s.c.Rebalancer.Rebalance(ctx, s.budget.GlobalCap, opts)
	if err != nil {
		return err
	}

	s.logger.Info("rebalance sweep",
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped),
		zap.Strings("paused", result.PausedCampaigns),
	)
	return nil
}

func (s *Scheduler) runScaling(ctx context.Context) error {
	results, errs := s.c.Scaler.AutoScaleCampaigns(ctx)
	applied := 0
	for _, res := range results {
		if res.Applied {
			applied++
		}
	}
	s.logger.Info("scaling sweep",
		zap.Int("scaled", applied),
		zap.Int("candidates", len(results)),
		zap.Int("errors", len(errs)),
	)
	return firstError(errs)
}

func (s *Scheduler) runWinnerSweep(ctx context.Context) error {
	promoted, errs := s.c.Winners.AutoPromoteWinners(ctx, true)
	if s.metrics != nil {
		s.metrics.WinnersDetected.Add(float64(len(promoted)))
	}
	s.logger.Info("winner sweep", zap.Int("promoted", len(promoted)), zap.Int("errors", len(errs)))
	return firstError(errs)
}

func (s *Scheduler) runQualitySweep(ctx context.Context) error {
	reports, errs := s.c.Quality.ScoreAllActive(ctx)
	if s.metrics != nil {
		for _, rep := range reports {
			s.metrics.RecordQualityScore(rep.ConnectionID, float64(rep.QualityScore))
		}
	}
	s.logger.Info("quality sweep", zap.Int("scored", len(reports)), zap.Int("errors", len(errs)))
	return firstError(errs)
}

func (s *Scheduler) runFraudSweep(ctx context.Context) error {
	reports, errs := s.c.Fraud.DetectAll(ctx)

	// Campaigns under connections flagged fraudulent are auto paused.
	paused := 0
	for _, rep := range reports {
		if !rep.IsFraudulent {
			continue
		}
		ids, pauseErrs := s.c.Fraud.AutoPauseFraudulentCampaigns(ctx, rep.ConnectionID)
		paused += len(ids)
		errs = append(errs, pauseErrs...)
		if s.metrics != nil {
			for range ids {
				s.metrics.FraudAutoPauses.Inc()
			}
		}
	}

	s.logger.Info("fraud sweep",
		zap.Int("connections", len(reports)),
		zap.Int("paused", paused),
		zap.Int("errors", len(errs)),
	)
	return firstError(errs)
}

func firstError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}
