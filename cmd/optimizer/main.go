package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/offerlab/traffic-optimizer/internal/config"
	"github.com/offerlab/traffic-optimizer/internal/database"
	"github.com/offerlab/traffic-optimizer/internal/httpserver"
	"github.com/offerlab/traffic-optimizer/internal/metrics"
	"github.com/offerlab/traffic-optimizer/internal/middleware"
	"github.com/offerlab/traffic-optimizer/internal/scheduler"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg)
	defer logger.Sync()

	logger.Info("starting traffic optimizer",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.String("budget_cap", cfg.Budget.GlobalCap.StringFixed(2)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Initialize backends; missing ones degrade to in-memory storage.
	var db *database.PostgresDB
	db, err = database.NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
		db = nil
	} else {
		defer db.Close()
	}

	var rdb *database.RedisDB
	rdb, err = database.NewRedisDB(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis not available, spend tracking is in-process only", zap.Error(err))
		rdb = nil
	} else {
		defer rdb.Close()
	}

	var ch *database.ClickHouseDB
	if cfg.ClickHouse.Enabled {
		ch, err = database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			logger.Warn("ClickHouse not available, snapshots held in memory", zap.Error(err))
			ch = nil
		} else {
			defer ch.Close()
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics("offerlab")
	}

	deps := &httpserver.Dependencies{
		DB:         db,
		Redis:      rdb,
		ClickHouse: ch,
		Config:     cfg,
		Logger:     logger,
		Metrics:    m,
	}

	components := httpserver.NewComponents(deps)
	handler := httpserver.NewServer(deps, components)

	// Middleware chain: recovery > logging > auth > rate limit.
	rateLimit := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger)
	rateLimit.SetMetrics(m)
	handler = rateLimit.Handler(handler)
	handler = middleware.NewAuthMiddleware(cfg.Auth, logger).Handler(handler)
	handler = middleware.NewLoggingMiddleware(logger).Handler(handler)
	handler = middleware.NewRecoveryMiddleware(logger).Handler(handler)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Background sweeps
	sched := scheduler.New(cfg.Scheduler, cfg.Budget, components, m, logger)
	sched.Start(context.Background())

	if db != nil && m != nil {
		go reportPoolStats(db, m)
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// reportPoolStats refreshes the connection gauges once a minute.
func reportPoolStats(db *database.PostgresDB, m *metrics.Metrics) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		m.UpdateDBStats(db.PoolStats())
	}
}

func setupLogger(cfg *config.Config) *zap.Logger {
	var zapCfg zap.Config

	if cfg.IsDevelopment() {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Log.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}

	return logger
}
