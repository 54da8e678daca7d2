package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the traffic optimizer.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Geo        GeoConfig
	Budget     BudgetConfig
	Scheduler  SchedulerConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxConns     int
	MinConns     int
	ConnLifetime time.Duration
	ConnIdleTime time.Duration
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// ClickHouseConfig configures the metric snapshot store.
type ClickHouseConfig struct {
	Enabled  bool
	Addr     string
	Database string
	User     string
	Password string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Path    string
	Port    string
}

// GeoConfig configures the MaxMind anonymous-IP lookup used by fraud
// detection.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
}

// BudgetConfig holds the portfolio-level budget controls.
type BudgetConfig struct {
	// GlobalCap is the hard ceiling on the sum of active daily budgets.
	GlobalCap decimal.Decimal
	// DefaultStrategy is the allocation strategy used when a request
	// names none.
	DefaultStrategy string
	// DailyTrafficEstimate feeds the days-to-significance projection
	// for running split tests.
	DailyTrafficEstimate int
}

// SchedulerConfig holds the background job intervals. Zero disables a
// job.
type SchedulerConfig struct {
	Enabled           bool
	RebalanceInterval time.Duration
	ScalingInterval   time.Duration
	WinnerInterval    time.Duration
	QualityInterval   time.Duration
	FraudInterval     time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("OFFERLAB_HTTP_ADDR", ":8080"),
			Env:             getEnv("OFFERLAB_ENV", "development"),
			ShutdownTimeout: getDurationEnv("OFFERLAB_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:         getEnv("OFFERLAB_DB_HOST", "localhost"),
			Port:         getIntEnv("OFFERLAB_DB_PORT", 5432),
			User:         getEnv("OFFERLAB_DB_USER", "offerlab"),
			Password:     getEnv("OFFERLAB_DB_PASSWORD", "offerlab_secret"),
			DBName:       getEnv("OFFERLAB_DB_NAME", "offerlab"),
			SSLMode:      getEnv("OFFERLAB_DB_SSLMODE", "disable"),
			MaxConns:     getIntEnv("OFFERLAB_DB_MAX_CONNS", 25),
			MinConns:     getIntEnv("OFFERLAB_DB_MIN_CONNS", 5),
			ConnLifetime: getDurationEnv("OFFERLAB_DB_CONN_LIFETIME", time.Hour),
			ConnIdleTime: getDurationEnv("OFFERLAB_DB_CONN_IDLE", 30*time.Minute),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  getBoolEnv("OFFERLAB_CLICKHOUSE_ENABLED", false),
			Addr:     getEnv("OFFERLAB_CLICKHOUSE_ADDR", "localhost:9000"),
			Database: getEnv("OFFERLAB_CLICKHOUSE_DB", "offerlab"),
			User:     getEnv("OFFERLAB_CLICKHOUSE_USER", "default"),
			Password: getEnv("OFFERLAB_CLICKHOUSE_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("OFFERLAB_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("OFFERLAB_REDIS_PASSWORD", ""),
			DB:       getIntEnv("OFFERLAB_REDIS_DB", 0),
			PoolSize: getIntEnv("OFFERLAB_REDIS_POOL_SIZE", 50),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("OFFERLAB_AUTH_ENABLED", true),
			MasterKey: getEnv("OFFERLAB_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("OFFERLAB_AUTH_SKIP_PATHS", []string{"/health", "/metrics"}),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBoolEnv("OFFERLAB_RATE_LIMIT_ENABLED", true),
			RPS:     getFloatEnv("OFFERLAB_RATE_LIMIT_RPS", 100),
			Burst:   getIntEnv("OFFERLAB_RATE_LIMIT_BURST", 20),
		},
		Log: LogConfig{
			Level:  getEnv("OFFERLAB_LOG_LEVEL", "info"),
			Format: getEnv("OFFERLAB_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("OFFERLAB_METRICS_ENABLED", true),
			Path:    getEnv("OFFERLAB_METRICS_PATH", "/metrics"),
			Port:    getEnv("OFFERLAB_METRICS_PORT", "9090"),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("OFFERLAB_GEO_ENABLED", false),
			DatabasePath: getEnv("OFFERLAB_GEO_DB_PATH", "/app/data/GeoIP2-Anonymous-IP.mmdb"),
		},
		Budget: BudgetConfig{
			GlobalCap:            getDecimalEnv("OFFERLAB_BUDGET_GLOBAL_CAP", decimal.NewFromInt(300)),
			DefaultStrategy:      getEnv("OFFERLAB_BUDGET_DEFAULT_STRATEGY", "balanced"),
			DailyTrafficEstimate: getIntEnv("OFFERLAB_TEST_DAILY_TRAFFIC", 100),
		},
		Scheduler: SchedulerConfig{
			Enabled:           getBoolEnv("OFFERLAB_SCHEDULER_ENABLED", true),
			RebalanceInterval: getDurationEnv("OFFERLAB_REBALANCE_INTERVAL", 6*time.Hour),
			ScalingInterval:   getDurationEnv("OFFERLAB_SCALING_INTERVAL", 1*time.Hour),
			WinnerInterval:    getDurationEnv("OFFERLAB_WINNER_INTERVAL", 1*time.Hour),
			QualityInterval:   getDurationEnv("OFFERLAB_QUALITY_INTERVAL", 24*time.Hour),
			FraudInterval:     getDurationEnv("OFFERLAB_FRAUD_INTERVAL", 30*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("OFFERLAB_API_KEY_MASTER is required when auth is enabled")
	}
	if !c.Budget.GlobalCap.IsPositive() {
		return fmt.Errorf("OFFERLAB_BUDGET_GLOBAL_CAP must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getDecimalEnv(key string, def decimal.Decimal) decimal.Decimal {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
