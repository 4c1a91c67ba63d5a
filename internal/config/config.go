// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory store if not set)

	// Orchestrator / tick cadence
	TickInterval time.Duration // time between orchestrator ticks
	TickBudget   time.Duration // per-tick deadline before the tick is marked tick_over_budget

	// Router (C2)
	RouterKMax    int // max number of candidate paths returned per payment
	RouterHopMax  int // max hops a candidate path may take
	RouterTimeout time.Duration

	// Clearing (C4)
	ClearingCycleLenOnTick   int // max cycle length considered on every tick
	ClearingCycleLenPeriodic int // max cycle length considered on periodic deep runs
	ClearingPeriodicEvery    int // ticks between periodic deep runs
	ClearingMaxCyclesPerRun  int
	ClearingTimeBudget       time.Duration

	// Trust drift (C5)
	DriftGrowthFactor   float64 // default per-touch limit growth factor, e.g. 1.05
	DriftDecayFactor    float64 // default idle-decay factor, e.g. 0.98
	DriftIdleThreshold  time.Duration
	DriftLimitMinAtoms  int64

	// Event bus (C8)
	EventBusQueueSize int // per-subscriber bounded queue depth

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts (debug surface: /metrics, /healthz)
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint (e.g. "localhost:4317"), empty = disabled
}

// Defaults
const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	DefaultTickInterval = 1 * time.Second
	DefaultTickBudget   = 800 * time.Millisecond

	DefaultRouterKMax    = 4
	DefaultRouterHopMax  = 6
	DefaultRouterTimeout = 200 * time.Millisecond

	DefaultClearingCycleLenOnTick   = 4
	DefaultClearingCycleLenPeriodic = 6
	DefaultClearingPeriodicEvery    = 10
	DefaultClearingMaxCyclesPerRun  = 50
	DefaultClearingTimeBudget       = 500 * time.Millisecond

	DefaultDriftGrowthFactor  = 1.05
	DefaultDriftDecayFactor   = 0.98
	DefaultDriftIdleThreshold = 24 * time.Hour
	DefaultDriftLimitMinAtoms = 0

	DefaultEventBusQueueSize = 256

	// Database pool defaults
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5     // seconds
	DefaultDBStatementTimeout = 30000 // milliseconds (30s)

	// HTTP server timeout defaults
	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", DefaultPort),
		Env:       getEnv("ENV", DefaultEnv),
		LogLevel:  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("LOG_FORMAT", DefaultLogFormat),

		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory store if not set

		TickInterval: getEnvDuration("TICK_INTERVAL", DefaultTickInterval),
		TickBudget:   getEnvDuration("TICK_BUDGET", DefaultTickBudget),

		RouterKMax:    int(getEnvInt64("ROUTER_K_MAX", int64(DefaultRouterKMax))),
		RouterHopMax:  int(getEnvInt64("ROUTER_HOP_MAX", int64(DefaultRouterHopMax))),
		RouterTimeout: getEnvDuration("ROUTER_TIMEOUT", DefaultRouterTimeout),

		ClearingCycleLenOnTick:   int(getEnvInt64("CLEARING_CYCLE_LEN_ON_TICK", int64(DefaultClearingCycleLenOnTick))),
		ClearingCycleLenPeriodic: int(getEnvInt64("CLEARING_CYCLE_LEN_PERIODIC", int64(DefaultClearingCycleLenPeriodic))),
		ClearingPeriodicEvery:    int(getEnvInt64("CLEARING_PERIODIC_EVERY", int64(DefaultClearingPeriodicEvery))),
		ClearingMaxCyclesPerRun:  int(getEnvInt64("CLEARING_MAX_CYCLES_PER_RUN", int64(DefaultClearingMaxCyclesPerRun))),
		ClearingTimeBudget:       getEnvDuration("CLEARING_TIME_BUDGET", DefaultClearingTimeBudget),

		DriftGrowthFactor:  getEnvFloat("DRIFT_GROWTH_FACTOR", DefaultDriftGrowthFactor),
		DriftDecayFactor:   getEnvFloat("DRIFT_DECAY_FACTOR", DefaultDriftDecayFactor),
		DriftIdleThreshold: getEnvDuration("DRIFT_IDLE_THRESHOLD", DefaultDriftIdleThreshold),
		DriftLimitMinAtoms: getEnvInt64("DRIFT_LIMIT_MIN_ATOMS", DefaultDriftLimitMinAtoms),

		EventBusQueueSize: int(getEnvInt64("EVENTBUS_QUEUE_SIZE", int64(DefaultEventBusQueueSize))),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are internally consistent.
func (c *Config) Validate() error {
	// Port range
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive, got %v", c.TickInterval)
	}

	if c.TickBudget <= 0 || c.TickBudget > c.TickInterval {
		return fmt.Errorf("TICK_BUDGET must be positive and at most TICK_INTERVAL, got %v (interval %v)", c.TickBudget, c.TickInterval)
	}

	if c.RouterKMax < 1 {
		return fmt.Errorf("ROUTER_K_MAX must be at least 1, got %d", c.RouterKMax)
	}
	if c.RouterHopMax < 1 {
		return fmt.Errorf("ROUTER_HOP_MAX must be at least 1, got %d", c.RouterHopMax)
	}

	if c.ClearingCycleLenOnTick < 3 {
		return fmt.Errorf("CLEARING_CYCLE_LEN_ON_TICK must be at least 3, got %d", c.ClearingCycleLenOnTick)
	}
	if c.ClearingCycleLenPeriodic < c.ClearingCycleLenOnTick {
		return fmt.Errorf("CLEARING_CYCLE_LEN_PERIODIC (%d) must be >= CLEARING_CYCLE_LEN_ON_TICK (%d)", c.ClearingCycleLenPeriodic, c.ClearingCycleLenOnTick)
	}

	// Drift growth must strictly expand and decay must strictly contract,
	// otherwise TrustLine limits never converge to their policy shape.
	if c.DriftGrowthFactor <= 1.0 {
		return fmt.Errorf("DRIFT_GROWTH_FACTOR must be > 1.0, got %v", c.DriftGrowthFactor)
	}
	if c.DriftDecayFactor <= 0 || c.DriftDecayFactor >= 1.0 {
		return fmt.Errorf("DRIFT_DECAY_FACTOR must be in (0, 1), got %v", c.DriftDecayFactor)
	}

	// DB statement timeout sanity
	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	if c.EventBusQueueSize < 1 {
		return fmt.Errorf("EVENTBUS_QUEUE_SIZE must be at least 1, got %d", c.EventBusQueueSize)
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether the hub should run against Postgres instead
// of the in-memory store.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
