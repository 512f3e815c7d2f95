package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage and queue drivers.
const (
	DBDriverSQLite   = "sqlite"
	DBDriverPostgres = "postgres"

	QueueDriverMemory = "memory"
	QueueDriverRedis  = "redis"
)

const (
	defaultListenAddr        = ":8080"
	defaultDBDriver          = DBDriverSQLite
	defaultDBPath            = "conductor.db"
	defaultQueueDriver       = QueueDriverMemory
	defaultRedisURL          = "redis://localhost:6379/0"
	defaultQueueName         = "runs"
	defaultEngineURL         = "http://localhost:8000"
	defaultExecTimeout       = 5 * time.Minute
	defaultWorkerConcurrency = 4
	defaultPollInterval      = time.Second
	defaultVisibility        = 10 * time.Minute
	defaultRetryMaxAttempts  = 3
	defaultRetryBaseDelay    = 30 * time.Second
	defaultRetryMaxDelay     = 5 * time.Minute
	defaultSweepInterval     = time.Minute
	defaultOrphanGrace       = 2 * time.Minute
	defaultHubBuffer         = 64

	envListenAddr        = "CONDUCTOR_LISTEN_ADDR"
	envDBDriver          = "CONDUCTOR_DB_DRIVER"
	envDBPath            = "CONDUCTOR_DB_PATH"
	envDatabaseURL       = "CONDUCTOR_DATABASE_URL"
	envQueueDriver       = "CONDUCTOR_QUEUE_DRIVER"
	envRedisURL          = "CONDUCTOR_REDIS_URL"
	envQueueName         = "CONDUCTOR_QUEUE_NAME"
	envLogLevel          = "CONDUCTOR_LOG_LEVEL"
	envEngineURL         = "CONDUCTOR_WORKFLOW_ENGINE_URL"
	envExecTimeout       = "CONDUCTOR_EXEC_TIMEOUT"
	envWorkerConcurrency = "CONDUCTOR_WORKER_CONCURRENCY"
	envPollInterval      = "CONDUCTOR_POLL_INTERVAL"
	envVisibility        = "CONDUCTOR_VISIBILITY_TIMEOUT"
	envRetryMaxAttempts  = "CONDUCTOR_RETRY_MAX_ATTEMPTS"
	envRetryBaseDelay    = "CONDUCTOR_RETRY_BASE_DELAY"
	envRetryMaxDelay     = "CONDUCTOR_RETRY_MAX_DELAY"
	envSweepInterval     = "CONDUCTOR_SWEEP_INTERVAL"
	envOrphanGrace       = "CONDUCTOR_ORPHAN_GRACE"
	envStaleAfter        = "CONDUCTOR_STALE_AFTER"
	envMarkerTTL         = "CONDUCTOR_ENQUEUE_MARKER_TTL"
	envHubBuffer         = "CONDUCTOR_HUB_BUFFER"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	LogLevel   slog.Level

	DBDriver    string
	DBPath      string
	DatabaseURL string

	QueueDriver       string
	RedisURL          string
	QueueName         string
	VisibilityTimeout time.Duration

	WorkflowEngineURL string
	ExecTimeout       time.Duration
	WorkerConcurrency int
	PollInterval      time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	SweepInterval time.Duration
	OrphanGrace   time.Duration
	StaleAfter    time.Duration
	MarkerTTL     time.Duration

	HubBuffer int
}

// Load reads configuration from environment variables with sensible defaults.
// Unparseable or out-of-range values fall back to the default.
func Load() Config {
	cfg := Config{
		ListenAddr:        envString(envListenAddr, defaultListenAddr),
		LogLevel:          slog.LevelInfo,
		DBDriver:          envChoice(envDBDriver, defaultDBDriver, DBDriverSQLite, DBDriverPostgres),
		DBPath:            envString(envDBPath, defaultDBPath),
		DatabaseURL:       os.Getenv(envDatabaseURL),
		QueueDriver:       envChoice(envQueueDriver, defaultQueueDriver, QueueDriverMemory, QueueDriverRedis),
		RedisURL:          envString(envRedisURL, defaultRedisURL),
		QueueName:         envString(envQueueName, defaultQueueName),
		VisibilityTimeout: envDuration(envVisibility, defaultVisibility),
		WorkflowEngineURL: envString(envEngineURL, defaultEngineURL),
		ExecTimeout:       envDuration(envExecTimeout, defaultExecTimeout),
		WorkerConcurrency: envInt(envWorkerConcurrency, defaultWorkerConcurrency),
		PollInterval:      envDuration(envPollInterval, defaultPollInterval),
		RetryMaxAttempts:  envInt(envRetryMaxAttempts, defaultRetryMaxAttempts),
		RetryBaseDelay:    envDuration(envRetryBaseDelay, defaultRetryBaseDelay),
		RetryMaxDelay:     envDuration(envRetryMaxDelay, defaultRetryMaxDelay),
		SweepInterval:     envDuration(envSweepInterval, defaultSweepInterval),
		OrphanGrace:       envDuration(envOrphanGrace, defaultOrphanGrace),
		HubBuffer:         envInt(envHubBuffer, defaultHubBuffer),
	}

	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	// A running attempt is never considered stale before its own timeout.
	cfg.StaleAfter = envDuration(envStaleAfter, cfg.ExecTimeout+cfg.OrphanGrace)
	if cfg.StaleAfter <= cfg.ExecTimeout {
		cfg.StaleAfter = cfg.ExecTimeout + cfg.OrphanGrace
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}

	// A delayed requeue or a redelivery after the visibility timeout must
	// not look lost.
	minMarkerTTL := cfg.VisibilityTimeout + cfg.RetryMaxDelay
	cfg.MarkerTTL = envDuration(envMarkerTTL, minMarkerTTL+cfg.OrphanGrace)
	if cfg.MarkerTTL <= minMarkerTTL {
		cfg.MarkerTTL = minMarkerTTL + cfg.OrphanGrace
	}

	return cfg
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envChoice(key, def string, allowed ...string) string {
	v := strings.ToLower(os.Getenv(key))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return def
}

func envInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
