package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Config holds all configuration for the dispatch core.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	// DeliveryURL is the vendor gateway the notifications are POSTed to.
	DeliveryURL    string `json:"delivery_url"`
	DeliverySecret string `json:"-"`
	// HookSecret signs inbound contact-change hooks. Empty disables
	// signature checks.
	HookSecret string `json:"-"`

	PollIntervalStr string        `json:"poll_interval"`
	PollInterval    time.Duration `json:"-"`

	// SendHourLocal is the local wall-clock hour notifications target.
	SendHourLocal int `json:"send_hour_local"`

	SchedulerBatchSize int `json:"scheduler_batch_size"`

	WorkerConcurrency int `json:"worker_concurrency"`
	QueuePrefetch     int `json:"queue_prefetch"`

	MaxRetries          int           `json:"max_retries"`
	RetryBackoffBaseStr string        `json:"retry_backoff_base"`
	RetryBackoffBase    time.Duration `json:"-"`
	RetryBackoffCapStr  string        `json:"retry_backoff_cap"`
	RetryBackoffCap     time.Duration `json:"-"`
	DeliveryTimeoutStr  string        `json:"delivery_timeout"`
	DeliveryTimeout     time.Duration `json:"-"`

	// SweepSchedule is a standard 5-field cron expression.
	SweepSchedule string `json:"sweep_schedule"`

	// LeaseTimeout must exceed DeliveryTimeout, otherwise a slow but
	// alive delivery gets reclaimed mid-send.
	LeaseTimeoutStr string        `json:"lease_timeout"`
	LeaseTimeout    time.Duration `json:"-"`

	BackfillGraceStr string        `json:"backfill_grace"`
	BackfillGrace    time.Duration `json:"-"`
	SweepBatchSize   int           `json:"sweep_batch_size"`

	// QueueMode: "channel" (in-memory) or "redis" (Redis Streams).
	QueueMode       string `json:"queue_mode"`
	QueueStream     string `json:"queue_stream"`
	QueueGroup      string `json:"queue_group"`
	QueueBufferSize int    `json:"queue_buffer_size"`

	DBOpTimeoutStr string        `json:"db_op_timeout"`
	DBOpTimeout    time.Duration `json:"-"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`
	DBConnMaxIdleTime    time.Duration `json:"-"`

	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`
	HTTPShutdownTimeout    time.Duration `json:"-"`
	WorkerDrainTimeoutStr  string        `json:"worker_drain_timeout"`
	WorkerDrainTimeout     time.Duration `json:"-"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`
	CircuitBreakerCooldown    time.Duration `json:"-"`

	AnalyticsEnabled      bool          `json:"analytics_enabled"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`
	AnalyticsRetention    time.Duration `json:"-"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap for the
	// sweeper leadership.
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`
	LeaderRetryInterval    time.Duration `json:"-"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
	LeaderHeartbeatInterval    time.Duration `json:"-"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		DeliveryURL:                os.Getenv("DELIVERY_URL"),
		DeliverySecret:             os.Getenv("DELIVERY_SECRET"),
		HookSecret:                 os.Getenv("HOOK_SECRET"),
		PollIntervalStr:            os.Getenv("POLL_INTERVAL"),
		RetryBackoffBaseStr:        os.Getenv("RETRY_BACKOFF_BASE"),
		RetryBackoffCapStr:         os.Getenv("RETRY_BACKOFF_CAP"),
		DeliveryTimeoutStr:         os.Getenv("DELIVERY_TIMEOUT"),
		SweepSchedule:              os.Getenv("SWEEP_SCHEDULE"),
		LeaseTimeoutStr:            os.Getenv("LEASE_TIMEOUT"),
		BackfillGraceStr:           os.Getenv("BACKFILL_GRACE"),
		QueueMode:                  os.Getenv("QUEUE_MODE"),
		QueueStream:                os.Getenv("QUEUE_STREAM"),
		QueueGroup:                 os.Getenv("QUEUE_GROUP"),
		DBOpTimeoutStr:             os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:       os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:       os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr:     os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		WorkerDrainTimeoutStr:      os.Getenv("WORKER_DRAIN_TIMEOUT"),
		MetricsEnabled:             os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:                os.Getenv("METRICS_PATH"),
		CircuitBreakerCooldownStr:  os.Getenv("CIRCUIT_BREAKER_COOLDOWN"),
		AnalyticsEnabled:           os.Getenv("ANALYTICS_ENABLED") == "true",
		AnalyticsRetentionStr:      os.Getenv("ANALYTICS_RETENTION"),
		LeaderRetryIntervalStr:     os.Getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr: os.Getenv("LEADER_HEARTBEAT_INTERVAL"),
	}

	cfg.SendHourLocal = 9
	if hourStr := os.Getenv("SEND_HOUR_LOCAL"); hourStr != "" {
		if n, err := parseInt(hourStr); err == nil && n <= 23 {
			cfg.SendHourLocal = n
		} else {
			log.Printf("config: invalid SEND_HOUR_LOCAL %q (must be 0-23), using default 9", hourStr)
		}
	}

	if batchStr := os.Getenv("SCHEDULER_BATCH_SIZE"); batchStr != "" {
		if n, err := parseInt(batchStr); err == nil && n > 0 {
			cfg.SchedulerBatchSize = n
		}
	}
	if cfg.SchedulerBatchSize == 0 {
		cfg.SchedulerBatchSize = 500
	}

	if workersStr := os.Getenv("WORKER_CONCURRENCY"); workersStr != "" {
		if n, err := parseInt(workersStr); err == nil && n > 0 {
			cfg.WorkerConcurrency = n
		} else {
			log.Printf("config: invalid WORKER_CONCURRENCY %q (must be a positive integer), using default 4", workersStr)
		}
	}
	if cfg.WorkerConcurrency == 0 {
		cfg.WorkerConcurrency = 4
	}

	if prefetchStr := os.Getenv("QUEUE_PREFETCH"); prefetchStr != "" {
		if n, err := parseInt(prefetchStr); err == nil && n > 0 {
			cfg.QueuePrefetch = n
		}
	}
	if cfg.QueuePrefetch == 0 {
		cfg.QueuePrefetch = 10
	}

	if retriesStr := os.Getenv("MAX_RETRIES"); retriesStr != "" {
		if n, err := parseInt(retriesStr); err == nil && n > 0 {
			cfg.MaxRetries = n
		} else {
			log.Printf("config: invalid MAX_RETRIES %q (must be a positive integer), using default 3", retriesStr)
		}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	if batchStr := os.Getenv("SWEEP_BATCH_SIZE"); batchStr != "" {
		if n, err := parseInt(batchStr); err == nil && n > 0 {
			cfg.SweepBatchSize = n
		}
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = 100
	}

	if bufStr := os.Getenv("QUEUE_BUFFER_SIZE"); bufStr != "" {
		if n, err := parseInt(bufStr); err == nil && n > 0 {
			cfg.QueueBufferSize = n
		} else {
			log.Printf("config: invalid QUEUE_BUFFER_SIZE %q (must be a positive integer), using default 100", bufStr)
		}
	}
	if cfg.QueueBufferSize == 0 {
		cfg.QueueBufferSize = 100
	}

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
		}
	}
	if cfg.CircuitBreakerThreshold == 0 && os.Getenv("CIRCUIT_BREAKER_THRESHOLD") == "" {
		cfg.CircuitBreakerThreshold = 5
	}

	if lockKeyStr := os.Getenv("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := parseInt(lockKeyStr); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 902214", lockKeyStr)
		}
	}
	if cfg.LeaderLockKey == 0 {
		cfg.LeaderLockKey = 902214
	}

	if maxOpenStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxOpenStr != "" {
		if n, err := parseInt(maxOpenStr); err == nil && n > 0 {
			cfg.DBMaxOpenConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 25
	}

	if maxIdleStr := os.Getenv("DB_MAX_IDLE_CONNS"); maxIdleStr != "" {
		if n, err := parseInt(maxIdleStr); err == nil && n > 0 {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 5
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.PollIntervalStr == "" {
		cfg.PollIntervalStr = "30s"
	}
	if cfg.RetryBackoffBaseStr == "" {
		cfg.RetryBackoffBaseStr = "1m"
	}
	if cfg.RetryBackoffCapStr == "" {
		cfg.RetryBackoffCapStr = "1h"
	}
	if cfg.DeliveryTimeoutStr == "" {
		cfg.DeliveryTimeoutStr = "30s"
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "*/5 * * * *"
	}
	if cfg.LeaseTimeoutStr == "" {
		cfg.LeaseTimeoutStr = "10m"
	}
	if cfg.BackfillGraceStr == "" {
		cfg.BackfillGraceStr = "15m"
	}
	if cfg.QueueMode == "" {
		cfg.QueueMode = "channel"
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = "bday:dispatch"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "dispatchers"
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.DBConnMaxIdleTimeStr == "" {
		cfg.DBConnMaxIdleTimeStr = "5m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.WorkerDrainTimeoutStr == "" {
		cfg.WorkerDrainTimeoutStr = "30s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}
	if cfg.AnalyticsRetentionStr == "" {
		cfg.AnalyticsRetentionStr = "720h" // 30 days
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "5s"
	}
	if cfg.LeaderHeartbeatIntervalStr == "" {
		cfg.LeaderHeartbeatIntervalStr = "2s"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.PollIntervalStr); err == nil {
		cfg.PollInterval = d
	}
	if d, err := time.ParseDuration(cfg.RetryBackoffBaseStr); err == nil {
		cfg.RetryBackoffBase = d
	}
	if d, err := time.ParseDuration(cfg.RetryBackoffCapStr); err == nil {
		cfg.RetryBackoffCap = d
	}
	if d, err := time.ParseDuration(cfg.DeliveryTimeoutStr); err == nil {
		cfg.DeliveryTimeout = d
	}
	if d, err := time.ParseDuration(cfg.LeaseTimeoutStr); err == nil {
		cfg.LeaseTimeout = d
	}
	if d, err := time.ParseDuration(cfg.BackfillGraceStr); err == nil {
		cfg.BackfillGrace = d
	}
	if d, err := time.ParseDuration(cfg.DBOpTimeoutStr); err == nil {
		cfg.DBOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxIdleTimeStr); err == nil {
		cfg.DBConnMaxIdleTime = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.WorkerDrainTimeoutStr); err == nil {
		cfg.WorkerDrainTimeout = d
	}
	if d, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err == nil {
		cfg.CircuitBreakerCooldown = d
	}
	if d, err := time.ParseDuration(cfg.AnalyticsRetentionStr); err == nil {
		cfg.AnalyticsRetention = d
	}
	if d, err := time.ParseDuration(cfg.LeaderRetryIntervalStr); err == nil {
		cfg.LeaderRetryInterval = d
	}
	if d, err := time.ParseDuration(cfg.LeaderHeartbeatIntervalStr); err == nil {
		cfg.LeaderHeartbeatInterval = d
	}

	return cfg
}

// parseInt parses a string as an integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DatabaseURL             string `json:"database_url"`
		RedisAddr               string `json:"redis_addr,omitempty"`
		HTTPAddr                string `json:"http_addr"`
		DeliveryURL             string `json:"delivery_url"`
		DeliverySecret          string `json:"delivery_secret"`
		HookSecret              string `json:"hook_secret"`
		PollInterval            string `json:"poll_interval"`
		SendHourLocal           int    `json:"send_hour_local"`
		SchedulerBatchSize      int    `json:"scheduler_batch_size"`
		WorkerConcurrency       int    `json:"worker_concurrency"`
		QueuePrefetch           int    `json:"queue_prefetch"`
		MaxRetries              int    `json:"max_retries"`
		RetryBackoffBase        string `json:"retry_backoff_base"`
		RetryBackoffCap         string `json:"retry_backoff_cap"`
		DeliveryTimeout         string `json:"delivery_timeout"`
		SweepSchedule           string `json:"sweep_schedule"`
		LeaseTimeout            string `json:"lease_timeout"`
		BackfillGrace           string `json:"backfill_grace"`
		SweepBatchSize          int    `json:"sweep_batch_size"`
		QueueMode               string `json:"queue_mode"`
		QueueStream             string `json:"queue_stream"`
		QueueGroup              string `json:"queue_group"`
		QueueBufferSize         int    `json:"queue_buffer_size"`
		DBOpTimeout             string `json:"db_op_timeout"`
		DBMaxOpenConns          int    `json:"db_max_open_conns"`
		DBMaxIdleConns          int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		WorkerDrainTimeout      string `json:"worker_drain_timeout"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPath             string `json:"metrics_path"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
		AnalyticsEnabled        bool   `json:"analytics_enabled"`
		AnalyticsRetention      string `json:"analytics_retention"`
		LeaderLockKey           int64  `json:"leader_lock_key"`
		LeaderRetryInterval     string `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string `json:"leader_heartbeat_interval"`
	}{
		DatabaseURL:             maskSecret(c.DatabaseURL),
		RedisAddr:               c.RedisAddr,
		HTTPAddr:                c.HTTPAddr,
		DeliveryURL:             c.DeliveryURL,
		DeliverySecret:          maskSecret(c.DeliverySecret),
		HookSecret:              maskSecret(c.HookSecret),
		PollInterval:            c.PollIntervalStr,
		SendHourLocal:           c.SendHourLocal,
		SchedulerBatchSize:      c.SchedulerBatchSize,
		WorkerConcurrency:       c.WorkerConcurrency,
		QueuePrefetch:           c.QueuePrefetch,
		MaxRetries:              c.MaxRetries,
		RetryBackoffBase:        c.RetryBackoffBaseStr,
		RetryBackoffCap:         c.RetryBackoffCapStr,
		DeliveryTimeout:         c.DeliveryTimeoutStr,
		SweepSchedule:           c.SweepSchedule,
		LeaseTimeout:            c.LeaseTimeoutStr,
		BackfillGrace:           c.BackfillGraceStr,
		SweepBatchSize:          c.SweepBatchSize,
		QueueMode:               c.QueueMode,
		QueueStream:             c.QueueStream,
		QueueGroup:              c.QueueGroup,
		QueueBufferSize:         c.QueueBufferSize,
		DBOpTimeout:             c.DBOpTimeoutStr,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetimeStr,
		DBConnMaxIdleTime:       c.DBConnMaxIdleTimeStr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		WorkerDrainTimeout:      c.WorkerDrainTimeoutStr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
		AnalyticsEnabled:        c.AnalyticsEnabled,
		AnalyticsRetention:      c.AnalyticsRetentionStr,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryIntervalStr,
		LeaderHeartbeatInterval: c.LeaderHeartbeatIntervalStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
