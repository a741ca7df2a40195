// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Database  DatabaseConfig  `yaml:"database"`
	Counters  CountersConfig  `yaml:"counters"`
	Admission AdmissionConfig `yaml:"admission"`
	Credits   CreditsConfig   `yaml:"credits"`
	Retry     RetryConfig     `yaml:"retry"`
	Usage     UsageConfig     `yaml:"usage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// UpstreamConfig configures the protected upstream service.
// Leave URL empty to run gate-only (no forwarding).
type UpstreamConfig struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// DatabaseConfig configures the database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn"`
}

// CountersConfig selects the window counting backend.
// "records" counts the usage_records table (exact sliding windows),
// "sqlite" uses aligned counter buckets, "redis" uses Redis buckets.
type CountersConfig struct {
	Backend   string `yaml:"backend"` // "records", "sqlite", or "redis"
	RedisAddr string `yaml:"redis_addr"`
	RedisPass string `yaml:"redis_pass"`
	RedisDB   int    `yaml:"redis_db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// WindowConfig configures one admission window.
type WindowConfig struct {
	Period string `yaml:"period"` // "hourly", "daily", or "monthly"
	Limit  int64  `yaml:"limit"`
}

// AdmissionConfig configures rate admission.
type AdmissionConfig struct {
	Enabled     bool           `yaml:"enabled"`
	Windows     []WindowConfig `yaml:"windows"`
	BypassRoles []string       `yaml:"bypass_roles"` // Roles exempt from window checks
}

// CreditsConfig configures the prepaid credit guard.
type CreditsConfig struct {
	Enabled           bool             `yaml:"enabled"`
	MinimumRequired   int64            `yaml:"minimum_required"`
	FallbackThreshold int64            `yaml:"fallback_threshold"`
	EmergencyBypass   bool             `yaml:"emergency_bypass"`
	DefaultCost       int64            `yaml:"default_cost"`
	Costs             map[string]int64 `yaml:"costs"` // Operation type -> credit cost
}

// RetryConfig configures credit store retries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// UsageConfig configures async usage recording.
type UsageConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueSize     int           `yaml:"queue_size"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// This is useful for Docker deployments where no config file is needed.
//
// Environment variables:
//
//	GATEKEEP_DATABASE_DSN          - Database path (default: gatekeep.db)
//	GATEKEEP_SERVER_HOST           - Server host (default: 0.0.0.0)
//	GATEKEEP_SERVER_PORT           - Server port (default: 8080)
//	GATEKEEP_UPSTREAM_URL          - Upstream URL to forward admitted requests to
//	GATEKEEP_COUNTERS_BACKEND      - Counting backend: records, sqlite, redis
//	GATEKEEP_COUNTERS_REDIS_ADDR   - Redis address when backend is redis
//	GATEKEEP_CREDITS_ENABLED       - Enable the credit guard (default: true)
//	GATEKEEP_CREDITS_MINIMUM       - Sufficient-credit floor (default: 10)
//	GATEKEEP_CREDITS_FALLBACK      - Degraded-mode floor (default: 5)
//	GATEKEEP_CREDITS_BYPASS        - Emergency bypass flag (default: false)
//	GATEKEEP_LOG_LEVEL             - Log level: debug, info, warn, error (default: info)
//	GATEKEEP_LOG_FORMAT            - Log format: json or console (default: json)
//	GATEKEEP_METRICS_ENABLED       - Enable /metrics endpoint (default: true)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies GATEKEEP_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("GATEKEEP_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("GATEKEEP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GATEKEEP_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("GATEKEEP_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	// Upstream configuration
	if v := os.Getenv("GATEKEEP_UPSTREAM_URL"); v != "" {
		cfg.Upstream.URL = v
	}
	if v := os.Getenv("GATEKEEP_UPSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upstream.Timeout = d
		}
	}

	// Database configuration
	if v := os.Getenv("GATEKEEP_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("GATEKEEP_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Counters configuration
	if v := os.Getenv("GATEKEEP_COUNTERS_BACKEND"); v != "" {
		cfg.Counters.Backend = v
	}
	if v := os.Getenv("GATEKEEP_COUNTERS_REDIS_ADDR"); v != "" {
		cfg.Counters.RedisAddr = v
	}
	if v := os.Getenv("GATEKEEP_COUNTERS_REDIS_PASS"); v != "" {
		cfg.Counters.RedisPass = v
	}
	if v := os.Getenv("GATEKEEP_COUNTERS_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Counters.RedisDB = n
		}
	}

	// Credits configuration
	if v := os.Getenv("GATEKEEP_CREDITS_ENABLED"); v != "" {
		cfg.Credits.Enabled = parseBool(v)
	}
	if v := os.Getenv("GATEKEEP_CREDITS_MINIMUM"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Credits.MinimumRequired = n
		}
	}
	if v := os.Getenv("GATEKEEP_CREDITS_FALLBACK"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Credits.FallbackThreshold = n
		}
	}
	if v := os.Getenv("GATEKEEP_CREDITS_BYPASS"); v != "" {
		cfg.Credits.EmergencyBypass = parseBool(v)
	}

	// Retry configuration
	if v := os.Getenv("GATEKEEP_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("GATEKEEP_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.BaseDelay = d
		}
	}

	// Logging configuration
	if v := os.Getenv("GATEKEEP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GATEKEEP_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("GATEKEEP_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("GATEKEEP_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 30 * time.Second
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 100
	}
	if cfg.Upstream.IdleConnTimeout == 0 {
		cfg.Upstream.IdleConnTimeout = 90 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "gatekeep.db"
	}

	if cfg.Counters.Backend == "" {
		cfg.Counters.Backend = "records"
	}
	if cfg.Counters.KeyPrefix == "" {
		cfg.Counters.KeyPrefix = "gatekeep"
	}

	// Default windows if none configured
	if len(cfg.Admission.Windows) == 0 {
		cfg.Admission.Windows = []WindowConfig{
			{Period: "hourly", Limit: 1000},
			{Period: "daily", Limit: 10000},
			{Period: "monthly", Limit: 100000},
		}
	}

	if cfg.Credits.MinimumRequired == 0 {
		cfg.Credits.MinimumRequired = 10
	}
	if cfg.Credits.FallbackThreshold == 0 {
		cfg.Credits.FallbackThreshold = 5
	}
	if cfg.Credits.DefaultCost == 0 {
		cfg.Credits.DefaultCost = 1
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 100 * time.Millisecond
	}

	if cfg.Usage.BatchSize == 0 {
		cfg.Usage.BatchSize = 100
	}
	if cfg.Usage.FlushInterval == 0 {
		cfg.Usage.FlushInterval = 10 * time.Second
	}
	if cfg.Usage.QueueSize == 0 {
		cfg.Usage.QueueSize = 10000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{"sqlite": true, "memory": true}
	if !validDrivers[cfg.Database.Driver] {
		return fmt.Errorf("database.driver must be 'sqlite' or 'memory', got %q", cfg.Database.Driver)
	}

	validBackends := map[string]bool{"records": true, "sqlite": true, "redis": true}
	if !validBackends[cfg.Counters.Backend] {
		return fmt.Errorf("counters.backend must be 'records', 'sqlite', or 'redis', got %q", cfg.Counters.Backend)
	}
	if cfg.Counters.Backend == "redis" && cfg.Counters.RedisAddr == "" {
		return fmt.Errorf("counters.redis_addr is required when counters.backend is 'redis'")
	}
	if cfg.Counters.Backend == "sqlite" && cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("counters.backend 'sqlite' requires database.driver 'sqlite'")
	}

	validPeriods := map[string]bool{"hourly": true, "daily": true, "monthly": true}
	seen := map[string]bool{}
	for i, w := range cfg.Admission.Windows {
		if !validPeriods[w.Period] {
			return fmt.Errorf("admission.windows[%d].period must be 'hourly', 'daily', or 'monthly', got %q", i, w.Period)
		}
		if seen[w.Period] {
			return fmt.Errorf("admission.windows[%d]: duplicate period %q", i, w.Period)
		}
		seen[w.Period] = true
		if w.Limit <= 0 {
			return fmt.Errorf("admission.windows[%d].limit must be positive, got %d", i, w.Limit)
		}
	}

	if cfg.Credits.FallbackThreshold > cfg.Credits.MinimumRequired {
		return fmt.Errorf("credits.fallback_threshold (%d) must not exceed credits.minimum_required (%d)",
			cfg.Credits.FallbackThreshold, cfg.Credits.MinimumRequired)
	}
	for op, cost := range cfg.Credits.Costs {
		if cost <= 0 {
			return fmt.Errorf("credits.costs[%q] must be positive, got %d", op, cost)
		}
	}

	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", cfg.Retry.MaxAttempts)
	}

	return nil
}
