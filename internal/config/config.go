// Package config loads warehouse settings from the environment, with an
// optional YAML overrides file for local development. Env always wins
// over YAML; defaults fill whatever neither provides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved runtime configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`

	HTTPPort int    `yaml:"http_port"`
	LogLevel string `yaml:"log_level"`

	PolygonAPIKey  string `yaml:"polygon_api_key"`
	PolygonBaseURL string `yaml:"polygon_base_url"`
	AlpacaAPIKey   string `yaml:"alpaca_api_key"`
	AlpacaSecret   string `yaml:"alpaca_secret"`
	AlpacaBaseURL  string `yaml:"alpaca_base_url"`

	EnableFallback bool `yaml:"enable_fallback"`

	ScheduleMinute       int  `yaml:"backfill_schedule_minute"`
	ScheduleHour         *int `yaml:"backfill_schedule_hour,omitempty"`
	MaxConcurrentSymbols int  `yaml:"max_concurrent_symbols"`

	QualityThreshold float64       `yaml:"quality_threshold"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// Defaults returns the baseline configuration before env or YAML apply.
func Defaults() Config {
	return Config{
		HTTPPort:             8080,
		LogLevel:             "info",
		ScheduleMinute:       0,
		MaxConcurrentSymbols: 3,
		QualityThreshold:     0.85,
		RequestTimeout:       30 * time.Second,
	}
}

// Load resolves configuration: defaults, then the YAML file at path (if
// non-empty), then environment variables. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	// VENDOR_API_KEY is the generic name for the primary-source
	// credential; the vendor-specific name wins when both are set.
	setString(&c.PolygonAPIKey, "VENDOR_API_KEY")
	setString(&c.PolygonAPIKey, "POLYGON_API_KEY")
	setString(&c.PolygonBaseURL, "POLYGON_BASE_URL")
	setString(&c.AlpacaAPIKey, "ALPACA_API_KEY")
	setString(&c.AlpacaSecret, "ALPACA_API_SECRET")
	setString(&c.AlpacaBaseURL, "ALPACA_BASE_URL")

	if err := setInt(&c.HTTPPort, "HTTP_PORT"); err != nil {
		return err
	}
	if err := setInt(&c.ScheduleMinute, "BACKFILL_SCHEDULE_MINUTE"); err != nil {
		return err
	}
	if raw := os.Getenv("BACKFILL_SCHEDULE_HOUR"); raw != "" {
		hour, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid BACKFILL_SCHEDULE_HOUR %q: %w", raw, err)
		}
		c.ScheduleHour = &hour
	}
	if err := setInt(&c.MaxConcurrentSymbols, "MAX_CONCURRENT_SYMBOLS"); err != nil {
		return err
	}
	if err := setFloat(&c.QualityThreshold, "QUALITY_THRESHOLD"); err != nil {
		return err
	}
	if err := setBool(&c.EnableFallback, "ENABLE_FALLBACK"); err != nil {
		return err
	}
	if raw := os.Getenv("REQUEST_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid REQUEST_TIMEOUT %q: %w", raw, err)
		}
		c.RequestTimeout = d
	}
	return nil
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.PolygonAPIKey == "" {
		return fmt.Errorf("POLYGON_API_KEY (or VENDOR_API_KEY) is required")
	}
	if c.EnableFallback && (c.AlpacaAPIKey == "" || c.AlpacaSecret == "") {
		return fmt.Errorf("ENABLE_FALLBACK requires ALPACA_API_KEY and ALPACA_API_SECRET")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT %d out of range", c.HTTPPort)
	}
	if c.ScheduleMinute < 0 || c.ScheduleMinute > 59 {
		return fmt.Errorf("BACKFILL_SCHEDULE_MINUTE %d out of range 0-59", c.ScheduleMinute)
	}
	if c.ScheduleHour != nil && (*c.ScheduleHour < 0 || *c.ScheduleHour > 23) {
		return fmt.Errorf("BACKFILL_SCHEDULE_HOUR %d out of range 0-23", *c.ScheduleHour)
	}
	if c.MaxConcurrentSymbols < 1 {
		return fmt.Errorf("MAX_CONCURRENT_SYMBOLS must be positive, got %d", c.MaxConcurrentSymbols)
	}
	if c.QualityThreshold < 0.80 || c.QualityThreshold > 1.0 {
		return fmt.Errorf("QUALITY_THRESHOLD %.2f out of range 0.80-1.00", c.QualityThreshold)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL %q must be one of debug, info, warn, error", c.LogLevel)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	return nil
}

// HTTPAddr returns the listen address for the API server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	*dst = v
	return nil
}

func setFloat(dst *float64, key string) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	*dst = v
	return nil
}

func setBool(dst *bool, key string) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	*dst = v
	return nil
}
