package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Events    EventsConfig    `yaml:"events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `yaml:"host" envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port         int           `yaml:"port" envconfig:"SERVER_PORT" default:"9612"`
	APIKey       string        `yaml:"api_key" envconfig:"API_KEY"`
	ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"SERVER_WRITE_TIMEOUT" default:"5m"`
	// MaxProcessingDeadline caps the processing_deadline_ms accepted on
	// bulk job creation.
	MaxProcessingDeadline time.Duration `yaml:"max_processing_deadline" envconfig:"SERVER_MAX_PROCESSING_DEADLINE" default:"24h"`
}

// StorageConfig holds job store configuration.
type StorageConfig struct {
	// Driver selects the JobStore backend: "memory" or "sqlite".
	Driver string `yaml:"driver" envconfig:"STORE_DRIVER" default:"sqlite"`
	// SQLitePath is the database file used by the sqlite driver.
	SQLitePath string `yaml:"sqlite_path" envconfig:"STORE_SQLITE_PATH" default:"/data/genqueue.db"`
	// IdempotencyTTL is how long an idempotency key shields duplicates.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" envconfig:"STORE_IDEMPOTENCY_TTL" default:"24h"`
}

// QueueConfig holds priority queue and aging configuration. Defaults are
// tunable operating points, not invariants.
type QueueConfig struct {
	NormalAgingAfter time.Duration `yaml:"normal_aging_after" envconfig:"QUEUE_NORMAL_AGING_AFTER" default:"15m"`
	NormalAgingBoost int           `yaml:"normal_aging_boost" envconfig:"QUEUE_NORMAL_AGING_BOOST" default:"10"`
	LowAgingAfter    time.Duration `yaml:"low_aging_after" envconfig:"QUEUE_LOW_AGING_AFTER" default:"30m"`
	LowAgingBoost    int           `yaml:"low_aging_boost" envconfig:"QUEUE_LOW_AGING_BOOST" default:"4"`
	LowPromoteAfter  time.Duration `yaml:"low_promote_after" envconfig:"QUEUE_LOW_PROMOTE_AFTER" default:"2h"`
}

// RateLimitConfig holds the dual-scope limiter configuration.
type RateLimitConfig struct {
	// Per-user sliding window.
	UserWindow      time.Duration `yaml:"user_window" envconfig:"RATE_USER_WINDOW" default:"60s"`
	UserMaxRequests int           `yaml:"user_max_requests" envconfig:"RATE_USER_MAX_REQUESTS" default:"60"`

	// Per-project token bucket.
	ProjectCapacity   float64 `yaml:"project_capacity" envconfig:"RATE_PROJECT_CAPACITY" default:"300"`
	ProjectRefillRate float64 `yaml:"project_refill_rate" envconfig:"RATE_PROJECT_REFILL_RATE" default:"5"`
}

// DispatchConfig holds worker pool and retry configuration.
type DispatchConfig struct {
	Workers           int           `yaml:"workers" envconfig:"DISPATCH_WORKERS" default:"4"`
	PollInterval      time.Duration `yaml:"poll_interval" envconfig:"DISPATCH_POLL_INTERVAL" default:"500ms"`
	MaxRetries        int           `yaml:"max_retries" envconfig:"DISPATCH_MAX_RETRIES" default:"5"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" envconfig:"DISPATCH_RETRY_INITIAL_DELAY" default:"1s"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" envconfig:"DISPATCH_RETRY_MAX_DELAY" default:"60s"`
	RetryMultiplier   float64       `yaml:"retry_multiplier" envconfig:"DISPATCH_RETRY_MULTIPLIER" default:"2.5"`
	// StaleClaimAfter is how long a dispatched job may sit without progress
	// before the janitor requeues it.
	StaleClaimAfter time.Duration `yaml:"stale_claim_after" envconfig:"DISPATCH_STALE_CLAIM_AFTER" default:"10m"`
}

// EventsConfig holds progress tracker / event bus configuration.
type EventsConfig struct {
	// MaxSubscribers bounds the subscriber list.
	MaxSubscribers int `yaml:"max_subscribers" envconfig:"EVENTS_MAX_SUBSCRIBERS" default:"64"`
	// DropAfterFailures drops a subscriber after this many consecutive
	// delivery failures.
	DropAfterFailures int `yaml:"drop_after_failures" envconfig:"EVENTS_DROP_AFTER_FAILURES" default:"5"`
	// EMAAlpha is the smoothing factor for per-item duration averaging.
	EMAAlpha float64 `yaml:"ema_alpha" envconfig:"EVENTS_EMA_ALPHA" default:"0.2"`
}

// Load reads configuration from file and environment variables.
// Environment variables override file values.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Load from YAML file if provided
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Override with environment variables
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are coherent.
func (c *Config) Validate() error {
	if c.Server.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if c.Storage.Driver != "memory" && c.Storage.Driver != "sqlite" {
		return fmt.Errorf("STORE_DRIVER must be memory or sqlite, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.SQLitePath == "" {
		return fmt.Errorf("STORE_SQLITE_PATH is required for the sqlite driver")
	}
	if c.RateLimit.UserMaxRequests <= 0 {
		return fmt.Errorf("RATE_USER_MAX_REQUESTS must be positive")
	}
	if c.RateLimit.ProjectCapacity <= 0 || c.RateLimit.ProjectRefillRate <= 0 {
		return fmt.Errorf("token bucket capacity and refill rate must be positive")
	}
	if c.Dispatch.RetryMultiplier < 1 {
		return fmt.Errorf("DISPATCH_RETRY_MULTIPLIER must be >= 1")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
