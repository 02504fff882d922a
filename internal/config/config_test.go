package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			APIKey: "test-api-key",
		},
		Storage: StorageConfig{
			Driver:     "memory",
			SQLitePath: "/tmp/genqueue.db",
		},
		RateLimit: RateLimitConfig{
			UserWindow:        60 * time.Second,
			UserMaxRequests:   60,
			ProjectCapacity:   300,
			ProjectRefillRate: 5,
		},
		Dispatch: DispatchConfig{
			RetryMultiplier: 2.5,
		},
	}
}

func TestConfig_Validate_Success(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate() should pass, got %v", err)
	}
}

func TestConfig_Validate_MissingAPIKey(t *testing.T) {
	cfg := validConfig()
	cfg.Server.APIKey = ""

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should fail for missing API_KEY")
	}
}

func TestConfig_Validate_BadDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Driver = "postgres"

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject unknown store driver")
	}
}

func TestConfig_Validate_SQLiteNeedsPath(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = ""

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should require a sqlite path for the sqlite driver")
	}
}

func TestConfig_Validate_LimiterParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero user max requests", func(c *Config) { c.RateLimit.UserMaxRequests = 0 }},
		{"zero bucket capacity", func(c *Config) { c.RateLimit.ProjectCapacity = 0 }},
		{"zero refill rate", func(c *Config) { c.RateLimit.ProjectRefillRate = 0 }},
		{"retry multiplier below one", func(c *Config) { c.Dispatch.RetryMultiplier = 0.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoad_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  host: 127.0.0.1
  port: 7001
  api_key: yaml-key
storage:
  driver: memory
queue:
  normal_aging_after: 20m
rate_limit:
  user_max_requests: 10
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 7001 {
		t.Errorf("server address not loaded: %s", cfg.Server.Address())
	}
	if cfg.Server.APIKey != "yaml-key" {
		t.Errorf("APIKey = %q, want yaml-key", cfg.Server.APIKey)
	}
	if cfg.Queue.NormalAgingAfter != 20*time.Minute {
		t.Errorf("NormalAgingAfter = %v, want 20m", cfg.Queue.NormalAgingAfter)
	}
	if cfg.RateLimit.UserMaxRequests != 10 {
		t.Errorf("UserMaxRequests = %d, want 10", cfg.RateLimit.UserMaxRequests)
	}
	// Unset fields fall back to envconfig defaults.
	if cfg.RateLimit.ProjectCapacity != 300 {
		t.Errorf("ProjectCapacity = %v, want default 300", cfg.RateLimit.ProjectCapacity)
	}
	if cfg.Dispatch.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want default 5", cfg.Dispatch.MaxRetries)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  api_key: yaml-key
  port: 7001
storage:
  driver: memory
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SERVER_PORT", "7002")
	t.Setenv("DISPATCH_WORKERS", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 7002 {
		t.Errorf("Port = %d, env should override file", cfg.Server.Port)
	}
	if cfg.Dispatch.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Dispatch.Workers)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load() should fail for a missing config file")
	}
}

func TestServerConfig_Address(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want string
	}{
		{"default", ServerConfig{Host: "0.0.0.0", Port: 9612}, "0.0.0.0:9612"},
		{"localhost", ServerConfig{Host: "localhost", Port: 8080}, "localhost:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Address(); got != tt.want {
				t.Errorf("Address() = %q, want %q", got, tt.want)
			}
		})
	}
}
