// Package config provides configuration for the genqueue monitor.
package config

import (
	"os"
	"time"
)

// Config holds the monitor configuration.
type Config struct {
	// Server connection
	ServerURL string
	APIKey    string
	TenantID  string

	// Refresh interval for the dashboard poll loop
	StatusRefresh time.Duration

	// Number of bulk jobs shown in the jobs panel
	JobsLimit int
}

// Load returns configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		ServerURL:     getEnv("GENQUEUE_URL", "http://localhost:8080"),
		APIKey:        getEnv("GENQUEUE_API_KEY", ""),
		TenantID:      getEnv("GENQUEUE_TENANT", ""),
		StatusRefresh: getDuration("GENQUEUE_STATUS_REFRESH", 5*time.Second),
		JobsLimit:     50,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
