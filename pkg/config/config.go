// Package config loads platform configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds platform configuration. Secrets never appear here and are
// never echoed back in receipts or logs.
type Config struct {
	RegistryPath    string
	DatabaseURL     string
	RedisAddr       string
	LogLevel        string
	LogFormat       string
	PollInterval    time.Duration
	MaxConcurrent   int
	ShutdownTimeout time.Duration
	WaitTimeout     time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		RegistryPath:    getString("REGISTRY_PATH", "registry.yaml"),
		DatabaseURL:     getString("DATABASE_URL", "opsdeck.db"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		LogLevel:        getString("LOG_LEVEL", "INFO"),
		LogFormat:       getString("LOG_FORMAT", "text"),
		PollInterval:    getMillis("POLL_INTERVAL_MS", 5000),
		MaxConcurrent:   getInt("WORKER_MAX_CONCURRENT", 1),
		ShutdownTimeout: getMillis("SHUTDOWN_TIMEOUT_MS", 30000),
		WaitTimeout:     getMillis("WAIT_TIMEOUT_MS", 30000),
	}
}

// UsesPostgres reports whether DatabaseURL points at a postgres server
// rather than an embedded sqlite file. lib/pq accepts both URL schemes.
func (c *Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getMillis(key string, fallbackMs int) time.Duration {
	return time.Duration(getInt(key, fallbackMs)) * time.Millisecond
}
