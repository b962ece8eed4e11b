package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"REGISTRY_PATH", "DATABASE_URL", "POLL_INTERVAL_MS", "WAIT_TIMEOUT_MS"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	assert.Equal(t, "registry.yaml", cfg.RegistryPath)
	assert.Equal(t, "opsdeck.db", cfg.DatabaseURL)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.WaitTimeout)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("WAIT_TIMEOUT_MS", "2500")
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("WORKER_MAX_CONCURRENT", "4")

	cfg := Load()
	assert.Equal(t, 2500*time.Millisecond, cfg.WaitTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 4, cfg.MaxConcurrent)
}

func TestLoadRejectsGarbageValues(t *testing.T) {
	t.Setenv("WAIT_TIMEOUT_MS", "soon")
	t.Setenv("WORKER_MAX_CONCURRENT", "-2")

	cfg := Load()
	assert.Equal(t, 30*time.Second, cfg.WaitTimeout)
	assert.Equal(t, 1, cfg.MaxConcurrent)
}

func TestUsesPostgres(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"postgres://user@localhost/opsdeck", true},
		{"postgresql://user@localhost/opsdeck", true},
		{"opsdeck.db", false},
		{"/var/lib/opsdeck/queue.db", false},
		{"", false},
	}
	for _, tc := range cases {
		cfg := &Config{DatabaseURL: tc.url}
		assert.Equal(t, tc.want, cfg.UsesPostgres(), tc.url)
	}
}
