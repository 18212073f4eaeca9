package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"LISTEN_ADDR", "DATABASE_URL", "ENGINE_TOKEN_SECRET", "ENGINE_TOKEN_TTL_SEC",
		"LEASE_DURATION_SECONDS", "HEARTBEAT_MIN_INTERVAL_SEC",
		"HEALTH_DB_STATEMENT_TIMEOUT_MS", "HEALTH_DOWN_CRON_FRESHNESS_SEC",
		"RATE_LIMIT_PER_SECOND", "RATE_LIMIT_BURST", "SERVICE_NAME",
	} {
		t.Setenv(key, "")
	}
	cfg := Load()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "sqlite::memory:", cfg.DatabaseURL)
	assert.Empty(t, cfg.EngineTokenSecret)
	assert.Equal(t, time.Hour, cfg.EngineTokenTTL)
	assert.Equal(t, 30*time.Second, cfg.LeaseDuration)
	assert.Equal(t, time.Second, cfg.HeartbeatMinInterval)
	assert.Equal(t, 2*time.Second, cfg.HealthDBStatementTimeout)
	assert.Equal(t, 5*time.Minute, cfg.HealthDownCronFreshness)
	assert.Equal(t, float64(25), cfg.RateLimitPerSecond)
	assert.Equal(t, 50, cfg.RateLimitBurst)
	assert.Equal(t, "crewplane-core", cfg.ServiceName)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("DATABASE_URL", "postgres://cp:cp@localhost/cp")
	t.Setenv("ENGINE_TOKEN_SECRET", "s3cret")
	t.Setenv("ENGINE_TOKEN_TTL_SEC", "120")
	t.Setenv("LEASE_DURATION_SECONDS", "45")
	t.Setenv("HEALTH_DB_STATEMENT_TIMEOUT_MS", "500")
	t.Setenv("RATE_LIMIT_PER_SECOND", "2.5")
	t.Setenv("DEV_DEFAULT_WORKSPACE_ID", "dev-ws")

	cfg := Load()
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "postgres://cp:cp@localhost/cp", cfg.DatabaseURL)
	assert.Equal(t, "s3cret", cfg.EngineTokenSecret)
	assert.Equal(t, 2*time.Minute, cfg.EngineTokenTTL)
	assert.Equal(t, 45*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 500*time.Millisecond, cfg.HealthDBStatementTimeout)
	assert.Equal(t, 2.5, cfg.RateLimitPerSecond)
	assert.Equal(t, "dev-ws", cfg.DevDefaultWorkspaceID)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("LEASE_DURATION_SECONDS", "not-a-number")
	t.Setenv("RATE_LIMIT_BURST", "ten")

	cfg := Load()
	assert.Equal(t, 30*time.Second, cfg.LeaseDuration, "garbage falls back to the default")
	assert.Equal(t, 50, cfg.RateLimitBurst)
}
