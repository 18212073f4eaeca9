// Package config loads the process configuration from the environment.
// Every knob has a default suitable for local development; only the
// database URL and the engine token secret are required in production.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the resolved process configuration.
type Config struct {
	ListenAddr  string
	DatabaseURL string

	// Engine authentication.
	EngineTokenSecret string
	EngineTokenTTL    time.Duration

	// DEV_DEFAULT_WORKSPACE_ID substitutes for the x-workspace-id header
	// in single-tenant development setups. Empty in production.
	DevDefaultWorkspaceID string

	// Lease timing.
	LeaseDuration        time.Duration
	HeartbeatMinInterval time.Duration

	// Health probe budgets and verdict thresholds.
	HealthDBStatementTimeout time.Duration
	HealthCacheTTL           time.Duration
	HealthCacheMaxEntries    int
	HealthDownCronFreshness  time.Duration
	HealthDownProjectionLag  time.Duration

	// Rate limiting.
	RateLimitPerSecond      float64
	RateLimitBurst          int
	RateLimitFloodWarnLevel int

	// Optional shared cache for health snapshots; empty means in-process.
	RedisURL string

	// Optional YAML file merged over the built-in action registry.
	ActionRegistryPath string

	// OpenTelemetry exporter endpoint; empty disables export.
	OTLPEndpoint string
	ServiceName  string
}

// Load reads the configuration from the environment.
func Load() *Config {
	return &Config{
		ListenAddr:  getenvDefault("LISTEN_ADDR", ":8080"),
		DatabaseURL: getenvDefault("DATABASE_URL", "sqlite::memory:"),

		EngineTokenSecret: os.Getenv("ENGINE_TOKEN_SECRET"),
		EngineTokenTTL:    secondsDefault("ENGINE_TOKEN_TTL_SEC", 3600),

		DevDefaultWorkspaceID: os.Getenv("DEV_DEFAULT_WORKSPACE_ID"),

		LeaseDuration:        secondsDefault("LEASE_DURATION_SECONDS", 30),
		HeartbeatMinInterval: secondsDefault("HEARTBEAT_MIN_INTERVAL_SEC", 1),

		HealthDBStatementTimeout: millisDefault("HEALTH_DB_STATEMENT_TIMEOUT_MS", 2000),
		HealthCacheTTL:           secondsDefault("HEALTH_CACHE_TTL_SEC", 5),
		HealthCacheMaxEntries:    getenvIntDefault("HEALTH_CACHE_MAX_ENTRIES", 1024),
		HealthDownCronFreshness:  secondsDefault("HEALTH_DOWN_CRON_FRESHNESS_SEC", 300),
		HealthDownProjectionLag:  secondsDefault("HEALTH_DOWN_PROJECTION_LAG_SEC", 120),

		RateLimitPerSecond:      getenvFloatDefault("RATE_LIMIT_PER_SECOND", 25),
		RateLimitBurst:          getenvIntDefault("RATE_LIMIT_BURST", 50),
		RateLimitFloodWarnLevel: getenvIntDefault("RATE_LIMIT_FLOOD_OFFENDERS_WARN", 10),

		RedisURL:           os.Getenv("REDIS_URL"),
		ActionRegistryPath: os.Getenv("ACTION_REGISTRY_PATH"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:  getenvDefault("SERVICE_NAME", "crewplane-core"),
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloatDefault(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func secondsDefault(key string, def int) time.Duration {
	return time.Duration(getenvIntDefault(key, def)) * time.Second
}

func millisDefault(key string, def int) time.Duration {
	return time.Duration(getenvIntDefault(key, def)) * time.Millisecond
}
