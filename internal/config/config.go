package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Headroom governance engine.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
	Engine    EngineConfig
	Pool      PoolConfig
	Providers ProvidersConfig
}

// ProvidersConfig points at the external collaborator endpoints. Any URL
// left empty selects the local fallback: a stub querier for QueryURL, the
// log-only ticket path for TicketURL, and API-callback approvals for
// ApprovalURL.
type ProvidersConfig struct {
	QueryURL    string
	IncreaseURL string
	TicketURL   string
	ApprovalURL string
	// Token is sent as a bearer token to all provider endpoints.
	Token string
}

type DatabaseConfig struct {
	// URL enables the PostgreSQL store when set; empty falls back to the
	// in-memory store (local dev, tests).
	URL            string
	MaxConnections int
}

type RedisConfig struct {
	// Addr enables the Redis reservation ledger when set; empty keeps
	// reservations in the primary store.
	Addr     string
	Password string
	DB       int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// EngineConfig tunes the monitor → predict → decide → act control loop.
type EngineConfig struct {
	// Interval between monitoring cycles. Each cycle also serves as the
	// wall-clock budget for a handle's run unless CycleBudget is set lower.
	Interval    time.Duration
	CycleBudget time.Duration

	// Workers bounds how many handles are processed concurrently.
	Workers int

	// FetchTimeout bounds a single capacity query.
	FetchTimeout time.Duration

	// TrendWindow is how far back the analyzer looks.
	TrendWindow time.Duration
	// MinSamples below which the analyzer reports insufficient data.
	MinSamples int
	// SpikeWindow is the trailing sub-window for spike detection.
	SpikeWindow int

	// Horizon is how far ahead the predictor projects.
	Horizon time.Duration
	// FallbackGrowth multiplies current usage when history is too thin.
	FallbackGrowth float64

	// ApprovalExpiry bounds how long a pending approval may wait.
	ApprovalExpiry time.Duration

	// RetryAttempts and RetryBase shape execution backoff.
	RetryAttempts int
	RetryBase     time.Duration

	// SnapshotRetention bounds per-handle history kept in the store.
	SnapshotRetention time.Duration
}

// PoolConfig tunes the cross-region capacity pool.
type PoolConfig struct {
	// ReservationTTL is the default expiry for new reservations.
	ReservationTTL time.Duration
	// SweepInterval is how often expired reservations are reclaimed.
	SweepInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("HEADROOM_PORT", 8080),
		Version: envStr("HEADROOM_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Redis: RedisConfig{
			Addr:     envStr("REDIS_ADDR", ""),
			Password: envStr("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "headroom"),
		},
		Engine: EngineConfig{
			Interval:          envDur("HEADROOM_CYCLE_INTERVAL", 5*time.Minute),
			CycleBudget:       envDur("HEADROOM_CYCLE_BUDGET", 0), // 0 = same as interval
			Workers:           envInt("HEADROOM_WORKERS", 8),
			FetchTimeout:      envDur("HEADROOM_FETCH_TIMEOUT", 10*time.Second),
			TrendWindow:       envDur("HEADROOM_TREND_WINDOW", 30*24*time.Hour),
			MinSamples:        envInt("HEADROOM_MIN_SAMPLES", 7),
			SpikeWindow:       envInt("HEADROOM_SPIKE_WINDOW", 10),
			Horizon:           envDur("HEADROOM_HORIZON", 7*24*time.Hour),
			FallbackGrowth:    envFloat("HEADROOM_FALLBACK_GROWTH", 1.15),
			ApprovalExpiry:    envDur("HEADROOM_APPROVAL_EXPIRY", time.Hour),
			RetryAttempts:     envInt("HEADROOM_RETRY_ATTEMPTS", 3),
			RetryBase:         envDur("HEADROOM_RETRY_BASE", 2*time.Second),
			SnapshotRetention: envDur("HEADROOM_SNAPSHOT_RETENTION", 90*24*time.Hour),
		},
		Pool: PoolConfig{
			ReservationTTL: envDur("HEADROOM_RESERVATION_TTL", 4*time.Hour),
			SweepInterval:  envDur("HEADROOM_POOL_SWEEP_INTERVAL", 10*time.Minute),
		},
		Providers: ProvidersConfig{
			QueryURL:    envStr("HEADROOM_QUERY_URL", ""),
			IncreaseURL: envStr("HEADROOM_INCREASE_URL", ""),
			TicketURL:   envStr("HEADROOM_TICKET_URL", ""),
			ApprovalURL: envStr("HEADROOM_APPROVAL_URL", ""),
			Token:       envStr("HEADROOM_PROVIDER_TOKEN", ""),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
