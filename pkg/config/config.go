// Package config loads server configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DataDir is the root for the usage ledger, principal registry,
	// mandate store and policy store.
	DataDir string

	// ArchivePath, when set, enables the SQLite archive mirror of the
	// usage ledger.
	ArchivePath string

	// RedisAddr, when set, backs the replay nonce store with Redis
	// instead of in-process memory.
	RedisAddr string

	UpstreamTimeout time.Duration
	CacheCapacity   int
	CacheTTL        time.Duration

	// ChargeMaxTTL is the ceiling on caller-requested reservation TTLs,
	// not the default reservation lifetime.
	ChargeMaxTTL time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	OTLPEndpoint string
	OTLPEnabled  bool
	OTLPInsecure bool
	Environment  string
}

// Load loads configuration from environment variables, falling back to
// development defaults.
func Load() *Config {
	return &Config{
		Port:     envStr("PORT", "8080"),
		LogLevel: envStr("LOG_LEVEL", "INFO"),

		DataDir:     envStr("CARACAL_DATA_DIR", "./data"),
		ArchivePath: os.Getenv("CARACAL_ARCHIVE_PATH"),
		RedisAddr:   os.Getenv("CARACAL_REDIS_ADDR"),

		UpstreamTimeout: envDuration("CARACAL_UPSTREAM_TIMEOUT", 30*time.Second),
		CacheCapacity:   envInt("CARACAL_CACHE_CAPACITY", 1000),
		CacheTTL:        envDuration("CARACAL_CACHE_TTL", 5*time.Minute),
		ChargeMaxTTL:    envDuration("CARACAL_CHARGE_MAX_TTL", time.Hour),

		RateLimitRPS:   envFloat("CARACAL_RATE_LIMIT_RPS", 0),
		RateLimitBurst: envInt("CARACAL_RATE_LIMIT_BURST", 10),

		OTLPEndpoint: envStr("OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:  os.Getenv("OTLP_ENABLED") == "true",
		OTLPInsecure: os.Getenv("OTLP_INSECURE") == "true",
		Environment:  envStr("CARACAL_ENV", "development"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return f
		}
	}
	return fallback
}
