// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Idempotency cache
	RedisURL       string // optional, uses in-process cache if not set
	IdempotencyTTL time.Duration

	// Routing advisor (SIRA)
	SiraURL     string // optional, skips advisor calls if not set
	SiraTimeout time.Duration

	// Payout settings
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	HoldTTL            time.Duration
	HighValueThreshold string // amount at/above which a high_value alert fires
	StrictIdempotency  bool   // reject replays with a different payload

	// Bank connectors. JSON array of {id, rail, baseUrl, apiKey};
	// empty registers the sandbox fleet.
	ConnectorsJSON string

	// Worker settings
	EnableWorker       bool // run the dispatch worker inside the API process
	WorkerPollInterval time.Duration
	WorkerBatchSize    int
	WorkerConcurrency  int
	EnablePriority     bool
	EnableSLAMonitor   bool

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultMaxRetries     = 3
	DefaultHighValue      = "10000.00"
	DefaultIdempotencyTTL = 24 * time.Hour
	DefaultHoldTTL        = 7 * 24 * time.Hour
	DefaultPollInterval   = 5 * time.Second
	DefaultBatchSize      = 10
	DefaultConcurrency    = 5
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		IdempotencyTTL:     getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL),
		SiraURL:            os.Getenv("SIRA_URL"),
		SiraTimeout:        getEnvDuration("SIRA_TIMEOUT", 450*time.Millisecond),
		MaxRetries:         int(getEnvInt64("MAX_RETRIES", DefaultMaxRetries)),
		RetryBaseDelay:     getEnvDuration("RETRY_BASE_DELAY", 60*time.Second),
		RetryMaxDelay:      getEnvDuration("RETRY_MAX_DELAY", time.Hour),
		HoldTTL:            getEnvDuration("HOLD_TTL", DefaultHoldTTL),
		HighValueThreshold: getEnv("HIGH_VALUE_THRESHOLD", DefaultHighValue),
		StrictIdempotency:  getEnvBool("STRICT_IDEMPOTENCY", false),
		ConnectorsJSON:     os.Getenv("CONNECTORS"),
		EnableWorker:       getEnvBool("ENABLE_WORKER", true),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", DefaultPollInterval),
		WorkerBatchSize:    int(getEnvInt64("WORKER_BATCH_SIZE", DefaultBatchSize)),
		WorkerConcurrency:  int(getEnvInt64("WORKER_CONCURRENCY", DefaultConcurrency)),
		EnablePriority:     getEnvBool("ENABLE_PRIORITY_PROCESSING", true),
		EnableSLAMonitor:   getEnvBool("ENABLE_SLA_MONITORING", true),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are sane.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0")
	}
	if c.WorkerBatchSize <= 0 {
		return fmt.Errorf("WORKER_BATCH_SIZE must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base <= max")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
