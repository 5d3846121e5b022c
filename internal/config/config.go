// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"log/slog"
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

	// Program identity
	ProgramID        string // domain-separation label mixed into every derived address
	AddressHashKey   string `json:"-"` // hex-encoded key for the keyed/personalized address hash (optional)
	OracleVerifierID string // hex-encoded Ed25519 public key trusted for signed attestations
	QuorumFeedOwner  string // identity a quorum-feed account must be owned by to be trusted

	// Escrow bounds (amount and time-lock range a create instruction accepts)
	MinAmount             uint64 // minor units
	MaxAmount             uint64 // minor units
	MinTimeLock           time.Duration
	MaxTimeLock           time.Duration
	AttestationFreshness  time.Duration // max age of a quorum-feed reading
	StorageReserveMinimum uint64        // minor units an escrow account must retain post-settlement

	// Dispute economics
	DisputeBaseCost uint64 // minor units, queried out-of-band by clients

	// Security
	APIKeyHash   string // For authenticating SDK clients
	RateLimitRPM int    // transport-layer anti-abuse cap, see internal/httprate

	// Admin
	AdminSecret string // Admin API secret

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration // global handler execution timeout

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint (e.g. "localhost:4317"), empty = disabled
}

// Settlement defaults
const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultMinAmount             = 1_000_000
	DefaultMaxAmount             = 1_000_000_000_000
	DefaultMinTimeLock           = time.Hour
	DefaultMaxTimeLock           = 30 * 24 * time.Hour
	DefaultAttestationFreshness  = 300 * time.Second
	DefaultStorageReserveMinimum = 10_000
	DefaultDisputeBaseCost       = 100_000
	DefaultRateLimit             = 100
	DefaultProgramID             = "escrowd"

	// Database pool defaults
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5     // seconds
	DefaultDBStatementTimeout = 30000 // milliseconds (30s)

	// HTTP server timeout defaults
	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		ProgramID:        getEnv("PROGRAM_ID", DefaultProgramID),
		AddressHashKey:   os.Getenv("ADDRESS_HASH_KEY"),
		OracleVerifierID: os.Getenv("ORACLE_VERIFIER_ID"),
		QuorumFeedOwner:  getEnv("QUORUM_FEED_OWNER", "quorum-oracle-program"),

		MinAmount:             uint64(getEnvInt64("MIN_AMOUNT", DefaultMinAmount)),
		MaxAmount:             uint64(getEnvInt64("MAX_AMOUNT", DefaultMaxAmount)),
		MinTimeLock:           getEnvDuration("MIN_TIME_LOCK", DefaultMinTimeLock),
		MaxTimeLock:           getEnvDuration("MAX_TIME_LOCK", DefaultMaxTimeLock),
		AttestationFreshness:  getEnvDuration("ATTESTATION_FRESHNESS", DefaultAttestationFreshness),
		StorageReserveMinimum: uint64(getEnvInt64("STORAGE_RESERVE_MINIMUM", DefaultStorageReserveMinimum)),

		DisputeBaseCost: uint64(getEnvInt64("DISPUTE_BASE_COST", DefaultDisputeBaseCost)),

		APIKeyHash: os.Getenv("API_KEY_HASH"),
		RateLimitRPM: func() int {
			rpm := getEnvInt64("RATE_LIMIT_RPM", 0)
			if rpm == 0 {
				rpm = getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))
			}
			return int(rpm)
		}(),

		AdminSecret: os.Getenv("ADMIN_SECRET"),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the loaded configuration is internally consistent
func (c *Config) Validate() error {
	if c.MinAmount == 0 || c.MaxAmount == 0 || c.MinAmount > c.MaxAmount {
		return fmt.Errorf("MIN_AMOUNT/MAX_AMOUNT must satisfy 0 < MIN_AMOUNT <= MAX_AMOUNT, got [%d, %d]", c.MinAmount, c.MaxAmount)
	}

	if c.MinTimeLock <= 0 || c.MaxTimeLock <= 0 || c.MinTimeLock > c.MaxTimeLock {
		return fmt.Errorf("MIN_TIME_LOCK/MAX_TIME_LOCK must satisfy 0 < MIN_TIME_LOCK <= MAX_TIME_LOCK")
	}

	// Port range
	if c.Port != "" {
		port, err := strconv.Atoi(c.Port)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
		}
	}

	// Rate limit sanity
	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1, got %d", c.RateLimitRPM)
	}

	// DB statement timeout sanity
	if c.DBStatementTimeout != 0 && c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	// Write timeout must exceed request timeout to avoid truncated responses
	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	// Warnings (non-fatal)
	if c.IsProduction() && c.AdminSecret == "" {
		slog.Warn("ADMIN_SECRET not set — admin endpoints reject every request unless DEMO_MODE=true")
	}
	if c.IsProduction() && c.OracleVerifierID == "" {
		slog.Warn("ORACLE_VERIFIER_ID not set — signed-attestation resolutions will reject everything")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
