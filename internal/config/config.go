// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
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

	// Chain adapters
	EVMRPCURL  string // Ethereum-family RPC endpoint (optional, mock adapters if not set)
	EVMChainID int64

	// Settlement
	MinConfirmations uint64
	LockMaxWait      time.Duration
	LockPollInterval time.Duration

	// Reserves (percentage-of-baseline alerting)
	ReserveLowPct      int64
	ReserveCriticalPct int64

	// Relay
	NonceExpiry time.Duration

	// Consensus (optional multi-replica height voting)
	ReplicaID    string
	PeerURLs     []string
	VoteInterval time.Duration

	// Observability
	OTLPEndpoint string
}

// Sepolia defaults
const (
	DefaultEVMRPCURL        = "https://sepolia.base.org"
	DefaultEVMChainID       = 84532 // Base Sepolia
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultMinConfirmations = 6
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		EVMRPCURL:          os.Getenv("EVM_RPC_URL"),  // Optional, mock adapters if not set
		EVMChainID:         getEnvInt64("EVM_CHAIN_ID", DefaultEVMChainID),
		MinConfirmations:   uint64(getEnvInt64("MIN_CONFIRMATIONS", DefaultMinConfirmations)),
		LockMaxWait:        getEnvDuration("LOCK_MAX_WAIT", 10*time.Minute),
		LockPollInterval:   getEnvDuration("LOCK_POLL_INTERVAL", 15*time.Second),
		ReserveLowPct:      getEnvInt64("RESERVE_LOW_PCT", 10),
		ReserveCriticalPct: getEnvInt64("RESERVE_CRITICAL_PCT", 5),
		NonceExpiry:        getEnvDuration("NONCE_EXPIRY", time.Hour),
		ReplicaID:          getEnv("REPLICA_ID", "replica-1"),
		PeerURLs:           splitList(os.Getenv("PEER_URLS")),
		VoteInterval:       getEnvDuration("VOTE_INTERVAL", 10*time.Second),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.MinConfirmations == 0 {
		return fmt.Errorf("MIN_CONFIRMATIONS must be at least 1")
	}
	if c.LockPollInterval <= 0 || c.LockMaxWait <= 0 {
		return fmt.Errorf("LOCK_MAX_WAIT and LOCK_POLL_INTERVAL must be positive durations")
	}
	if c.LockPollInterval >= c.LockMaxWait {
		return fmt.Errorf("LOCK_POLL_INTERVAL must be shorter than LOCK_MAX_WAIT")
	}
	if c.ReserveCriticalPct > c.ReserveLowPct {
		return fmt.Errorf("RESERVE_CRITICAL_PCT must not exceed RESERVE_LOW_PCT")
	}
	if c.NonceExpiry <= 0 {
		return fmt.Errorf("NONCE_EXPIRY must be a positive duration")
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

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
