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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, cursor kept in memory if not set)

	// Ledger settings
	RPCURL       string
	ChainID      int64
	PrivateKey   string // Hex-encoded, with or without 0x prefix
	HTLCContract string // Escrow contract address; empty selects the in-memory ledger
	AssetID      string

	// Ledger description handed to the payment router
	LedgerPrefix  string
	CurrencyCode  string
	CurrencyScale int

	// Lifecycle tuning
	PollInterval  time.Duration
	ExpiryGrace   time.Duration
	MessageExpiry time.Duration

	// Observability
	OTLPEndpoint string // Optional, traces are no-ops if not set
}

// Base Sepolia defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532 // Base Sepolia
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
	DefaultAssetID      = "native"
	DefaultLedgerPrefix = "g.crypto.ledgerlink."
	DefaultCurrency     = "ETH"
	DefaultScale        = 18
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", DefaultPort),
		Env:           getEnv("ENV", DefaultEnv),
		LogLevel:      getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:     getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:   os.Getenv("DATABASE_URL"), // Optional
		RPCURL:        getEnv("RPC_URL", DefaultRPCURL),
		ChainID:       getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:    os.Getenv("PRIVATE_KEY"), // Required, no default
		HTLCContract:  os.Getenv("HTLC_CONTRACT"),
		AssetID:       getEnv("ASSET_ID", DefaultAssetID),
		LedgerPrefix:  getEnv("LEDGER_PREFIX", DefaultLedgerPrefix),
		CurrencyCode:  getEnv("CURRENCY_CODE", DefaultCurrency),
		CurrencyScale: int(getEnvInt64("CURRENCY_SCALE", DefaultScale)),
		PollInterval:  getEnvDuration("POLL_INTERVAL", 500*time.Millisecond),
		ExpiryGrace:   getEnvDuration("EXPIRY_GRACE", 5*time.Second),
		MessageExpiry: getEnvDuration("MESSAGE_EXPIRY", 30*time.Second),
		OTLPEndpoint:  os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.HTLCContract != "" && c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required when HTLC_CONTRACT is set")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
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
