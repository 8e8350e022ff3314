// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger settings
	LedgerRPCURL    string
	TokenMint       string // token asset mint address on the ledger
	VaultAddress    string // custodial vault account holding escrowed funds
	VaultSigningKey string // hex-encoded ed25519 seed, custodial signer

	// Reconciliation settings
	SettleDelay     time.Duration   // wait between vault balance reads
	FeeTolerance    decimal.Decimal // accepted relative deviation, e.g. 0.01
	ReconcileStrict bool            // block out-of-tolerance deposits

	// Confirmation settings
	ConfirmationTimeout time.Duration

	// Notifications
	NotifyWebhookURL string   // external notification service; empty logs events instead
	AllowedWSOrigins []string // websocket origin allowlist, empty means same-host only

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector; empty disables tracing
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultLedgerRPCURL        = "http://localhost:8899"
	DefaultSettleDelay         = 3 * time.Second
	DefaultFeeTolerance        = "0.01"
	DefaultConfirmationTimeout = 60 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	tolerance, err := decimal.NewFromString(getEnv("FEE_TOLERANCE", DefaultFeeTolerance))
	if err != nil {
		return nil, fmt.Errorf("FEE_TOLERANCE must be a decimal: %w", err)
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		LedgerRPCURL:        getEnv("LEDGER_RPC_URL", DefaultLedgerRPCURL),
		TokenMint:           os.Getenv("TOKEN_MINT"),
		VaultAddress:        os.Getenv("VAULT_ADDRESS"),
		VaultSigningKey:     os.Getenv("VAULT_SIGNING_KEY"), // Required, no default
		SettleDelay:         getEnvDuration("SETTLE_DELAY", DefaultSettleDelay),
		FeeTolerance:        tolerance,
		ReconcileStrict:     getEnvBool("RECONCILE_STRICT", false),
		ConfirmationTimeout: getEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		AllowedWSOrigins:    splitEnv("ALLOWED_WS_ORIGINS"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.VaultSigningKey == "" {
		return fmt.Errorf("VAULT_SIGNING_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.VaultSigningKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("VAULT_SIGNING_KEY must be a 64 hex character ed25519 seed (with or without 0x prefix)")
	}

	if c.VaultAddress == "" {
		return fmt.Errorf("VAULT_ADDRESS is required")
	}
	if c.LedgerRPCURL == "" {
		return fmt.Errorf("LEDGER_RPC_URL is required")
	}
	if c.FeeTolerance.IsNegative() || c.FeeTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("FEE_TOLERANCE must be in [0, 1)")
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("SETTLE_DELAY must not be negative")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
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

func splitEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
