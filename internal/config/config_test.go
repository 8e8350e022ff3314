package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "VAULT_SIGNING_KEY", testSeed)
	setEnv(t, "VAULT_ADDRESS", "LoomVau1tAddr111111111111111111111111")
	setEnv(t, "PORT", "9090")
	setEnv(t, "SETTLE_DELAY", "5s")
	setEnv(t, "RECONCILE_STRICT", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultLedgerRPCURL, cfg.LedgerRPCURL)
	assert.Equal(t, 5*time.Second, cfg.SettleDelay)
	assert.True(t, cfg.ReconcileStrict)
	assert.True(t, cfg.FeeTolerance.Equal(decimal.RequireFromString(DefaultFeeTolerance)))
}

func TestLoad_MissingSigningKey(t *testing.T) {
	setEnv(t, "VAULT_SIGNING_KEY", "")
	setEnv(t, "VAULT_ADDRESS", "LoomVau1tAddr111111111111111111111111")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "VAULT_SIGNING_KEY is required")
}

func TestLoad_InvalidSigningKeyLength(t *testing.T) {
	setEnv(t, "VAULT_SIGNING_KEY", "tooshort")
	setEnv(t, "VAULT_ADDRESS", "LoomVau1tAddr111111111111111111111111")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex character")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		VaultSigningKey: testSeed,
		VaultAddress:    "LoomVau1tAddr111111111111111111111111",
		LedgerRPCURL:    "http://localhost:8899",
		FeeTolerance:    decimal.RequireFromString("0.01"),
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing signing key",
			mutate:  func(c *Config) { c.VaultSigningKey = "" },
			wantErr: "VAULT_SIGNING_KEY is required",
		},
		{
			name:    "0x prefixed signing key accepted",
			mutate:  func(c *Config) { c.VaultSigningKey = "0x" + testSeed },
			wantErr: "",
		},
		{
			name:    "missing vault address",
			mutate:  func(c *Config) { c.VaultAddress = "" },
			wantErr: "VAULT_ADDRESS is required",
		},
		{
			name:    "missing RPC URL",
			mutate:  func(c *Config) { c.LedgerRPCURL = "" },
			wantErr: "LEDGER_RPC_URL is required",
		},
		{
			name:    "tolerance out of range",
			mutate:  func(c *Config) { c.FeeTolerance = decimal.RequireFromString("1.5") },
			wantErr: "FEE_TOLERANCE",
		},
		{
			name:    "negative settle delay",
			mutate:  func(c *Config) { c.SettleDelay = -time.Second },
			wantErr: "SETTLE_DELAY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "250ms")
	setEnv(t, "TEST_INVALID", "not_a_duration")

	assert.Equal(t, 250*time.Millisecond, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_VAR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_INVALID", time.Second)) // Falls back on parse error
}

func TestSplitEnv(t *testing.T) {
	setEnv(t, "TEST_LIST", "https://a.example, https://b.example,")

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, splitEnv("TEST_LIST"))
	assert.Nil(t, splitEnv("NONEXISTENT_VAR"))
}
