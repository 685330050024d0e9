package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

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

func validConfig() Config {
	return Config{
		PrivateKey:         testKey,
		RPCURL:             DefaultRPCURL,
		ConfirmationBlocks: DefaultConfirmationBlocks,
		PollingInterval:    DefaultPollingInterval,
		MaxGasPriceGwei:    DefaultMaxGasPriceGwei,
		DefaultFee:         DefaultFee,
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PRIVATE_KEY", testKey)
	setEnv(t, "PORT", "9090")
	setEnv(t, "ROOM_POOL", "-1001, -1002,,-1003")
	setEnv(t, "POLLING_INTERVAL", "30")
	setEnv(t, "CONFIRM_TIMEOUT", "2m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultUSDTContract, cfg.USDTContract)
	assert.Equal(t, DefaultUSDCContract, cfg.USDCContract)
	assert.Equal(t, int64(DefaultConfirmationBlocks), cfg.ConfirmationBlocks)
	assert.Equal(t, int64(DefaultLookbackBlocks), cfg.LookbackBlocks)
	assert.Equal(t, []int64{-1001, -1002, -1003}, cfg.RoomPool)
	assert.Equal(t, 30*time.Second, cfg.PollingInterval)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmTimeout)
	assert.Equal(t, DefaultFee, cfg.DefaultFee)
}

func TestLoad_MissingPrivateKey(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PRIVATE_KEY is required")
}

func TestLoad_InvalidRoomPool(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", testKey)
	setEnv(t, "ROOM_POOL", "-1001,lobby")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ROOM_POOL")
}

func TestLoad_NegativeLookback(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", testKey)
	setEnv(t, "LOOKBACK_BLOCKS", "-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOOKBACK_BLOCKS must not be negative")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"0x-prefixed key", func(c *Config) { c.PrivateKey = "0x" + testKey }, ""},
		{"missing private key", func(c *Config) { c.PrivateKey = "" }, "PRIVATE_KEY is required"},
		{"invalid private key length", func(c *Config) { c.PrivateKey = "abc123" }, "64 hex characters"},
		{"missing RPC URL", func(c *Config) { c.RPCURL = "" }, "RPC_URL is required"},
		{"bad wallet address", func(c *Config) { c.WalletAddress = "0x12" }, "ADMIN_WALLET_ADDRESS"},
		{"bad token contract", func(c *Config) { c.USDTContract = "tether" }, "USDT_CONTRACT"},
		{"zero confirmations", func(c *Config) { c.ConfirmationBlocks = 0 }, "CONFIRMATION_BLOCKS"},
		{"negative confirmations", func(c *Config) { c.ConfirmationBlocks = -15 }, "CONFIRMATION_BLOCKS"},
		{"negative lookback", func(c *Config) { c.LookbackBlocks = -1 }, "LOOKBACK_BLOCKS"},
		{"negative block range", func(c *Config) { c.MaxBlockRange = -5000 }, "MAX_BLOCK_RANGE"},
		{"negative gas limit", func(c *Config) { c.GasLimit = -1 }, "GAS_LIMIT"},
		{"zero gas cap", func(c *Config) { c.MaxGasPriceGwei = 0 }, "MAX_GAS_PRICE_GWEI"},
		{"non-numeric fee", func(c *Config) { c.DefaultFee = "a quarter" }, "DEFAULT_FEE"},
		{"production needs intake secret", func(c *Config) {
			c.Env = "production"
			c.OwnerID = 1
			c.DatabaseURL = "postgres://localhost/middleman"
		}, "INTAKE_SECRET"},
		{"production needs owner", func(c *Config) {
			c.Env = "production"
			c.IntakeSecret = "s"
			c.DatabaseURL = "postgres://localhost/middleman"
		}, "OWNER_ID"},
		{"production needs database", func(c *Config) {
			c.Env = "production"
			c.IntakeSecret = "s"
			c.OwnerID = 1
		}, "DATABASE_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
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

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_SECS", "45")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_SECS", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_VAR", time.Second))
}
