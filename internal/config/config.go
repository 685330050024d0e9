// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
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
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger
	RPCURL        string
	ChainID       int64
	PrivateKey    string // custodial wallet key, hex with or without 0x
	WalletAddress string // custodial address; must match the key when set
	ExplorerURL   string
	USDTContract  string
	USDCContract  string

	// Detection
	ConfirmationBlocks int64
	PollingInterval    time.Duration
	LookbackBlocks     int64 // 0 uses the detector default
	MaxBlockRange      int64 // 0 uses the detector default

	// Payouts
	MaxGasPriceGwei int64
	MinGasBalance   string // in native coin, e.g. "0.001"
	GasLimit        int64
	ConfirmTimeout  time.Duration

	// Deals
	DefaultFee    string // percent, informational
	ZeroFeeMarker string // bio marker that waives the fee
	OwnerID       int64
	RoomPool      []int64

	// Security
	IntakeSecret string

	// Tracing
	OTLPEndpoint string
}

// BNB Smart Chain mainnet defaults
const (
	DefaultRPCURL       = "https://bsc-dataseed.binance.org"
	DefaultChainID      = 56
	DefaultExplorerURL  = "https://bscscan.com"
	DefaultUSDTContract = "0x55d398326f99059fF775485246999027B3197955"
	DefaultUSDCContract = "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d"
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"

	DefaultConfirmationBlocks = 15
	DefaultPollingInterval    = 15 * time.Second
	DefaultLookbackBlocks     = 100
	DefaultMaxBlockRange      = 5000
	DefaultMaxGasPriceGwei    = 10
	DefaultMinGasBalance      = "0.001"
	DefaultGasLimit           = 100000
	DefaultConfirmTimeout     = 120 * time.Second
	DefaultFee                = "0.25"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	rooms, err := parseIDList(os.Getenv("ROOM_POOL"))
	if err != nil {
		return nil, fmt.Errorf("ROOM_POOL: %w", err)
	}

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:         os.Getenv("PRIVATE_KEY"), // Required, no default
		WalletAddress:      os.Getenv("ADMIN_WALLET_ADDRESS"),
		ExplorerURL:        getEnv("EXPLORER_URL", DefaultExplorerURL),
		USDTContract:       getEnv("USDT_CONTRACT", DefaultUSDTContract),
		USDCContract:       getEnv("USDC_CONTRACT", DefaultUSDCContract),
		ConfirmationBlocks: getEnvInt64("CONFIRMATION_BLOCKS", DefaultConfirmationBlocks),
		PollingInterval:    getEnvDuration("POLLING_INTERVAL", DefaultPollingInterval),
		LookbackBlocks:     getEnvInt64("LOOKBACK_BLOCKS", DefaultLookbackBlocks),
		MaxBlockRange:      getEnvInt64("MAX_BLOCK_RANGE", DefaultMaxBlockRange),
		MaxGasPriceGwei:    getEnvInt64("MAX_GAS_PRICE_GWEI", DefaultMaxGasPriceGwei),
		MinGasBalance:      getEnv("MIN_GAS_BALANCE", DefaultMinGasBalance),
		GasLimit:           getEnvInt64("GAS_LIMIT", DefaultGasLimit),
		ConfirmTimeout:     getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		DefaultFee:         getEnv("DEFAULT_FEE", DefaultFee),
		ZeroFeeMarker:      os.Getenv("ZERO_FEE_MARKER"),
		OwnerID:            getEnvInt64("OWNER_ID", 0),
		RoomPool:           rooms,
		IntakeSecret:       os.Getenv("INTAKE_SECRET"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
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

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.WalletAddress != "" && !common.IsHexAddress(c.WalletAddress) {
		return fmt.Errorf("ADMIN_WALLET_ADDRESS is not a valid address")
	}
	for name, addr := range map[string]string{"USDT_CONTRACT": c.USDTContract, "USDC_CONTRACT": c.USDCContract} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s is not a valid address", name)
		}
	}
	if c.ConfirmationBlocks < 1 {
		return fmt.Errorf("CONFIRMATION_BLOCKS must be at least 1")
	}
	for name, v := range map[string]int64{
		"LOOKBACK_BLOCKS": c.LookbackBlocks,
		"MAX_BLOCK_RANGE": c.MaxBlockRange,
		"GAS_LIMIT":       c.GasLimit,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.PollingInterval <= 0 {
		return fmt.Errorf("POLLING_INTERVAL must be positive")
	}
	if c.MaxGasPriceGwei <= 0 {
		return fmt.Errorf("MAX_GAS_PRICE_GWEI must be positive")
	}
	if _, err := strconv.ParseFloat(c.DefaultFee, 64); err != nil {
		return fmt.Errorf("DEFAULT_FEE must be a number")
	}

	if c.IsProduction() {
		if c.IntakeSecret == "" {
			return fmt.Errorf("INTAKE_SECRET is required in production")
		}
		if c.OwnerID <= 0 {
			return fmt.Errorf("OWNER_ID is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
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

// getEnvDuration accepts Go durations ("15s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid room id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
