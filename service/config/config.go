package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/brojonat/solsync/service/solana"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Wallet
	WalletAddress string
	WalletID      string

	// Solana
	SolanaRPCURL       string
	TxPageLimit        int
	TxFetchConcurrency int

	// Storage
	StoreDriver string
	DataDir     string
	DatabaseURL string

	// Sync timing
	SyncInterval              time.Duration
	ConnectivityCheckInterval time.Duration

	// NATS configuration; empty disables event publishing
	NATSURL string

	// Server configuration
	ServerAddr string
	LogLevel   string
}

// Load reads configuration from environment variables and validates all required fields.
// A .env file in the working directory is loaded first when present; variables
// already set in the environment win.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	var errs []error

	cfg.WalletAddress = os.Getenv("WALLET_ADDRESS")
	if cfg.WalletAddress == "" {
		errs = append(errs, fmt.Errorf("WALLET_ADDRESS is required"))
	}
	cfg.WalletID = getEnvOrDefault("WALLET_ID", "default")

	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	pageLimit, err := parseInt("TX_PAGE_LIMIT", 100)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.TxPageLimit = pageLimit
	}

	concurrency, err := parseInt("TX_FETCH_CONCURRENCY", 4)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.TxFetchConcurrency = concurrency
	}

	cfg.StoreDriver = getEnvOrDefault("STORE_DRIVER", DriverSQLite)
	cfg.DataDir = getEnvOrDefault("DATA_DIR", "./data")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	syncInterval, err := parseDuration("SYNC_INTERVAL", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SyncInterval = syncInterval
	}

	checkInterval, err := parseDuration("CONNECTIVITY_CHECK_INTERVAL", "10s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConnectivityCheckInterval = checkInterval
	}

	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.WalletAddress == "" {
		errs = append(errs, fmt.Errorf("WalletAddress is required"))
	} else if err := solana.ValidateAddress(c.WalletAddress); err != nil {
		errs = append(errs, fmt.Errorf("WalletAddress: %w", err))
	}

	if c.WalletID == "" {
		errs = append(errs, fmt.Errorf("WalletID is required"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	switch c.StoreDriver {
	case DriverSQLite:
		if c.DataDir == "" {
			errs = append(errs, fmt.Errorf("DataDir is required for the sqlite store"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("StoreDriver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.StoreDriver))
	}

	if c.TxPageLimit < 1 || c.TxPageLimit > 1000 {
		errs = append(errs, fmt.Errorf("TxPageLimit must be between 1 and 1000"))
	}

	if c.TxFetchConcurrency < 1 {
		errs = append(errs, fmt.Errorf("TxFetchConcurrency must be at least 1"))
	}

	if c.SyncInterval < time.Second {
		errs = append(errs, fmt.Errorf("SyncInterval must be at least 1 second"))
	}

	if c.ConnectivityCheckInterval < time.Second {
		errs = append(errs, fmt.Errorf("ConnectivityCheckInterval must be at least 1 second"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(".env")
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
