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

	// Chain context
	ChainID     int64
	NativeAsset string // Identifier used for native-value balance deltas

	// Policy
	PolicyFile string // Path to the JSON policy document (required)

	// Simulation provider
	SimulatorURL     string
	SimulatorTimeout time.Duration
	FailOpenSim      bool // Treat simulator unavailability as warn instead of block

	// Honeypot detection
	MinSellRatio    float64 // Minimum sell/buy proceeds ratio considered safe
	FailOpenHoney   bool    // Treat inconclusive honeypot checks as warn instead of block
	HoneypotEnabled bool

	// Risk scorer (LLM)
	RiskAPIURL         string // OpenAI-compatible chat completions endpoint (optional)
	RiskAPIKey         string
	RiskModel          string
	RiskBlockThreshold float64
	RiskTimeout        time.Duration

	// Ledger
	ReservationLease time.Duration // How long an uncommitted reservation holds quota

	// Security
	RateLimitRPM int

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultChainID          = 25 // Cronos mainnet
	DefaultNativeAsset      = "native"
	DefaultSimTimeout       = 5 * time.Second
	DefaultRiskTimeout      = 20 * time.Second
	DefaultMinSellRatio     = 0.9
	DefaultRiskThreshold    = 0.8
	DefaultReservationLease = 30 * time.Second
	DefaultRateLimit        = 120
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
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		NativeAsset:        getEnv("NATIVE_ASSET", DefaultNativeAsset),
		PolicyFile:         os.Getenv("POLICY_FILE"),
		SimulatorURL:       os.Getenv("SIMULATOR_URL"),
		SimulatorTimeout:   getEnvMillis("SIMULATOR_TIMEOUT_MS", DefaultSimTimeout),
		FailOpenSim:        getEnvBool("FAIL_OPEN_SIMULATION", false),
		MinSellRatio:       getEnvFloat("MIN_SELL_RATIO", DefaultMinSellRatio),
		FailOpenHoney:      getEnvBool("FAIL_OPEN_HONEYPOT", false),
		HoneypotEnabled:    getEnvBool("HONEYPOT_ENABLED", true),
		RiskAPIURL:         os.Getenv("RISK_API_URL"), // Optional, stage skipped if not set
		RiskAPIKey:         os.Getenv("RISK_API_KEY"),
		RiskModel:          getEnv("RISK_MODEL", "gpt-4o-mini"),
		RiskBlockThreshold: getEnvFloat("RISK_BLOCK_THRESHOLD", DefaultRiskThreshold),
		RiskTimeout:        getEnvMillis("RISK_TIMEOUT_MS", DefaultRiskTimeout),
		ReservationLease:   getEnvMillis("RESERVATION_LEASE_MS", DefaultReservationLease),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.PolicyFile == "" {
		return fmt.Errorf("POLICY_FILE is required")
	}

	if c.SimulatorURL == "" {
		return fmt.Errorf("SIMULATOR_URL is required")
	}

	if c.MinSellRatio <= 0 || c.MinSellRatio > 1 {
		return fmt.Errorf("MIN_SELL_RATIO must be in (0, 1], got %v", c.MinSellRatio)
	}

	if c.RiskBlockThreshold < 0 || c.RiskBlockThreshold > 1 {
		return fmt.Errorf("RISK_BLOCK_THRESHOLD must be in [0, 1], got %v", c.RiskBlockThreshold)
	}

	if c.ReservationLease <= 0 {
		return fmt.Errorf("RESERVATION_LEASE_MS must be positive")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
