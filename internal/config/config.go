// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the service.
type Config struct {
	// Telegram
	TelegramToken string

	// Mode
	Debug bool

	// Scheduling
	FastTick       time.Duration // trade lifecycle tick
	SlowTick       time.Duration // reconciliation tick
	TickWorkers    int           // max orders processed concurrently per tick
	StaleThreshold time.Duration // age before IN_EXECUTION counts as abandoned

	// Trading
	FeeMargin        decimal.Decimal // quote-balance headroom for taker fees
	QtyBuffer        decimal.Decimal // epsilon shaved off sell quantities
	FilterCacheTTL   time.Duration   // symbol filter refresh interval
	RequestTimeout   time.Duration   // per exchange call
	BalanceNotifyTTL time.Duration   // per-user insufficient-balance notify throttle

	// Database
	DatabaseURL string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		Debug:         getEnvBool("DEBUG", false),

		FastTick:       getEnvDuration("FAST_TICK", 10*time.Second),
		SlowTick:       getEnvDuration("SLOW_TICK", 5*time.Minute),
		TickWorkers:    getEnvInt("TICK_WORKERS", 16),
		StaleThreshold: getEnvDuration("STALE_THRESHOLD", 60*time.Second),

		FeeMargin:        getEnvDecimal("FEE_MARGIN", decimal.NewFromFloat(0.001)),
		QtyBuffer:        getEnvDecimal("QTY_BUFFER", decimal.NewFromFloat(0.001)),
		FilterCacheTTL:   getEnvDuration("FILTER_CACHE_TTL", time.Hour),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
		BalanceNotifyTTL: getEnvDuration("BALANCE_NOTIFY_TTL", 24*time.Hour),

		DatabaseURL: getEnv("DATABASE_URL", "data/tradepilot.db"),
	}

	if cfg.TickWorkers <= 0 {
		return nil, fmt.Errorf("TICK_WORKERS must be positive, got %d", cfg.TickWorkers)
	}
	if cfg.FastTick <= 0 || cfg.SlowTick <= 0 {
		return nil, fmt.Errorf("tick periods must be positive")
	}
	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
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

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
