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

	// Stripe billing
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceGold     string // Stripe price ID for the gold tier
	StripePricePlatinum string // Stripe price ID for the platinum tier
	FrontendURL         string // Checkout/portal redirect target

	// Security
	AdminSecret    string // Admin API secret (grant/revoke routes)
	InternalAPIKey string // Shared key for the gateway calling quota routes

	// Quota settings
	FreeCycleLimit int           // Metered calls per cycle for free/lapsed users
	CycleLength    time.Duration // Billing cycle length
	PlanCacheTTL   time.Duration // Entitlement snapshot TTL
	StoreTimeout   time.Duration // Per-operation store deadline

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultFreeCycleLimit = 250
	DefaultCycleDays      = 30
	DefaultCacheTTLSec    = 120
	DefaultStoreTimeoutMS = 3000
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePriceGold:     os.Getenv("STRIPE_PRICE_GOLD"),
		StripePricePlatinum: os.Getenv("STRIPE_PRICE_PLATINUM"),
		FrontendURL:         os.Getenv("FRONTEND_URL"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		InternalAPIKey:      os.Getenv("INTERNAL_API_KEY"),
		FreeCycleLimit:      getEnvInt("FREE_CYCLE_LIMIT", DefaultFreeCycleLimit),
		CycleLength:         time.Duration(getEnvInt("CYCLE_DAYS", DefaultCycleDays)) * 24 * time.Hour,
		PlanCacheTTL:        time.Duration(getEnvInt("PLAN_CACHE_TTL_SECONDS", DefaultCacheTTLSec)) * time.Second,
		StoreTimeout:        time.Duration(getEnvInt("STORE_TIMEOUT_MS", DefaultStoreTimeoutMS)) * time.Millisecond,
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.FreeCycleLimit <= 0 {
		return fmt.Errorf("FREE_CYCLE_LIMIT must be positive")
	}
	if c.CycleLength <= 0 {
		return fmt.Errorf("CYCLE_DAYS must be positive")
	}
	if c.PlanCacheTTL <= 0 {
		return fmt.Errorf("PLAN_CACHE_TTL_SECONDS must be positive")
	}
	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
		}
	}
	return nil
}

// BillingEnabled reports whether Stripe credentials are configured.
func (c *Config) BillingEnabled() bool {
	return c.StripeSecretKey != "" && c.StripeWebhookSecret != ""
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
