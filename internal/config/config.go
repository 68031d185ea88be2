// Package config handles application configuration from environment variables
package config

import (
	"errors"
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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // optional; enables cross-process notifications and shared rate limits

	// Auth
	JWTSecret   string // HS256 secret shared with the hosted auth service
	AdminSecret string // X-Admin-Secret for operator endpoints

	// Payment processor (sandbox when StripeSecretKey is empty)
	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	ConnectRefreshURL   string
	ConnectReturnURL    string
	ProcessorTimeout    time.Duration

	// Escrow policy
	PlatformFeeBPS    int64 // basis points withheld from the payee transfer
	DefaultCurrency   string
	AutoReleaseWindow time.Duration

	// Background jobs
	SchedulerInterval time.Duration
	ReconcileInterval time.Duration
	ReconcileClaimAge time.Duration

	// Observability
	OTLPEndpoint string

	RateLimitRPM       int
	CORSAllowedOrigins []string // empty allows any origin without credentials
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultPlatformFeeBPS    = 1000
	DefaultCurrency          = "BRL"
	DefaultAutoReleaseWindow = 7 * 24 * time.Hour
	DefaultProcessorTimeout  = 10 * time.Second
	DefaultSchedulerInterval = time.Minute
	DefaultReconcileInterval = 5 * time.Minute
	DefaultReconcileClaimAge = 10 * time.Minute
	DefaultRateLimitRPM      = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		JWTSecret:           os.Getenv("AUTH_JWT_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/pagamento/sucesso"),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/pagamento/cancelado"),
		ConnectRefreshURL:   getEnv("CONNECT_REFRESH_URL", "http://localhost:3000/prestador/onboarding"),
		ConnectReturnURL:    getEnv("CONNECT_RETURN_URL", "http://localhost:3000/prestador/onboarding/ok"),
		ProcessorTimeout:    getEnvDuration("PROCESSOR_TIMEOUT", DefaultProcessorTimeout),
		PlatformFeeBPS:      getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBPS),
		DefaultCurrency:     strings.ToUpper(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		AutoReleaseWindow:   getEnvDuration("AUTO_RELEASE_WINDOW", DefaultAutoReleaseWindow),
		SchedulerInterval:   getEnvDuration("SCHEDULER_INTERVAL", DefaultSchedulerInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileClaimAge:   getEnvDuration("RECONCILE_CLAIM_AGE", DefaultReconcileClaimAge),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable. Production
// additionally requires real processor and auth secrets.
func (c *Config) Validate() error {
	var errs []error

	if c.PlatformFeeBPS < 0 || c.PlatformFeeBPS >= 10000 {
		errs = append(errs, fmt.Errorf("PLATFORM_FEE_BPS must be in [0, 10000), got %d", c.PlatformFeeBPS))
	}
	if len(c.DefaultCurrency) != 3 {
		errs = append(errs, fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter ISO code, got %q", c.DefaultCurrency))
	}
	if c.AutoReleaseWindow <= 0 {
		errs = append(errs, errors.New("AUTO_RELEASE_WINDOW must be positive"))
	}
	if c.ProcessorTimeout <= 0 {
		errs = append(errs, errors.New("PROCESSOR_TIMEOUT must be positive"))
	}
	if c.SchedulerInterval <= 0 || c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("SCHEDULER_INTERVAL and RECONCILE_INTERVAL must be positive"))
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set"))
	}

	if c.RateLimitRPM <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPM must be positive"))
	}

	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY is required in production"))
		}
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("AUTH_JWT_SECRET is required in production"))
		}
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesStripe reports whether the real processor is configured.
func (c *Config) UsesStripe() bool {
	return c.StripeSecretKey != ""
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

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
