package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		setEnv(t, k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t, "ENV", "PLATFORM_FEE_BPS", "DEFAULT_CURRENCY", "AUTO_RELEASE_WINDOW",
		"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "PROCESSOR_TIMEOUT")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(DefaultPlatformFeeBPS), cfg.PlatformFeeBPS)
	assert.Equal(t, "BRL", cfg.DefaultCurrency)
	assert.Equal(t, 7*24*time.Hour, cfg.AutoReleaseWindow)
	assert.Equal(t, 10*time.Second, cfg.ProcessorTimeout)
	assert.False(t, cfg.UsesStripe())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "staging")
	setEnv(t, "PLATFORM_FEE_BPS", "250")
	setEnv(t, "DEFAULT_CURRENCY", "usd")
	setEnv(t, "AUTO_RELEASE_WINDOW", "72h")
	setEnv(t, "STRIPE_SECRET_KEY", "sk_test_123")
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "whsec_123")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(250), cfg.PlatformFeeBPS)
	assert.Equal(t, "USD", cfg.DefaultCurrency)
	assert.Equal(t, 72*time.Hour, cfg.AutoReleaseWindow)
	assert.True(t, cfg.UsesStripe())
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	setEnv(t, "SCHEDULER_INTERVAL", "soon")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedulerInterval, cfg.SchedulerInterval)
}

func validConfig() Config {
	return Config{
		Env:               "development",
		PlatformFeeBPS:    1000,
		DefaultCurrency:   "BRL",
		AutoReleaseWindow: DefaultAutoReleaseWindow,
		ProcessorTimeout:  DefaultProcessorTimeout,
		SchedulerInterval: time.Minute,
		ReconcileInterval: time.Minute,
		RateLimitRPM:      DefaultRateLimitRPM,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid development", func(c *Config) {}, ""},
		{"fee too high", func(c *Config) { c.PlatformFeeBPS = 10000 }, "PLATFORM_FEE_BPS"},
		{"negative fee", func(c *Config) { c.PlatformFeeBPS = -1 }, "PLATFORM_FEE_BPS"},
		{"bad currency", func(c *Config) { c.DefaultCurrency = "REAL" }, "DEFAULT_CURRENCY"},
		{"zero window", func(c *Config) { c.AutoReleaseWindow = 0 }, "AUTO_RELEASE_WINDOW"},
		{"zero rate limit", func(c *Config) { c.RateLimitRPM = 0 }, "RATE_LIMIT_RPM"},
		{"stripe without webhook secret", func(c *Config) { c.StripeSecretKey = "sk" }, "STRIPE_WEBHOOK_SECRET"},
		{"production without secrets", func(c *Config) { c.Env = "production" }, "STRIPE_SECRET_KEY"},
		{"production complete", func(c *Config) {
			c.Env = "production"
			c.StripeSecretKey = "sk_live"
			c.StripeWebhookSecret = "whsec"
			c.JWTSecret = "jwt"
			c.DatabaseURL = "postgres://x"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_IsProduction(t *testing.T) {
	cfg := &Config{Env: "production"}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_DURATION_MISSING", time.Second))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	setEnv(t, "TEST_INT", "nope")
	assert.Equal(t, int64(7), getEnvInt64("TEST_INT", 7))
}

func TestLoad_CORSOrigins(t *testing.T) {
	setEnv(t, "CORS_ALLOWED_ORIGINS", "https://app.contrata.dev, ,https://admin.contrata.dev")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.contrata.dev", "https://admin.contrata.dev"}, cfg.CORSAllowedOrigins)

	setEnv(t, "CORS_ALLOWED_ORIGINS", "")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.CORSAllowedOrigins)
}
