package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL      string `mapstructure:"REDIS_URL"`
	NATSURL       string `mapstructure:"NATS_URL"`
	DefaultTenant string `mapstructure:"DEFAULT_TENANT"`

	// Payer API (outbound)
	PayerBaseURL  string        `mapstructure:"PAYER_BASE_URL"`
	PayerAPIKey   string        `mapstructure:"PAYER_API_KEY"`
	PayerTimeout  time.Duration `mapstructure:"PAYER_TIMEOUT"`
	WebhookSecret string        `mapstructure:"WEBHOOK_SECRET"`

	// Submission policy
	RetryMaxAttempts       int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RateLimitPerMinute     int           `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	RateLimitPerHour       int           `mapstructure:"RATE_LIMIT_PER_HOUR"`
	SubmissionWindowMonths int           `mapstructure:"SUBMISSION_WINDOW_MONTHS"`
	AutoRetryEnabled       bool          `mapstructure:"AUTO_RETRY_ENABLED"`
	SchedulerInterval      time.Duration `mapstructure:"SCHEDULER_INTERVAL"`

	// API auth
	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("PAYER_TIMEOUT", "5s")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 10)
	v.SetDefault("RATE_LIMIT_PER_HOUR", 300)
	v.SetDefault("SUBMISSION_WINDOW_MONTHS", 24)
	v.SetDefault("AUTO_RETRY_ENABLED", true)
	v.SetDefault("SCHEDULER_INTERVAL", "5m")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("NATS_URL")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("PAYER_BASE_URL")
	v.BindEnv("PAYER_API_KEY")
	v.BindEnv("PAYER_TIMEOUT")
	v.BindEnv("WEBHOOK_SECRET")
	v.BindEnv("RETRY_MAX_ATTEMPTS")
	v.BindEnv("RATE_LIMIT_PER_MINUTE")
	v.BindEnv("RATE_LIMIT_PER_HOUR")
	v.BindEnv("SUBMISSION_WINDOW_MONTHS")
	v.BindEnv("AUTO_RETRY_ENABLED")
	v.BindEnv("SCHEDULER_INTERVAL")
	v.BindEnv("AUTH_JWT_SECRET")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. In production the
// payer credential, webhook secret, and API auth secret must all be set so
// claims cannot be submitted or acknowledged over unauthenticated channels.
func (c *Config) Validate() error {
	if c.PayerBaseURL == "" {
		return fmt.Errorf("PAYER_BASE_URL is required")
	}
	if c.IsProduction() {
		if c.PayerAPIKey == "" {
			return fmt.Errorf("PAYER_API_KEY is required in production")
		}
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required in production")
		}
		if c.AuthJWTSecret == "" {
			return fmt.Errorf("AUTH_JWT_SECRET is required in production")
		}
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RateLimitPerMinute < 1 || c.RateLimitPerHour < 1 {
		return fmt.Errorf("rate limit thresholds must be positive (got %d/min, %d/hour)",
			c.RateLimitPerMinute, c.RateLimitPerHour)
	}
	if c.RateLimitPerHour < c.RateLimitPerMinute {
		return fmt.Errorf("RATE_LIMIT_PER_HOUR (%d) must not be lower than RATE_LIMIT_PER_MINUTE (%d)",
			c.RateLimitPerHour, c.RateLimitPerMinute)
	}
	if c.SubmissionWindowMonths < 1 {
		return fmt.Errorf("SUBMISSION_WINDOW_MONTHS must be at least 1, got %d", c.SubmissionWindowMonths)
	}
	if c.SchedulerInterval < time.Second {
		return fmt.Errorf("SCHEDULER_INTERVAL must be at least 1s, got %s", c.SchedulerInterval)
	}
	return nil
}
