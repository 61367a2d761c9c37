package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/maildispatch/internal/resilience"
)

const defaultEnvFile = ".env"

type Config struct {
	RedisURL     string `env:"REDIS_URL"`
	BackendsFile string `env:"BACKENDS_FILE"`

	RateLimit           int    `env:"RATE_LIMIT,default=5"`
	RateLimitIntervalMS int    `env:"RATE_LIMIT_INTERVAL_MS,default=10000"`
	RateLimitKey        string `env:"RATE_LIMIT_KEY,default=ratelimit:dispatch"`
	LedgerPrefix        string `env:"LEDGER_PREFIX,default=ledger:sent:"`
	LeasePrefix         string `env:"LEASE_PREFIX,default=lease:dispatch:"`
	LeaseTTLMS          int    `env:"LEASE_TTL_MS,default=60000"`

	BreakerThreshold int `env:"BREAKER_THRESHOLD,default=3"`
	BreakerTimeoutMS int `env:"BREAKER_TIMEOUT_MS,default=10000"`

	RetryMaxAttempts int `env:"RETRY_MAX_ATTEMPTS,default=3"`
	RetryBaseDelayMS int `env:"RETRY_BASE_DELAY_MS,default=500"`
	RetryMaxDelayMS  int `env:"RETRY_MAX_DELAY_MS,default=30000"`

	BatchConcurrency int `env:"BATCH_CONCURRENCY,default=8"`
	MaxBatchSize     int `env:"MAX_BATCH_SIZE,default=100"`

	APIPort           int    `env:"API_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
	ShutdownTimeoutMS int    `env:"SHUTDOWN_TIMEOUT_MS,default=10000"`
}

// Load applies an optional .env file, then reads the environment.
func Load() (*Config, error) {
	return load(defaultEnvFile)
}

func load(envFile string) (*Config, error) {
	if envFile != "" {
		// Variables already set in the environment win over the file.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"RATE_LIMIT", c.RateLimit},
		{"RATE_LIMIT_INTERVAL_MS", c.RateLimitIntervalMS},
		{"BREAKER_THRESHOLD", c.BreakerThreshold},
		{"BREAKER_TIMEOUT_MS", c.BreakerTimeoutMS},
		{"RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts},
		{"RETRY_MAX_DELAY_MS", c.RetryMaxDelayMS},
		{"BATCH_CONCURRENCY", c.BatchConcurrency},
		{"MAX_BATCH_SIZE", c.MaxBatchSize},
		{"SHUTDOWN_TIMEOUT_MS", c.ShutdownTimeoutMS},
		{"LEASE_TTL_MS", c.LeaseTTLMS},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("invalid config: %s must be positive, got %d", p.name, p.value)
		}
	}

	if c.RetryBaseDelayMS < 0 {
		return fmt.Errorf("invalid config: RETRY_BASE_DELAY_MS must not be negative, got %d", c.RetryBaseDelayMS)
	}
	if c.RetryMaxDelayMS < c.RetryBaseDelayMS {
		return fmt.Errorf("invalid config: RETRY_MAX_DELAY_MS (%d) is below RETRY_BASE_DELAY_MS (%d)", c.RetryMaxDelayMS, c.RetryBaseDelayMS)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid config: API_PORT out of range: %d", c.APIPort)
	}

	return nil
}

func (c *Config) RateLimitInterval() time.Duration {
	return time.Duration(c.RateLimitIntervalMS) * time.Millisecond
}

func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLMS) * time.Millisecond
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

func (c *Config) BreakerConfig() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Threshold: c.BreakerThreshold,
		Timeout:   time.Duration(c.BreakerTimeoutMS) * time.Millisecond,
	}
}

func (c *Config) RetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   time.Duration(c.RetryBaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(c.RetryMaxDelayMS) * time.Millisecond,
	}
}
