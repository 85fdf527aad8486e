// Package config loads the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is everything coordd and coordctl read at startup.
type Config struct {
	HTTPAddr string `env:"KWC_HTTP_ADDR" envDefault:":8080"`

	// RedisURL is left empty to run without a shared store. Every
	// coordination call then fails as unavailable.
	RedisURL     string        `env:"KWC_REDIS_URL"`
	KeyPrefix    string        `env:"KWC_KEY_PREFIX"    envDefault:"kw:"`
	StoreTimeout time.Duration `env:"KWC_STORE_TIMEOUT" envDefault:"500ms"`

	LockTTL        time.Duration `env:"KWC_LOCK_TTL"        envDefault:"10s"`
	RegistryWait   time.Duration `env:"KWC_REGISTRY_WAIT"   envDefault:"3s"`
	IdempotencyTTL time.Duration `env:"KWC_IDEMPOTENCY_TTL" envDefault:"72h"`
	MonthlyQuota   int64         `env:"KWC_MONTHLY_QUOTA"   envDefault:"300"`

	RateLimitPerWindow int64         `env:"KWC_RATE_LIMIT"        envDefault:"60"`
	RateLimitWindow    time.Duration `env:"KWC_RATE_WINDOW"       envDefault:"1m"`
	RateLimitFailOpen  bool          `env:"KWC_RATE_FAIL_OPEN"`
	TrustedProxies     []string      `env:"KWC_TRUSTED_PROXIES" envSeparator:","`

	CacheTTL           time.Duration `env:"KWC_CACHE_TTL"            envDefault:"24h"`
	CacheWriteDeadline time.Duration `env:"KWC_CACHE_WRITE_DEADLINE" envDefault:"150ms"`

	LogLevel string `env:"KWC_LOG_LEVEL" envDefault:"info"`
}

// ParseEnv loads Config from environment variables and validates it.
func ParseEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"KWC_STORE_TIMEOUT":        c.StoreTimeout,
		"KWC_LOCK_TTL":             c.LockTTL,
		"KWC_REGISTRY_WAIT":        c.RegistryWait,
		"KWC_IDEMPOTENCY_TTL":      c.IdempotencyTTL,
		"KWC_RATE_WINDOW":          c.RateLimitWindow,
		"KWC_CACHE_TTL":            c.CacheTTL,
		"KWC_CACHE_WRITE_DEADLINE": c.CacheWriteDeadline,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.RateLimitPerWindow <= 0 {
		errs = append(errs, fmt.Errorf("KWC_RATE_LIMIT must be positive, got %d", c.RateLimitPerWindow))
	}
	if c.MonthlyQuota <= 0 {
		errs = append(errs, fmt.Errorf("KWC_MONTHLY_QUOTA must be positive, got %d", c.MonthlyQuota))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StoreConfigured reports whether a shared store address was supplied.
func (c Config) StoreConfigured() bool {
	return strings.TrimSpace(c.RedisURL) != ""
}

// Level maps LogLevel onto a slog level.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("KWC_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
