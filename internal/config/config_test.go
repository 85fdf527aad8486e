package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnv_Defaults(t *testing.T) {
	cfg, err := ParseEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "kw:", cfg.KeyPrefix)
	assert.Equal(t, 500*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, 10*time.Second, cfg.LockTTL)
	assert.Equal(t, 72*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 150*time.Millisecond, cfg.CacheWriteDeadline)
	assert.False(t, cfg.RateLimitFailOpen)
	assert.False(t, cfg.StoreConfigured())
}

func TestParseEnv_Overrides(t *testing.T) {
	t.Setenv("KWC_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("KWC_RATE_LIMIT", "5")
	t.Setenv("KWC_RATE_WINDOW", "10s")
	t.Setenv("KWC_TRUSTED_PROXIES", "10.0.0.0/8,192.0.2.1")
	t.Setenv("KWC_LOG_LEVEL", "debug")

	cfg, err := ParseEnv()
	require.NoError(t, err)
	assert.True(t, cfg.StoreConfigured())
	assert.Equal(t, int64(5), cfg.RateLimitPerWindow)
	assert.Equal(t, 10*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.1"}, cfg.TrustedProxies)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestParseEnv_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"unparsable duration", "KWC_LOCK_TTL", "soon"},
		{"zero duration", "KWC_CACHE_TTL", "0s"},
		{"negative limit", "KWC_RATE_LIMIT", "-1"},
		{"unknown level", "KWC_LOG_LEVEL", "chatty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := ParseEnv()
			assert.Error(t, err)
		})
	}
}
