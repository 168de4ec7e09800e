package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
	assert.Equal(t, 24*time.Hour, cfg.MessageTTL)
	assert.Equal(t, BackoffExponential, cfg.Backoff)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }, "max_retries"},
		{"zero retry delay", func(c *Config) { c.RetryDelay = 0 }, "retry_delay"},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, "poll_interval"},
		{"zero message ttl", func(c *Config) { c.MessageTTL = 0 }, "message_ttl"},
		{"negative subscription ttl", func(c *Config) { c.SubscriptionTTL = -time.Second }, "subscription_ttl"},
		{"unknown backoff", func(c *Config) { c.Backoff = "linear" }, "backoff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_RetryDelay(t *testing.T) {
	t.Run("exponential doubles up to the cap", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.Equal(t, 5*time.Second, cfg.retryDelay(1))
		assert.Equal(t, 10*time.Second, cfg.retryDelay(2))
		assert.Equal(t, 20*time.Second, cfg.retryDelay(3))
		assert.Equal(t, time.Minute, cfg.retryDelay(6))
	})

	t.Run("constant never grows", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backoff = BackoffConstant
		for i := 1; i <= 4; i++ {
			assert.Equal(t, 5*time.Second, cfg.retryDelay(i))
		}
	})
}
