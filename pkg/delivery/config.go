package delivery

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff strategies for redelivery.
const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// Config controls retry and expiry behaviour.
type Config struct {
	MaxRetries      int
	RetryDelay      time.Duration // first retry delay
	MaxRetryDelay   time.Duration // cap for exponential backoff
	PollInterval    time.Duration // idle wait between retry passes
	MessageTTL      time.Duration
	SubscriptionTTL time.Duration
	Backoff         string
}

// DefaultConfig returns the standard delivery settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryDelay:      5 * time.Second,
		MaxRetryDelay:   time.Minute,
		PollInterval:    time.Second,
		MessageTTL:      24 * time.Hour,
		SubscriptionTTL: 7 * 24 * time.Hour,
		Backoff:         BackoffExponential,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1, got %d", c.MaxRetries)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay must be positive, got %s", c.RetryDelay)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.MessageTTL <= 0 {
		return fmt.Errorf("message_ttl must be positive, got %s", c.MessageTTL)
	}
	if c.SubscriptionTTL <= 0 {
		return fmt.Errorf("subscription_ttl must be positive, got %s", c.SubscriptionTTL)
	}
	switch c.Backoff {
	case BackoffConstant, BackoffExponential:
	default:
		return fmt.Errorf("backoff must be %q or %q, got %q", BackoffConstant, BackoffExponential, c.Backoff)
	}
	return nil
}

// newBackOff builds a fresh, jitter-free schedule so retry times are
// reproducible under a fake clock.
func (c Config) newBackOff() backoff.BackOff {
	if c.Backoff == BackoffConstant {
		return backoff.NewConstantBackOff(c.RetryDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = c.MaxRetryDelay
	if b.MaxInterval < c.RetryDelay {
		b.MaxInterval = c.RetryDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retryDelay returns the wait before the attempt that follows the given
// number of failed attempts (1 = first failure).
func (c Config) retryDelay(failures int) time.Duration {
	b := c.newBackOff()
	d := c.RetryDelay
	for i := 0; i < failures; i++ {
		d = b.NextBackOff()
	}
	return d
}
