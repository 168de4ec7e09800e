package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ShareContext upserts a shared context. The last writer wins for the whole
// (scope, name) entry; UpdatedAt is stamped by the client. Each write refreshes
// the 24h expiry.
func (c *Client) ShareContext(ctx context.Context, origin string, sc *SharedContext) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if origin == "" {
		return &ValidationError{Entity: "context", Field: "origin", Reason: "cannot be empty"}
	}

	sc.UpdatedAt = c.now()
	hash, err := ContextToHash(sc)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}

	key := ContextKey(sc.Scope, sc.Name)
	// Replace rather than merge so stale fields from an earlier writer do not survive.
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, hash)
		pipe.Expire(ctx, key, DefaultContextTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write context to Redis: %w", err)
	}

	c.trace(ctx, origin, SpeechActInform, key, "share_context", sc.SharedData)
	return nil
}

// GetContext retrieves a shared context.
// Returns (nil, nil) if it does not exist or has expired.
func (c *Client) GetContext(ctx context.Context, scope, name string) (*SharedContext, error) {
	hash, err := c.readHash(ctx, ContextKey(scope, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read context from Redis: %w", err)
	}
	if hash == nil {
		return nil, nil
	}
	sc, err := HashToContext(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize context: %w", err)
	}
	return sc, nil
}
