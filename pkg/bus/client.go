package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/agentbus/internal/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Client is the explicit handle agents hold to the coordination store.
// There is no package-level state: every component receives a Client.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb       redis.UniversalClient
	clock     clock.Clock
	logger    zerolog.Logger
	signer    Signer
	packetTTL time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithClock overrides the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) {
		if c != nil {
			cl.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger.With().Str("component", "bus").Logger()
	}
}

// WithSigner signs every packet digest the client dispatches.
func WithSigner(s Signer) Option {
	return func(cl *Client) {
		cl.signer = s
	}
}

// WithPacketTTL overrides DefaultPacketTTL.
func WithPacketTTL(ttl time.Duration) Option {
	return func(cl *Client) {
		if ttl > 0 {
			cl.packetTTL = ttl
		}
	}
}

// NewClient creates a bus client with its own Redis connection pool.
func NewClient(redisOpts *redis.Options, opts ...Option) (*Client, error) {
	if redisOpts == nil {
		return nil, fmt.Errorf("redis options cannot be nil")
	}
	return NewClientFromRedis(redis.NewClient(redisOpts), opts...), nil
}

// NewClientFromRedis wraps an existing Redis client (single node, cluster or ring).
func NewClientFromRedis(rdb redis.UniversalClient, opts ...Option) *Client {
	c := &Client{
		rdb:       rdb,
		clock:     clock.Real(),
		logger:    zerolog.Nop(),
		packetTTL: DefaultPacketTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Redis exposes the underlying Redis client for components layered on the bus.
func (c *Client) Redis() redis.UniversalClient {
	return c.rdb
}

// Clock returns the client's clock.
func (c *Client) Clock() clock.Clock {
	return c.clock
}

// Logger returns the client's logger.
func (c *Client) Logger() zerolog.Logger {
	return c.logger
}

// now returns the clock time in UTC without a monotonic reading so stored and
// in-memory values compare equal.
func (c *Client) now() time.Time {
	return c.clock.Now().UTC()
}

// ScanKeys returns every key matching pattern using SCAN so the server is never
// blocked. Used for task, finding and conflict scans; there is no secondary index.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", pattern, err)
	}
	return keys, nil
}

// TransitionResult is the outcome of a guarded hash update.
type TransitionResult int

const (
	// TransitionMissing means the key does not exist
	TransitionMissing TransitionResult = iota

	// TransitionRejected means the guard field held a value outside the allowed set
	TransitionRejected

	// TransitionApplied means the update was written
	TransitionApplied
)

// transitionScript atomically checks that a hash field holds one of the
// allowed values and, if so, writes the given field/value pairs.
//
//	KEYS[1]  hash key
//	ARGV[1]  guard field
//	ARGV[2]  n, the number of allowed values
//	ARGV[3..2+n]  allowed values ("" matches a missing field)
//	ARGV[3+n..]   field, value, field, value, ...
var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local current = redis.call('HGET', KEYS[1], ARGV[1]) or ''
local n = tonumber(ARGV[2])
local allowed = false
for i = 3, 2 + n do
  if current == ARGV[i] then
    allowed = true
    break
  end
end
if not allowed then
  return 0
end
for i = 3 + n, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// Transition performs a compare-and-set on a hash: when guardField currently
// holds one of allowed, the fields in set are written in the same round-trip.
// This is the primitive behind every "check invariant, then mutate" on the bus.
func (c *Client) Transition(ctx context.Context, key, guardField string, allowed []string, set map[string]string) (TransitionResult, error) {
	args := make([]interface{}, 0, 2+len(allowed)+2*len(set))
	args = append(args, guardField, len(allowed))
	for _, v := range allowed {
		args = append(args, v)
	}
	for field, value := range set {
		args = append(args, field, value)
	}

	res, err := transitionScript.Run(ctx, c.rdb, []string{key}, args...).Int()
	if err != nil {
		return TransitionRejected, fmt.Errorf("failed to run transition on %s: %w", key, err)
	}
	switch res {
	case -1:
		return TransitionMissing, nil
	case 0:
		return TransitionRejected, nil
	default:
		return TransitionApplied, nil
	}
}

// writeHash stores a hash and sets its expiry in one MULTI/EXEC.
func (c *Client) writeHash(ctx context.Context, key string, hash map[string]interface{}, ttl time.Duration) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, hash)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

// readHash returns nil when the key does not exist.
func (c *Client) readHash(ctx context.Context, key string) (map[string]string, error) {
	hash, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(hash) == 0 {
		return nil, nil
	}
	return hash, nil
}

// publishHint sends a best-effort notification. Failures are logged, not
// returned: the persisted state is authoritative and readers poll it anyway.
func (c *Client) publishHint(ctx context.Context, channel, message string) {
	if err := c.rdb.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Warn().Err(err).Str("channel", channel).Msg("failed to publish hint")
	}
}

func ttlSeconds(seconds int, fallback int) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}
