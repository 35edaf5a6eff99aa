package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// ErrEmptyAddress is returned when Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const redisPingTimeout = 5 * time.Second

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// NewRedisGuards builds guards whose state is shared through Redis, so
// every server instance sees the same counters.
func NewRedisGuards(client *redis.Client, l Limits, prefix string) *Guards {
	if prefix == "" {
		prefix = "abtrack:"
	}
	return &Guards{
		Track:  &RedisRateLimiter{client: client, prefix: prefix + "rl:track:", max: l.TrackPerWindow, window: l.Window},
		Beacon: &RedisRateLimiter{client: client, prefix: prefix + "rl:beacon:", max: l.BeaconPerWindow, window: l.Window},
		Lead:   &RedisRateLimiter{client: client, prefix: prefix + "rl:lead:", max: l.LeadPerWindow, window: l.Window},
		Dedup:  &RedisDeduplicator{client: client, prefix: prefix + "dedup:", window: l.DedupWindow},
		Auth: &RedisLockout{
			client:        client,
			prefix:        prefix + "auth:",
			maxAttempts:   l.MaxAttempts,
			attemptWindow: l.AttemptWindow,
			lockoutFor:    l.LockoutFor,
		},
	}
}

// RedisRateLimiter is a fixed-window counter keyed by INCR with a TTL.
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
	max    int
	window time.Duration
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	k := l.prefix + key

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	if count == 1 {
		if err := l.client.PExpire(ctx, k, l.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("failed to set rate window: %w", err)
		}
	}

	if count > int64(l.max) {
		ttl, err := l.client.PTTL(ctx, k).Result()
		if err != nil || ttl < 0 {
			ttl = l.window
		}
		return Decision{RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true}, nil
}

// RedisDeduplicator stores fingerprints with SET NX and a TTL.
type RedisDeduplicator struct {
	client *redis.Client
	prefix string
	window time.Duration
}

func (d *RedisDeduplicator) Seen(ctx context.Context, fingerprint string) (bool, error) {
	stored, err := d.client.SetNX(ctx, d.prefix+fingerprint, 1, d.window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record fingerprint: %w", err)
	}
	return !stored, nil
}

func (d *RedisDeduplicator) Forget(ctx context.Context, fingerprint string) error {
	if err := d.client.Del(ctx, d.prefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("failed to forget fingerprint: %w", err)
	}
	return nil
}

// RedisLockout keeps a failure counter and a lock key per client.
type RedisLockout struct {
	client        *redis.Client
	prefix        string
	maxAttempts   int
	attemptWindow time.Duration
	lockoutFor    time.Duration
}

func (l *RedisLockout) lockKey(key string) string { return l.prefix + "lock:" + key }
func (l *RedisLockout) failKey(key string) string { return l.prefix + "fail:" + key }

func (l *RedisLockout) Locked(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := l.client.PTTL(ctx, l.lockKey(key)).Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read lockout: %w", err)
	}
	if ttl <= 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

func (l *RedisLockout) Fail(ctx context.Context, key string) (time.Duration, error) {
	fk := l.failKey(key)

	failures, err := l.client.Incr(ctx, fk).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count attempt: %w", err)
	}
	if failures == 1 {
		if err := l.client.PExpire(ctx, fk, l.attemptWindow).Err(); err != nil {
			return 0, fmt.Errorf("failed to set attempt window: %w", err)
		}
	}

	if failures < int64(l.maxAttempts) {
		return 0, nil
	}

	if err := l.client.Set(ctx, l.lockKey(key), 1, l.lockoutFor).Err(); err != nil {
		return 0, fmt.Errorf("failed to set lockout: %w", err)
	}
	if err := l.client.Del(ctx, fk).Err(); err != nil {
		return 0, fmt.Errorf("failed to clear attempts: %w", err)
	}
	return l.lockoutFor, nil
}

func (l *RedisLockout) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.failKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to reset attempts: %w", err)
	}
	return nil
}
