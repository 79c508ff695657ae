package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// slidingWindowScript trims, counts and conditionally admits in one atomic step.
//
// KEYS[1] key, ARGV[1] now (ms), ARGV[2] window (ms), ARGV[3] limit, ARGV[4] member.
// Returns {admitted, count, retryAfterMs}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window + 1000)
  return {1, count + 1, 0}
end

local retry = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, count, retry}
`)

// RedisBackend is an exact sliding-window limiter shared across instances.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// Client returns the underlying client so other stores can share it.
func (r *RedisBackend) Client() *redis.Client {
	return r.client
}

// DialRedis parses a redis:// URL and verifies the connection.
func DialRedis(ctx context.Context, redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.DialTimeout = 800 * time.Millisecond
	opts.ReadTimeout = 500 * time.Millisecond
	opts.WriteTimeout = 500 * time.Millisecond
	opts.MaxRetries = 1

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBackend{client: client}, nil
}

// Name implements Backend.
func (r *RedisBackend) Name() string { return "redis" }

// Check implements Backend.
func (r *RedisBackend) Check(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error) {
	member := strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.NewString()

	raw, err := slidingWindowScript.Run(ctx, r.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, member,
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("sliding window script failed: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return Result{}, fmt.Errorf("unexpected sliding window reply: %v", raw)
	}
	admitted, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	retryMs, _ := vals[2].(int64)

	if admitted == 1 {
		return Result{
			Allowed:   true,
			Remaining: limit - int(count),
			Limit:     limit,
			Backend:   r.Name(),
		}, nil
	}

	if retryMs <= 0 {
		retryMs = 1
	}
	return Result{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
		Limit:      limit,
		Backend:    r.Name(),
	}, nil
}

// Count implements Backend.
func (r *RedisBackend) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	minScore := "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	n, err := r.client.ZCount(ctx, key, minScore, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count window: %w", err)
	}
	return int(n), nil
}

// Delete implements Backend.
func (r *RedisBackend) Delete(ctx context.Context, prefix string, keys ...string) error {
	if len(keys) == 0 {
		iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}
		if len(keys) == 0 {
			return nil
		}
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Ping implements Backend.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements Backend.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
