package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisBackend) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisBackend(client)
}

func TestRedisBackend_SlidingWindow(t *testing.T) {
	_, backend := newTestRedis(t)
	ctx := context.Background()

	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	window := time.Minute
	key := Key("0xpayer", "get_price")

	for i := 0; i < 5; i++ {
		res, err := backend.Check(ctx, key, 5, window, start.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d should be allowed", i+1)
		assert.Equal(t, 4-i, res.Remaining)
		assert.Equal(t, "redis", res.Backend)
	}

	res, err := backend.Check(ctx, key, 5, window, start.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	// The oldest entry (t=0) leaves the window at t=60s.
	assert.Equal(t, 50*time.Second, res.RetryAfter)

	// At t=60s only the first call has aged out: one slot frees up.
	res, err = backend.Check(ctx, key, 5, window, start.Add(window))
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = backend.Check(ctx, key, 5, window, start.Add(window))
	require.NoError(t, err)
	assert.False(t, res.Allowed, "sliding window must not reset wholesale")

	// After the whole window passes everything is admitted again.
	res, err = backend.Check(ctx, key, 5, window, start.Add(3*window))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestRedisBackend_RejectedCallsAreNotCounted(t *testing.T) {
	_, backend := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()
	key := Key("0xpayer", "tool")

	for i := 0; i < 5; i++ {
		_, err := backend.Check(ctx, key, 2, time.Minute, now)
		require.NoError(t, err)
	}

	count, err := backend.Count(ctx, key, time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRedisBackend_SetsExpiry(t *testing.T) {
	mr, backend := newTestRedis(t)
	ctx := context.Background()
	key := Key("0xpayer", "tool")

	_, err := backend.Check(ctx, key, 5, 10*time.Second, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 11*time.Second, mr.TTL(key))

	mr.FastForward(12 * time.Second)
	assert.False(t, mr.Exists(key))
}

func TestRedisBackend_Delete(t *testing.T) {
	mr, backend := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	for _, k := range []string{Key("0xa", "one"), Key("0xa", "two"), Key("0xb", "one")} {
		_, err := backend.Check(ctx, k, 5, time.Minute, now)
		require.NoError(t, err)
	}

	require.NoError(t, backend.Delete(ctx, callerPrefix("0xa"), Key("0xa", "one")))
	assert.False(t, mr.Exists(Key("0xa", "one")))
	assert.True(t, mr.Exists(Key("0xa", "two")))

	require.NoError(t, backend.Delete(ctx, callerPrefix("0xa")))
	assert.False(t, mr.Exists(Key("0xa", "two")))
	assert.True(t, mr.Exists(Key("0xb", "one")))

	// Nothing left to delete is not an error.
	require.NoError(t, backend.Delete(ctx, callerPrefix("0xc")))
}

func TestDialRedis(t *testing.T) {
	tests := []struct {
		name        string
		redisURL    string
		errContains string
	}{
		{name: "invalid URL format", redisURL: "invalid-url", errContains: "failed to parse"},
		{name: "invalid protocol", redisURL: "http://localhost:6379", errContains: "failed to parse"},
		{name: "unreachable server", redisURL: "redis://127.0.0.1:1", errContains: "failed to connect"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DialRedis(context.Background(), tt.redisURL)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}

	t.Run("reachable server", func(t *testing.T) {
		mr := miniredis.RunT(t)
		backend, err := DialRedis(context.Background(), "redis://"+mr.Addr())
		require.NoError(t, err)
		defer backend.Close()
		assert.NoError(t, backend.Ping(context.Background()))
	})
}
