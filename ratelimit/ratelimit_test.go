package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingBackend errors on every check until healthy is set.
type failingBackend struct {
	healthy atomic.Bool
	checks  atomic.Int32
	pings   atomic.Int32
}

func (f *failingBackend) Name() string { return "flaky" }

func (f *failingBackend) Check(_ context.Context, _ string, limit int, _ time.Duration, _ time.Time) (Result, error) {
	f.checks.Add(1)
	if !f.healthy.Load() {
		return Result{}, errors.New("connection reset by peer")
	}
	return Result{Allowed: true, Remaining: limit - 1, Limit: limit, Backend: f.Name()}, nil
}

func (f *failingBackend) Count(context.Context, string, time.Duration, time.Time) (int, error) {
	return 0, errors.New("unavailable")
}

func (f *failingBackend) Delete(context.Context, string, ...string) error { return nil }

func (f *failingBackend) Ping(context.Context) error {
	f.pings.Add(1)
	if !f.healthy.Load() {
		return errors.New("unavailable")
	}
	return nil
}

func (f *failingBackend) Close() error { return nil }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLimiter_FiveThenReject(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(WithBackend(NewMemoryBackend(0)), WithClock(clock.Now))
	defer l.Close()

	ctx := context.Background()
	window := 60 * time.Second

	for i := 0; i < 5; i++ {
		res := l.Check(ctx, "0xpayer", "get_price", 5, window)
		assert.True(t, res.Allowed, "call %d", i+1)
		clock.Advance(time.Second)
	}

	res := l.Check(ctx, "0xpayer", "get_price", 5, window)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.Equal(t, 5, res.Limit)

	clock.Advance(window)
	res = l.Check(ctx, "0xpayer", "get_price", 5, window)
	assert.True(t, res.Allowed)
}

func TestLimiter_NonPositiveLimitIsUnlimited(t *testing.T) {
	l := New()
	defer l.Close()

	for i := 0; i < 100; i++ {
		res := l.Check(context.Background(), "0xpayer", "tool", 0, time.Minute)
		require.True(t, res.Allowed)
	}
}

func TestLimiter_FailsOpenAndDegradesToMemory(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	clock := &fakeClock{t: time.Now()}
	flaky := &failingBackend{}
	memory := NewMemoryBackend(0)

	l := New(
		WithBackend(flaky),
		WithBackend(memory),
		WithClock(clock.Now),
		WithCooldown(30*time.Second),
		WithLogger(logger),
	)
	defer l.Close()

	ctx := context.Background()

	// First check hits the failing backend and fails open.
	res := l.Check(ctx, "0xpayer", "tool", 1, time.Minute)
	assert.True(t, res.Allowed)
	assert.True(t, res.Degraded)
	assert.Equal(t, "flaky", res.Backend)
	assert.Contains(t, logs.String(), "allowing request")

	// While in cooldown the memory backend serves and enforces the limit.
	res = l.Check(ctx, "0xpayer", "tool", 1, time.Minute)
	assert.True(t, res.Allowed)
	assert.Equal(t, "memory", res.Backend)

	res = l.Check(ctx, "0xpayer", "tool", 1, time.Minute)
	assert.False(t, res.Allowed)
	assert.Equal(t, "memory", res.Backend)
	assert.Equal(t, int32(1), flaky.checks.Load())

	// After the cooldown a failed ping keeps the memory backend in charge.
	clock.Advance(31 * time.Second)
	assert.Equal(t, "memory", l.Backend(ctx))
	assert.Equal(t, int32(1), flaky.pings.Load())

	// Once the ping succeeds the primary backend is used again.
	flaky.healthy.Store(true)
	clock.Advance(31 * time.Second)
	res = l.Check(ctx, "0xpayer", "tool", 1, time.Minute)
	assert.True(t, res.Allowed)
	assert.Equal(t, "flaky", res.Backend)
}

func TestLimiter_RedisOutageFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})

	l := New(
		WithBackend(NewRedisBackend(client)),
		WithBackend(NewMemoryBackend(0)),
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
	)
	defer l.Close()

	ctx := context.Background()

	res := l.Check(ctx, "0xpayer", "tool", 1, time.Minute)
	require.True(t, res.Allowed)
	require.Equal(t, "redis", res.Backend)

	res = l.Check(ctx, "0xpayer", "tool", 1, time.Minute)
	require.False(t, res.Allowed)

	mr.Close()

	res = l.Check(ctx, "0xpayer", "tool", 1, time.Minute)
	assert.True(t, res.Allowed, "redis failure must fail open")
	assert.True(t, res.Degraded)
}

func TestLimiter_GetUsageAndReset(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	l := New(WithBackend(NewRedisBackend(client)), WithBackend(NewMemoryBackend(0)))
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		l.Check(ctx, "0xpayer", "one", 10, time.Minute)
	}
	l.Check(ctx, "0xpayer", "two", 10, time.Minute)

	usage, err := l.GetUsage(ctx, "0xpayer", "one", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, usage.Count)
	assert.Equal(t, "redis", usage.Backend)

	require.NoError(t, l.Reset(ctx, "0xpayer", "one"))
	usage, err = l.GetUsage(ctx, "0xpayer", "one", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Count)

	usage, err = l.GetUsage(ctx, "0xpayer", "two", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Count)

	require.NoError(t, l.Reset(ctx, "0xpayer", ""))
	usage, err = l.GetUsage(ctx, "0xpayer", "two", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Count)
}
