package replay

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "x402:nonce:"

// minClaimTTL keeps a claim alive briefly even for an authorization that
// is about to expire.
const minClaimTTL = time.Second

// RedisStore shares claims across gateway instances with SET NX. When
// Redis fails it falls back to a per-process MemoryStore.
type RedisStore struct {
	client   *redis.Client
	fallback *MemoryStore
	logger   *slog.Logger
	now      func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. A nil logger means slog.Default().
func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:   client,
		fallback: NewMemoryStore(),
		logger:   logger,
		now:      time.Now,
	}
}

// Claim implements Store.
func (r *RedisStore) Claim(ctx context.Context, key string, until time.Time) (bool, error) {
	ttl := until.Sub(r.now())
	if ttl < minClaimTTL {
		ttl = minClaimTTL
	}

	ok, err := r.client.SetNX(ctx, keyPrefix+key, 1, ttl).Result()
	if err != nil {
		r.logger.Warn("redis replay check failed, using process-local claims", "error", err)
		return r.fallback.Claim(ctx, key, until)
	}
	if !ok {
		return false, nil
	}
	// A claim made locally during an outage still counts.
	if fresh, _ := r.fallback.Claim(ctx, key, until); !fresh {
		return false, nil
	}
	return true, nil
}

// Release implements Store.
func (r *RedisStore) Release(ctx context.Context, key string) error {
	_ = r.fallback.Release(ctx, key)
	return r.client.Del(ctx, keyPrefix+key).Err()
}
