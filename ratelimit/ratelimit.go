// Package ratelimit enforces per-(caller, tool) call budgets over a trailing
// time window.
//
// A Limiter holds an ordered list of backends. The first healthy backend
// serves each check. The Redis backend gives an exact sliding window shared
// by every gateway instance; the memory backend is a per-process fixed window
// used when Redis is not configured or is temporarily unhealthy.
//
// When the serving backend returns an error the Limiter fails open: the
// error is logged, the backend is marked unhealthy for a cooldown and the
// call is allowed.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retryAfter"`
	Limit      int           `json:"limit"`

	// Backend names the backend that served the check.
	Backend string `json:"backend"`

	// Degraded is set when the check failed open.
	Degraded bool `json:"degraded,omitempty"`
}

// Usage is a read-only view of a key's current window.
type Usage struct {
	Caller  string `json:"caller"`
	Tool    string `json:"tool"`
	Count   int    `json:"count"`
	Backend string `json:"backend"`
}

// Backend is a rate-limit store.
type Backend interface {
	Name() string

	// Check counts one call against key and reports whether it is admitted.
	Check(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error)

	// Count returns the number of calls counted for key in the current window.
	Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)

	// Delete removes the given keys, or every key with prefix when keys is empty.
	Delete(ctx context.Context, prefix string, keys ...string) error

	// Ping reports whether the backend can serve requests.
	Ping(ctx context.Context) error

	Close() error
}

const keyPrefix = "ratelimit:"

// Key returns the store key for a caller and tool.
func Key(caller, tool string) string {
	return keyPrefix + caller + ":" + tool
}

func callerPrefix(caller string) string {
	return keyPrefix + caller + ":"
}

// Limiter selects the first healthy backend for every check.
type Limiter struct {
	backends []Backend
	logger   *slog.Logger
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	downUntil map[string]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithBackend appends a backend. Backends are tried in the order added.
func WithBackend(b Backend) Option {
	return func(l *Limiter) {
		l.backends = append(l.backends, b)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithCooldown sets how long a failed backend is skipped before it is tried again.
func WithCooldown(d time.Duration) Option {
	return func(l *Limiter) {
		l.cooldown = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter. Without any WithBackend option it uses a single
// memory backend.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		logger:    slog.Default(),
		cooldown:  30 * time.Second,
		now:       time.Now,
		downUntil: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	if len(l.backends) == 0 {
		l.backends = []Backend{NewMemoryBackend(DefaultSweepInterval)}
	}
	return l
}

// Check counts one call by caller to tool against limit over window.
func (l *Limiter) Check(ctx context.Context, caller, tool string, limit int, window time.Duration) Result {
	if limit <= 0 {
		return Result{Allowed: true, Remaining: 0, Limit: limit, Backend: "unlimited"}
	}

	now := l.now()
	backend := l.pick(ctx, now)
	key := Key(caller, tool)

	res, err := backend.Check(ctx, key, limit, window, now)
	if err != nil {
		l.markDown(backend, now)
		l.logger.Error("rate limit check failed, allowing request",
			"backend", backend.Name(),
			"caller", caller,
			"tool", tool,
			"error", err,
		)
		return Result{
			Allowed:   true,
			Remaining: limit,
			Limit:     limit,
			Backend:   backend.Name(),
			Degraded:  true,
		}
	}

	l.logger.Debug("rate limit checked",
		"backend", res.Backend,
		"caller", caller,
		"tool", tool,
		"allowed", res.Allowed,
		"remaining", res.Remaining,
	)
	return res
}

// GetUsage reports how many calls caller made to tool in the current window.
func (l *Limiter) GetUsage(ctx context.Context, caller, tool string, window time.Duration) (Usage, error) {
	now := l.now()
	backend := l.pick(ctx, now)

	count, err := backend.Count(ctx, Key(caller, tool), window, now)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read rate limit usage from %s: %w", backend.Name(), err)
	}

	return Usage{Caller: caller, Tool: tool, Count: count, Backend: backend.Name()}, nil
}

// Reset clears the budget of caller for tool, or for every tool when tool is empty.
// Every backend is cleared so a later failover does not resurrect old counts.
func (l *Limiter) Reset(ctx context.Context, caller, tool string) error {
	var keys []string
	if tool != "" {
		keys = []string{Key(caller, tool)}
	}

	var firstErr error
	for _, b := range l.backends {
		if err := b.Delete(ctx, callerPrefix(caller), keys...); err != nil {
			l.logger.Warn("rate limit reset failed", "backend", b.Name(), "caller", caller, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to reset rate limit on %s: %w", b.Name(), err)
			}
		}
	}
	return firstErr
}

// Backend returns the name of the backend that would serve the next check.
func (l *Limiter) Backend(ctx context.Context) string {
	return l.pick(ctx, l.now()).Name()
}

// Close releases every backend.
func (l *Limiter) Close() error {
	var firstErr error
	for _, b := range l.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// pick returns the first healthy backend. The last backend is always eligible.
func (l *Limiter) pick(ctx context.Context, now time.Time) Backend {
	last := len(l.backends) - 1
	for i, b := range l.backends {
		if i == last {
			return b
		}

		l.mu.Lock()
		until, down := l.downUntil[b.Name()]
		l.mu.Unlock()

		if !down {
			return b
		}
		if now.Before(until) {
			continue
		}

		// Cooldown elapsed, ping before trusting it again.
		if err := b.Ping(ctx); err != nil {
			l.markDown(b, now)
			l.logger.Warn("rate limit backend still unhealthy", "backend", b.Name(), "error", err)
			continue
		}

		l.mu.Lock()
		delete(l.downUntil, b.Name())
		l.mu.Unlock()
		l.logger.Info("rate limit backend recovered", "backend", b.Name())
		return b
	}
	return l.backends[last]
}

func (l *Limiter) markDown(b Backend, now time.Time) {
	// The last backend has nothing to fail over to.
	if b == l.backends[len(l.backends)-1] {
		return
	}
	l.mu.Lock()
	l.downUntil[b.Name()] = now.Add(l.cooldown)
	l.mu.Unlock()
}
