package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultSweepInterval is how often expired memory entries are purged.
const DefaultSweepInterval = time.Minute

// MemoryBackend is a per-process fixed-window counter.
//
// Traffic that straddles a window boundary can be admitted up to twice the
// nominal limit. Use the Redis backend when an exact trailing window is
// required.
type MemoryBackend struct {
	entries sync.Map // key -> *windowEntry
	stopCh  chan struct{}
	done    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type windowEntry struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	window      time.Duration

	// dead is set once the entry has been removed from the map; a Check
	// that loses the race must reload.
	dead bool
}

func (e *windowEntry) expired(now time.Time) bool {
	return !now.Before(e.windowStart.Add(e.window))
}

// NewMemoryBackend creates a memory backend and starts its sweeper.
// A non-positive interval disables the sweeper.
func NewMemoryBackend(sweepInterval time.Duration) *MemoryBackend {
	m := &MemoryBackend{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	if sweepInterval > 0 {
		go m.sweepLoop(sweepInterval)
	} else {
		close(m.done)
	}
	return m
}

// Name implements Backend.
func (m *MemoryBackend) Name() string { return "memory" }

// Check implements Backend.
func (m *MemoryBackend) Check(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error) {
	var e *windowEntry
	for {
		v, _ := m.entries.LoadOrStore(key, &windowEntry{windowStart: now, window: window})
		e = v.(*windowEntry)
		e.mu.Lock()
		if !e.dead {
			break
		}
		e.mu.Unlock()
	}
	defer e.mu.Unlock()

	if e.count == 0 || e.expired(now) {
		e.count = 1
		e.windowStart = now
		e.window = window
		return Result{Allowed: true, Remaining: limit - 1, Limit: limit, Backend: m.Name()}, nil
	}

	if e.count < limit {
		e.count++
		return Result{Allowed: true, Remaining: limit - e.count, Limit: limit, Backend: m.Name()}, nil
	}

	return Result{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: e.windowStart.Add(e.window).Sub(now),
		Limit:      limit,
		Backend:    m.Name(),
	}, nil
}

// Count implements Backend.
func (m *MemoryBackend) Count(_ context.Context, key string, _ time.Duration, now time.Time) (int, error) {
	v, ok := m.entries.Load(key)
	if !ok {
		return 0, nil
	}
	e := v.(*windowEntry)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expired(now) {
		return 0, nil
	}
	return e.count, nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, prefix string, keys ...string) error {
	if len(keys) > 0 {
		for _, k := range keys {
			if v, ok := m.entries.Load(k); ok {
				m.remove(k, v.(*windowEntry))
			}
		}
		return nil
	}

	m.entries.Range(func(k, v any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			m.remove(k, v.(*windowEntry))
		}
		return true
	})
	return nil
}

func (m *MemoryBackend) remove(key any, e *windowEntry) {
	e.mu.Lock()
	if m.entries.CompareAndDelete(key, e) {
		e.dead = true
	}
	e.mu.Unlock()
}

// Ping implements Backend.
func (m *MemoryBackend) Ping(context.Context) error { return nil }

// Close stops the sweeper.
func (m *MemoryBackend) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	<-m.done
	return nil
}

// Len returns the number of tracked keys.
func (m *MemoryBackend) Len() int {
	n := 0
	m.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (m *MemoryBackend) sweepLoop(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(m.now())
		case <-m.stopCh:
			return
		}
	}
}

// sweep removes entries whose window has fully elapsed.
func (m *MemoryBackend) sweep(now time.Time) {
	m.entries.Range(func(k, v any) bool {
		e := v.(*windowEntry)
		e.mu.Lock()
		if e.expired(now) && m.entries.CompareAndDelete(k, e) {
			e.dead = true
		}
		e.mu.Unlock()
		return true
	})
}
