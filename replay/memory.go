package replay

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval is how often expired claims are purged.
const DefaultSweepInterval = time.Minute

// MemoryStore is a per-process Store.
type MemoryStore struct {
	mu        sync.Mutex
	claims    map[string]time.Time
	lastSweep time.Time
	interval  time.Duration
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. Expired claims are purged lazily,
// at most once per DefaultSweepInterval.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:   make(map[string]time.Time),
		interval: DefaultSweepInterval,
		now:      time.Now,
	}
}

// Claim implements Store.
func (m *MemoryStore) Claim(_ context.Context, key string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.lastSweep) >= m.interval {
		for k, exp := range m.claims {
			if !now.Before(exp) {
				delete(m.claims, k)
			}
		}
		m.lastSweep = now
	}

	if exp, ok := m.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.claims[key] = until
	return true, nil
}

// Release implements Store.
func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.claims, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of tracked claims, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claims)
}
