package lock

import (
	"context"
	"sync"
	"time"
)

// sweepThreshold triggers a full purge of expired entries once the map
// grows past it.
const sweepThreshold = 1024

// MemoryStore is an in-process lock store for single-node deployments and
// tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryStore creates an empty in-process lock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time)}
}

// Acquire implements Store. It never returns an error.
func (m *MemoryStore) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, held := m.entries[key]; held && now.Before(exp) {
		return false, nil
	}

	if len(m.entries) > sweepThreshold {
		for k, exp := range m.entries {
			if now.After(exp) {
				delete(m.entries, k)
			}
		}
	}

	m.entries[key] = now.Add(ttl)
	return true, nil
}
