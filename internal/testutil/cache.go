package testutil

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a TTL-aware in-memory cache for tests. It implements the
// same contract as the Redis backend: expired entries report a miss.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	// Now can be overridden to control expiry in tests. Defaults to time.Now.
	Now func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		Now:     time.Now,
	}
}

// Get implements cache.Cache.
func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.After(m.Now()) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set implements cache.Cache.
func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expiresAt: m.Now().Add(ttl)}
}

// Invalidate implements cache.Cache.
func (m *MemoryCache) Invalidate(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len returns the number of live entries, for assertions.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// TTLOf returns the remaining TTL for key, for assertions on capping logic.
func (m *MemoryCache) TTLOf(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return 0, false
	}
	return e.expiresAt.Sub(m.Now()), true
}
