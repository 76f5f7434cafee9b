package sequence

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCounterUnavailable is returned when no counter service is configured.
var ErrCounterUnavailable = errors.New("counter service unavailable")

// Counter is an atomic keyed counter with sliding expiry. Every IncrBy
// refreshes the key's TTL so idle conversations are reclaimed.
type Counter interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Seed sets key to value unless the key already exists.
	Seed(ctx context.Context, key string, value int64, ttl time.Duration) error
	// IncrBy adds n to key and returns the new value.
	IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error)
}

// MemoryCounter is an in-process Counter for single-node deployments.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   int64
	expires time.Time
}

// NewMemoryCounter creates an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// live returns the entry for key if it has not expired. Caller must hold mu.
func (m *MemoryCounter) live(key string) (*memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *MemoryCounter) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key)
	return ok, nil
}

func (m *MemoryCounter) Seed(_ context.Context, key string, value int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return nil
	}
	m.entries[key] = &memoryEntry{value: value, expires: m.expiry(ttl)}
	return nil
}

func (m *MemoryCounter) IncrBy(_ context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		e = &memoryEntry{}
		m.entries[key] = e
	}
	e.value += n
	e.expires = m.expiry(ttl)
	return e.value, nil
}

// Prune drops expired keys and returns how many were removed.
func (m *MemoryCounter) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key := range m.entries {
		if _, ok := m.live(key); !ok {
			removed++
		}
	}
	return removed
}

func (m *MemoryCounter) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}
