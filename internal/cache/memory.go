package cache

import (
	"context"
	"sync"
	"time"

	"github.com/miradorstack/mirador-immune/internal/utils"
)

// MemoryProvider is an in-process Provider with TTL expiry. Leases taken
// through it only coordinate callers inside one process.
type MemoryProvider struct {
	clock utils.Clock

	mu   sync.Mutex
	data map[string]memoryItem
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider returns an empty provider. A nil clock uses wall time.
func NewMemoryProvider(clock utils.Clock) *MemoryProvider {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &MemoryProvider{clock: clock, data: make(map[string]memoryItem)}
}

func (m *MemoryProvider) live(key string) (memoryItem, bool) {
	it, ok := m.data[key]
	if !ok {
		return memoryItem{}, false
	}
	if !it.expiresAt.IsZero() && !m.clock.Now().Before(it.expiresAt) {
		delete(m.data, key)
		return memoryItem{}, false
	}
	return it, true
}

func (m *MemoryProvider) item(value []byte, ttl time.Duration) memoryItem {
	it := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = m.clock.Now().Add(ttl)
	}
	return it
}

// Get implements Provider.
func (m *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), it.value...), nil
}

// Set implements Provider.
func (m *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.data[key] = m.item(value, ttl)
	m.mu.Unlock()
	return nil
}

// SetNX implements Provider.
func (m *MemoryProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.data[key] = m.item(value, ttl)
	return true, nil
}

// Del implements Provider.
func (m *MemoryProvider) Del(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Close implements Provider.
func (m *MemoryProvider) Close() error { return nil }
