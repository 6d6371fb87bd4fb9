// Package namecache keeps resolved company names per ticker.
//
// Resolved names never expire. Fallback entries (the ticker standing in for a
// name the provider could not resolve) expire after a TTL so a later lookup
// gets another chance.
package namecache

import (
	"context"
	"sync"
	"time"
)

// Store is the backing map for resolved names
type Store interface {
	Get(ctx context.Context, symbol string) (string, bool, error)
	SetName(ctx context.Context, symbol, name string) error
	SetFallback(ctx context.Context, symbol string, ttl time.Duration) error
	Clear(ctx context.Context) error
}

type entry struct {
	name      string
	expiresAt time.Time // zero means permanent
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]entry),
		now:   time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, symbol string) (string, bool, error) {
	m.mu.RLock()
	e, ok := m.items[symbol]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.mu.Lock()
		if cur, ok := m.items[symbol]; ok && cur == e {
			delete(m.items, symbol)
		}
		m.mu.Unlock()
		return "", false, nil
	}
	return e.name, true, nil
}

func (m *MemoryStore) SetName(_ context.Context, symbol, name string) error {
	m.mu.Lock()
	m.items[symbol] = entry{name: name}
	m.mu.Unlock()
	return nil
}

// SetFallback caches the symbol as its own name. A non-positive ttl makes it permanent.
func (m *MemoryStore) SetFallback(_ context.Context, symbol string, ttl time.Duration) error {
	e := entry{name: symbol}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items[symbol] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	m.items = make(map[string]entry)
	m.mu.Unlock()
	return nil
}

// Len returns the number of cached entries, expired or not
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
