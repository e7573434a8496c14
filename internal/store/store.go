// Package store provides the atomic key-value store shared by the rate
// limiter, circuit breaker, and budget counters. The single compare-and-swap
// primitive is enough to build every read-modify-write sequence those
// components need, and any backend honoring the contract (in-process map or
// a networked store) is interchangeable.
package store

import (
	"context"
	"sync"
	"time"
)

// AtomicStore is the cross-process coordination contract. Get returns nil
// with no error when the key is absent. CompareAndSwap writes next only if
// the current value equals expected; expected nil means "only if absent".
type AtomicStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a mutex-guarded single-node implementation, used in tests
// and single-process deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]entry)}
}

func (m *MemoryStore) get(key string) ([]byte, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(key)
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.get(key)
	if expected == nil {
		if exists {
			return false, nil
		}
	} else {
		if !exists || string(current) != string(expected) {
			return false, nil
		}
	}

	e := entry{value: append([]byte(nil), next...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
