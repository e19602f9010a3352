// Package store holds the cache/fallback layer: a passive keyed store over
// a pluggable key-value backend, written by successful fetches and read
// when every live strategy has failed.
package store

import (
	"sort"
	"sync"
)

// KV is the persistence contract the cache rides on. Implementations are
// provided by the embedding application (file, embedded DB, remote store);
// MemoryKV is the bundled default. Scan visits keys with the given prefix
// until fn returns false; visit order is unspecified. All methods must be
// safe for concurrent use.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Scan(prefix string, fn func(key string, value []byte) bool) error
}

// MemoryKV is an in-process KV backend.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryKV creates an empty in-memory backend.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string][]byte)}
}

func (m *MemoryKV) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (m *MemoryKV) Put(key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	m.mu.Lock()
	m.entries[key] = stored
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Scan visits entries in sorted key order so behaviour is reproducible.
func (m *MemoryKV) Scan(prefix string, fn func(key string, value []byte) bool) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		if hasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		value, ok, err := m.Get(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !fn(key, value) {
			return nil
		}
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
