// Package memory provides the run-scoped key-value collaborator exposed to
// sandbox expressions via the memory.* helpers.
package memory

import "sync"

// DefaultNamespace is used when an expression helper is called without an
// explicit namespace.
const DefaultNamespace = "default"

// Store is the narrow interface the engine consumes. Implementations must
// be safe for concurrent use; parallel steps within a level may read and
// write the same namespace.
type Store interface {
	Get(ns, key string) (any, bool)
	Set(ns, key string, value any)
	Increment(ns, key string, delta int64) int64
	Has(ns, key string) bool
	List(ns string) []string
	GetAll(ns string) map[string]any
}

// MemStore is the in-process Store implementation. State lives for the
// lifetime of the store, typically one engine instance.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]map[string]any
}

// NewMemStore creates an empty store, optionally seeded from a config
// document's memory section (seed keys land in the default namespace).
func NewMemStore(seed map[string]any) *MemStore {
	m := &MemStore{data: make(map[string]map[string]any)}
	for k, v := range seed {
		m.Set(DefaultNamespace, k, v)
	}
	return m
}

func (m *MemStore) Get(ns, key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[ns][key]
	return v, ok
}

func (m *MemStore) Set(ns, key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.data[ns]
	if !ok {
		bucket = make(map[string]any)
		m.data[ns] = bucket
	}
	bucket[key] = value
}

// Increment adds delta to a numeric key (missing or non-numeric values
// count as zero) and returns the new value.
func (m *MemStore) Increment(ns, key string, delta int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.data[ns]
	if !ok {
		bucket = make(map[string]any)
		m.data[ns] = bucket
	}
	var cur int64
	switch t := bucket[key].(type) {
	case int64:
		cur = t
	case int:
		cur = int64(t)
	case float64:
		cur = int64(t)
	}
	cur += delta
	bucket[key] = cur
	return cur
}

func (m *MemStore) Has(ns, key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[ns][key]
	return ok
}

func (m *MemStore) List(ns string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data[ns]))
	for k := range m.data[ns] {
		keys = append(keys, k)
	}
	return keys
}

func (m *MemStore) GetAll(ns string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.data[ns]))
	for k, v := range m.data[ns] {
		out[k] = v
	}
	return out
}
