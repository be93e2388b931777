// Package index owns all vector-store operations: index lifecycle with the
// fixed field schemas, k-NN search, bulk writes, and the record-ID high
// watermark used by ingestion. It also hosts the label registry mapping
// human index labels to store keys.
package index

import (
	"sort"
	"sync"
)

// Registry maps store index keys to the human labels shown by front ends.
// It is a convenience cache, never authoritative over what exists in the
// store. All mutation goes through Register/SetAll.
type Registry struct {
	mu      sync.RWMutex
	labels  map[string]string // key -> label
	reverse map[string]string // label -> key
}

// NewRegistry builds a registry from a key->label seed map.
func NewRegistry(seed map[string]string) *Registry {
	r := &Registry{
		labels:  make(map[string]string, len(seed)),
		reverse: make(map[string]string, len(seed)),
	}
	for k, l := range seed {
		r.labels[k] = l
		r.reverse[l] = k
	}
	return r
}

// DefaultMapping seeds the registry with the platform's document stages.
func DefaultMapping() map[string]string {
	return map[string]string{
		"general":      "Общее",
		"investment":   "Инвестиционная стадия",
		"pre_design":   "Предпроектная стадия",
		"design":       "Проектная стадия",
		"construction": "Строительная стадия",
		"operation":    "Эксплуатационная стадия",
		"decommission": "Ликвидационная стадия",
		"project":      "Информация проекта",
		"pzz":          "ПЗЗ",
	}
}

// Register records key<->label. Re-registering an existing key replaces its
// label, which makes the call the idempotence boundary for index creation.
func (r *Registry) Register(key, label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.labels[key]; ok {
		delete(r.reverse, old)
	}
	r.labels[key] = label
	r.reverse[label] = key
}

// SetAll merges a key->label map into the registry.
func (r *Registry) SetAll(m map[string]string) {
	for k, l := range m {
		r.Register(k, l)
	}
}

// Label returns the human label for a store key.
func (r *Registry) Label(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.labels[key]
	return l, ok
}

// Key returns the store key for a human label.
func (r *Registry) Key(label string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.reverse[label]
	return k, ok
}

// Keys returns every registered store key, sorted for deterministic walks.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.labels))
	for k := range r.labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
