package pslse

import (
	"sync"
)

// Mutexmap is simply a generic map protected by a sync.RWMutex.
// This provides fine-grained locking for goroutine safety.
type Mutexmap[K comparable, V any] struct {
	mut sync.RWMutex
	m   map[K]V
}

// NewMutexmap creates a new mutex-protected map.
func NewMutexmap[K comparable, V any]() *Mutexmap[K, V] {
	return &Mutexmap[K, V]{
		m: make(map[K]V),
	}
}

// Get returns the value val for key.
func (m *Mutexmap[K, V]) Get(key K) (val V, ok bool) {
	m.mut.RLock()
	val, ok = m.m[key]
	m.mut.RUnlock()
	return
}

// Set a single key to value val.
func (m *Mutexmap[K, V]) Set(key K, val V) {
	m.mut.Lock()
	m.m[key] = val
	m.mut.Unlock()
}

// Del deletes key from the map. Returns new size.
func (m *Mutexmap[K, V]) Del(key K) (newSz int) {
	m.mut.Lock()
	delete(m.m, key)
	newSz = len(m.m)
	m.mut.Unlock()
	return
}

// Len returns the number of keys in the map.
func (m *Mutexmap[K, V]) Len() (n int) {
	m.mut.RLock()
	n = len(m.m)
	m.mut.RUnlock()
	return
}

// GetKeySlice returns all the keys in the map in slc.
func (m *Mutexmap[K, V]) GetKeySlice() (slc []K) {
	m.mut.RLock()
	for k := range m.m {
		slc = append(slc, k)
	}
	m.mut.RUnlock()
	return
}
