// Package decaymap is a generic map whose entries expire after a deadline.
// Expired entries are invalidated lazily on read and reaped in bulk by
// Cleanup, which callers are expected to run on a timer.
package decaymap

import (
	"sync"
	"time"
)

// Zilch returns the zero value for a type.
func Zilch[T any]() T {
	var zero T
	return zero
}

type entry[V any] struct {
	value  V
	expiry time.Time
}

// Impl is a thread-safe map from K to V where every entry has an expiry
// time. All methods are safe for concurrent use.
type Impl[K comparable, V any] struct {
	data map[K]entry[V]
	lock sync.RWMutex
	now  func() time.Time
}

func New[K comparable, V any]() *Impl[K, V] {
	return &Impl[K, V]{
		data: map[K]entry[V]{},
		now:  time.Now,
	}
}

// WithClock overrides the time source, letting tests age entries without
// sleeping.
func (m *Impl[K, V]) WithClock(now func() time.Time) *Impl[K, V] {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.now = now
	return m
}

// Get fetches a value by key if it exists and has not expired. Expired
// entries are deleted on the spot.
func (m *Impl[K, V]) Get(key K) (V, bool) {
	m.lock.RLock()
	val, ok := m.data[key]
	now := m.now()
	m.lock.RUnlock()

	if !ok {
		return Zilch[V](), false
	}

	if now.After(val.expiry) {
		m.lock.Lock()
		// Another writer may have replaced the entry while we were waiting.
		if stored, ok := m.data[key]; ok && now.After(stored.expiry) {
			delete(m.data, key)
		}
		m.lock.Unlock()
		return Zilch[V](), false
	}

	return val.value, true
}

// Set stores a value that expires after ttl.
func (m *Impl[K, V]) Set(key K, value V, ttl time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.data[key] = entry[V]{
		value:  value,
		expiry: m.now().Add(ttl),
	}
}

// Delete removes a key and reports whether it was present.
func (m *Impl[K, V]) Delete(key K) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	_, ok := m.data[key]
	delete(m.data, key)
	return ok
}

// Cleanup removes every expired entry, bounding memory when keys go idle.
func (m *Impl[K, V]) Cleanup() {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	for key, val := range m.data {
		if now.After(val.expiry) {
			delete(m.data, key)
		}
	}
}

// Len returns the number of live and not-yet-reaped entries.
func (m *Impl[K, V]) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.data)
}
