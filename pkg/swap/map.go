package swap

import (
	"maps"
	"sync"
	"sync/atomic"
)

// Map is a copy-on-write map. Readers load the current snapshot through an
// atomic pointer and never block; writers copy the snapshot, modify the copy and
// publish it with a single pointer store. Writers serialize among themselves.
//
// Suited to directories that are read on every call and written on rare
// registration events.
type Map[K comparable, V any] struct {
	current atomic.Pointer[map[K]V]
	version atomic.Uint64
	writeMu sync.Mutex
}

func NewMap[K comparable, V any]() *Map[K, V] {
	m := &Map[K, V]{}
	empty := make(map[K]V)
	m.current.Store(&empty)
	return m
}

// Load returns the value stored for key in the current snapshot.
func (m *Map[K, V]) Load(key K) (V, bool) {
	v, ok := (*m.current.Load())[key]
	return v, ok
}

// Snapshot returns the current immutable snapshot. Callers must not modify it.
func (m *Map[K, V]) Snapshot() map[K]V {
	return *m.current.Load()
}

func (m *Map[K, V]) Len() int {
	return len(*m.current.Load())
}

// Version increments on every published write.
func (m *Map[K, V]) Version() uint64 {
	return m.version.Load()
}

// Store publishes a snapshot with key set to value and returns the previous value.
func (m *Map[K, V]) Store(key K, value V) (V, bool) {
	var (
		prev V
		had  bool
	)
	m.Update(func(next map[K]V) {
		prev, had = next[key]
		next[key] = value
	})
	return prev, had
}

// LoadOrStore returns the existing value for key, or publishes create() and returns it.
func (m *Map[K, V]) LoadOrStore(key K, create func() V) (V, bool) {
	if v, ok := m.Load(key); ok {
		return v, true
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := *m.current.Load()
	if v, ok := cur[key]; ok {
		return v, true
	}
	next := maps.Clone(cur)
	v := create()
	next[key] = v
	m.publishLocked(next)
	return v, false
}

// Delete publishes a snapshot without key.
func (m *Map[K, V]) Delete(key K) (V, bool) {
	var (
		prev V
		had  bool
	)
	m.Update(func(next map[K]V) {
		prev, had = next[key]
		delete(next, key)
	})
	return prev, had
}

// CompareAndDelete removes key only while match reports true for its value.
func (m *Map[K, V]) CompareAndDelete(key K, match func(V) bool) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := *m.current.Load()
	v, ok := cur[key]
	if !ok || !match(v) {
		return false
	}
	next := maps.Clone(cur)
	delete(next, key)
	m.publishLocked(next)
	return true
}

// Update applies fn to a private copy of the snapshot and publishes the result
// atomically. Several keys can change in one publication.
func (m *Map[K, V]) Update(fn func(next map[K]V)) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	next := maps.Clone(*m.current.Load())
	if next == nil {
		next = make(map[K]V)
	}
	fn(next)
	m.publishLocked(next)
}

func (m *Map[K, V]) publishLocked(next map[K]V) {
	m.current.Store(&next)
	m.version.Add(1)
}
