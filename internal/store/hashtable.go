package store

import (
	"sync"

	"github.com/cacheforge/cacheforge/internal/value"
)

// Table is the primary key/value index, grounded on the original C++
// `hashtable.h`/`hashtable.cpp`. The original guarded its bucket array with
// one mutex for writers and a second mutex for a cached size counter,
// acquired in inconsistent order from different call paths — spec.md §9
// calls this out as the hashtable's deadlock risk. Table uses exactly one
// sync.RWMutex for the map and its size together, so there is only one lock
// and therefore only one acquisition order.
//
// Go's builtin map already rehashes, probes and frees tombstoned buckets
// correctly; Table is a thin, concurrency-safe wrapper around map[string]
// value.Value rather than a reimplementation of the original's open-
// addressing scheme. The open-addressing variant the original also shipped
// (with its own, separately documented tombstone bug) is kept as ProbeTable
// for callers who want that shape, per spec.md §5's "MAY be offered" note.
type Table struct {
	mu   sync.RWMutex
	data map[string]value.Value
}

// NewTable builds an empty Table.
func NewTable() *Table {
	return &Table{data: make(map[string]value.Value)}
}

// Set inserts or overwrites key, returning whether the key was new.
func (t *Table) Set(key string, v value.Value) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.data[key]
	t.data[key] = v
	return !existed
}

// Get returns the value stored at key, if any.
func (t *Table) Get(key string) (value.Value, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.data[key]
	return v, ok
}

// Contains reports whether key is present.
func (t *Table) Contains(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.data[key]
	return ok
}

// Remove deletes key, returning whether it had been present.
func (t *Table) Remove(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.data[key]
	delete(t.data, key)
	return existed
}

// Len returns the number of stored keys. Because it shares Table's single
// lock with Set/Remove, a caller holding no lock of its own still observes a
// count consistent with some total order of completed mutations — the
// acquire/release pairing spec.md §9 requires falls out of using one lock
// rather than a lock plus a separately-synchronized counter.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data)
}

// Clear removes every key.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = make(map[string]value.Value)
}

// Keys returns every key whose bytes match pattern (a '*'/'?' glob, see
// glob.go). An empty pattern matches every key, same as "*".
func (t *Table) Keys(pattern string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pat := []byte(pattern)
	if len(pat) == 0 {
		pat = []byte("*")
	}

	out := make([]string, 0, len(t.data))
	for k := range t.data {
		if matchGlob(pat, []byte(k)) {
			out = append(out, k)
		}
	}
	return out
}

// ForEach calls fn for every stored key/value pair under the read lock. fn
// must not call back into the Table.
func (t *Table) ForEach(fn func(key string, v value.Value)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for k, v := range t.data {
		fn(k, v)
	}
}
