package store

import "container/list"

/*
Eviction tracks LRU order and cumulative byte cost for a Keyspace, grounded
on the teacher cache's lru list design (eviction.go, cache.go) and the
original C++ `eviction_tracker.h`.

================================================================================
EVICTION POLICY
================================================================================

Strict LRU: record_access moves a key's element to the front of the list in
place; record_insert appends a new element at the front; evict_one removes
whatever sits at the back. total_bytes() tracks the sum of ByteCost() across
every tracked key so a caller can decide when to evict without walking the
whole keyspace.

================================================================================
THE bug THIS FIXES
================================================================================

The original's touch() located the element to move by scanning the list
with std::find, erasing it, and pushing a new node to the front. Two call
paths both held iterators into the list: a list iteration in the eviction
pass, and the single touch() call reinserting during that same pass. Erasing
and reinserting invalidates any iterator a concurrent reader was holding to
that node (or to the nodes around it, for a list implemented as a flat
vector), so readers could dereference a freed node. list.MoveToFront splices
the existing node to a new position in O(1) without invalidating any other
element's pointer — there is no erase-and-reinsert step to race against.
*/
type Eviction struct {
	order      *list.List
	elements   map[string]*list.Element
	totalBytes int64
}

type evictionEntry struct {
	key  string
	cost int64
}

// NewEviction builds an empty LRU tracker.
func NewEviction() *Eviction {
	return &Eviction{
		order:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

// RecordInsert registers a newly-inserted key at the front of the LRU
// order. Callers must not call RecordInsert twice for the same key without
// an intervening RecordRemove; use RecordAccess to touch an existing key.
func (e *Eviction) RecordInsert(key string, cost int64) {
	elem := e.order.PushFront(&evictionEntry{key: key, cost: cost})
	e.elements[key] = elem
	e.totalBytes += cost
}

// RecordAccess moves key to the front of the LRU order, if tracked. The new
// cost is applied so overwriting a key with a differently-sized value keeps
// total_bytes() accurate without a separate remove+insert.
func (e *Eviction) RecordAccess(key string, newCost int64) {
	elem, ok := e.elements[key]
	if !ok {
		return
	}
	entry := elem.Value.(*evictionEntry)
	e.totalBytes += newCost - entry.cost
	entry.cost = newCost
	e.order.MoveToFront(elem)
}

// RecordRemove stops tracking key, if tracked.
func (e *Eviction) RecordRemove(key string) {
	elem, ok := e.elements[key]
	if !ok {
		return
	}
	e.removeElement(elem)
}

// EvictOne removes and returns the least-recently-used key, or ("", false)
// if nothing is tracked.
func (e *Eviction) EvictOne() (string, bool) {
	elem := e.order.Back()
	if elem == nil {
		return "", false
	}
	key := elem.Value.(*evictionEntry).key
	e.removeElement(elem)
	return key, true
}

func (e *Eviction) removeElement(elem *list.Element) {
	entry := elem.Value.(*evictionEntry)
	e.order.Remove(elem)
	delete(e.elements, entry.key)
	e.totalBytes -= entry.cost
}

// TotalBytes returns the sum of every tracked key's last-recorded cost.
func (e *Eviction) TotalBytes() int64 {
	return e.totalBytes
}

// Len returns the number of tracked keys.
func (e *Eviction) Len() int {
	return e.order.Len()
}
