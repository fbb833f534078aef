package store

import (
	"sync"
	"time"

	"github.com/cacheforge/cacheforge/internal/metrics"
	"github.com/cacheforge/cacheforge/internal/value"
)

// MutationKind identifies why a key changed, matching spec.md §4.7's three
// replication event kinds. Eviction is folded into MutationDel: a
// downstream replica only needs to know the key is gone, regardless of
// whether it left via DEL, eviction, or expiry.
type MutationKind int

const (
	MutationSet MutationKind = iota
	MutationDel
	MutationExpire
)

// Mutation describes one committed change to a Keyspace, emitted to an
// optional sink for replication.
type Mutation struct {
	Kind  MutationKind
	Key   string
	Value value.Value // populated only for MutationSet
}

// Sink receives a Mutation synchronously, under Keyspace's lock. A
// replication.Replicator wires itself in as a Sink whose method only
// appends to its own queue and returns immediately (spec.md §4.7 requires
// replication to never block a foreground command), so holding Keyspace's
// lock during the call is cheap.
type Sink interface {
	Record(Mutation)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Mutation)

// Record implements Sink.
func (f SinkFunc) Record(m Mutation) { f(m) }

// Keyspace is the coordinator spec.md's SPEC_FULL.md module map introduces:
// it wires Table, Eviction and Expiry under one lock so that an insert, its
// LRU bookkeeping, its TTL bookkeeping and its replication event are one
// atomic step from every other goroutine's point of view.
//
// Keyspace's own mutex is acquired before calling into Table and Expiry,
// each of which also takes its own internal lock (Eviction has no lock of
// its own and relies on Keyspace's). Those inner locks are only ever taken
// while Keyspace's is held, one at a time, and never the reverse way round,
// so this is ordinary lock nesting, not the original's two-lock,
// inconsistent-order deadlock (spec.md §9, also see hashtable.go).
type Keyspace struct {
	mu sync.RWMutex

	table    *Table
	eviction *Eviction
	expiry   *Expiry

	maxEntries int
	maxBytes   int64

	sink    Sink
	metrics *metrics.Collector
}

// Options configures a Keyspace.
type Options struct {
	MaxEntries  int
	MaxBytes    int64
	ExpirySweep time.Duration
	Sink        Sink
	// Metrics, if non-nil, receives eviction/expiration counts. Optional.
	Metrics *metrics.Collector
}

// New builds a Keyspace. A nil/zero-value Sink field disables replication
// event emission.
func New(opts Options) *Keyspace {
	k := &Keyspace{
		table:      NewTable(),
		eviction:   NewEviction(),
		maxEntries: opts.MaxEntries,
		maxBytes:   opts.MaxBytes,
		sink:       opts.Sink,
		metrics:    opts.Metrics,
	}
	k.expiry = NewExpiry(opts.ExpirySweep, k.handleExpire)
	return k
}

// handleExpire is Expiry's onExpire callback: it removes the key from the
// table and eviction tracker and emits a MutationExpire event. It runs with
// no lock held (Expiry's own contract), so it takes Keyspace's lock itself.
func (k *Keyspace) handleExpire(key string) {
	k.mu.Lock()
	removed := k.table.Remove(key)
	if removed {
		k.eviction.RecordRemove(key)
		if k.sink != nil {
			k.sink.Record(Mutation{Kind: MutationExpire, Key: key})
		}
	}
	k.mu.Unlock()

	if removed && k.metrics != nil {
		k.metrics.Expirations.Inc()
	}
}

// Set inserts or overwrites key with v and an optional ttl (<=0 means no
// expiry). After the insert is applied, it evicts least-recently-used
// entries while the keyspace exceeds MaxEntries or MaxBytes, matching spec.md §3's "eviction fires
// during SET after the new entry is applied" resolution (SPEC_FULL.md
// Resolved Open Questions).
func (k *Keyspace) Set(key string, v value.Value, ttl time.Duration) {
	cost := v.ByteCost()

	k.mu.Lock()
	isNew := k.table.Set(key, v)
	if isNew {
		k.eviction.RecordInsert(key, int64(cost))
	} else {
		k.eviction.RecordAccess(key, int64(cost))
	}
	if ttl > 0 {
		k.expiry.SetTTL(key, ttl)
	} else {
		k.expiry.Remove(key)
	}

	evicted := k.evictToFitLocked()
	if k.sink != nil {
		k.sink.Record(Mutation{Kind: MutationSet, Key: key, Value: v})
		for _, ek := range evicted {
			k.sink.Record(Mutation{Kind: MutationDel, Key: ek})
		}
	}
	k.mu.Unlock()

	if k.metrics != nil && len(evicted) > 0 {
		k.metrics.Evictions.Add(float64(len(evicted)))
	}
}

// evictToFitLocked evicts least-recently-used entries until both MaxEntries
// and MaxBytes are satisfied (a zero limit means unbounded). Caller must
// hold k.mu. Returns the keys evicted, oldest first.
func (k *Keyspace) evictToFitLocked() []string {
	var evicted []string
	for k.overLimitLocked() {
		key, ok := k.eviction.EvictOne()
		if !ok {
			break
		}
		k.table.Remove(key)
		k.expiry.Remove(key)
		evicted = append(evicted, key)
	}
	return evicted
}

func (k *Keyspace) overLimitLocked() bool {
	if k.maxEntries > 0 && k.table.Len() > k.maxEntries {
		return true
	}
	if k.maxBytes > 0 && k.eviction.TotalBytes() > k.maxBytes {
		return true
	}
	return false
}

// Get looks up key, applying lazy expiration: if the key's deadline has
// passed but the background sweeper hasn't reached it yet, Get removes it
// itself and reports a miss rather than returning stale data. On a live
// hit, it refreshes the key's LRU position.
func (k *Keyspace) Get(key string) (value.Value, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.expiry.IsExpired(key) {
		if k.removeLocked(key) {
			if k.metrics != nil {
				k.metrics.Expirations.Inc()
			}
			if k.sink != nil {
				k.sink.Record(Mutation{Kind: MutationExpire, Key: key})
			}
		}
		return value.Value{}, false
	}

	v, ok := k.table.Get(key)
	if !ok {
		return value.Value{}, false
	}
	k.eviction.RecordAccess(key, int64(v.ByteCost()))
	return v, true
}

// Del removes key, returning whether it had been present. It emits a
// MutationDel event only when a key was actually removed.
func (k *Keyspace) Del(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	removed := k.removeLocked(key)
	if removed && k.sink != nil {
		k.sink.Record(Mutation{Kind: MutationDel, Key: key})
	}
	return removed
}

func (k *Keyspace) removeLocked(key string) bool {
	removed := k.table.Remove(key)
	if removed {
		k.eviction.RecordRemove(key)
	}
	k.expiry.Remove(key)
	return removed
}

// TTL reports spec.md §4's three-way TTL code: -2 if key is absent, -1 if
// present with no expiry, or the remaining whole seconds otherwise.
func (k *Keyspace) TTL(key string) int64 {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.table.Contains(key) {
		return -2
	}
	seconds, tracked := k.expiry.TTL(key)
	if !tracked {
		return -1
	}
	return seconds
}

// Touch refreshes key's TTL without reading or rewriting its value,
// mirroring the original C++ source's ExpiryManager::set_expiry being
// callable independent of the hash table (SPEC_FULL.md's TOUCH admin
// command note). A ttl <= 0 clears any tracked deadline, same as Set.
// Touch is a no-op reporting false if key is absent; it never creates a
// key. It is an internal operation only — no protocol command exposes it.
func (k *Keyspace) Touch(key string, ttl time.Duration) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.table.Contains(key) {
		return false
	}
	if ttl > 0 {
		k.expiry.SetTTL(key, ttl)
	} else {
		k.expiry.Remove(key)
	}
	return true
}

// Keys returns every key matching pattern.
func (k *Keyspace) Keys(pattern string) []string {
	return k.table.Keys(pattern)
}

// Len returns the number of stored keys.
func (k *Keyspace) Len() int {
	return k.table.Len()
}

// TotalBytes returns the cumulative ByteCost of every stored value.
func (k *Keyspace) TotalBytes() int64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.eviction.TotalBytes()
}

// Clear removes every key without emitting per-key mutation events.
func (k *Keyspace) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.table.Clear()
	k.eviction = NewEviction()
}

// Snapshot invokes fn for every live (non-expired) key/value pair, used by
// the snapshot package to serialize the keyspace. ttlSeconds/hasTTL follow
// Expiry.TTL's own contract: hasTTL is false for a key with no tracked
// deadline, distinguishing it from a key whose remaining TTL has simply
// rounded down to zero. fn runs under Keyspace's read lock and must not
// call back into the Keyspace.
func (k *Keyspace) Snapshot(fn func(key string, v value.Value, ttlSeconds int64, hasTTL bool)) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	k.table.ForEach(func(key string, v value.Value) {
		if k.expiry.IsExpired(key) {
			return
		}
		seconds, tracked := k.expiry.TTL(key)
		fn(key, v, seconds, tracked)
	})
}

// Close stops the background expiry sweeper. Close must be called exactly
// once, when the Keyspace is no longer in use.
func (k *Keyspace) Close() {
	k.expiry.Stop()
}
