package store

import (
	"sync"
	"time"
)

// maxTTLSeconds clamps SetTTL's input so deadline := now.Add(ttl) cannot
// overflow time.Time's internal representation. The original C++
// `expiry_tracker` computed now_ms + ttl_ms as signed 64-bit milliseconds
// with no bound, so a caller-supplied ttl near INT64_MAX wrapped the sum
// negative and expired the key immediately instead of far in the future
// (spec.md §9). Ten years is far beyond any realistic cache TTL and leaves
// enormous headroom before time.Time arithmetic could overflow.
const maxTTLSeconds = 10 * 365 * 24 * 3600

// Expiry tracks a deadline per key and runs a background sweeper that
// deletes keys past their deadline, grounded on the teacher's
// janitor.go ticker-plus-stopChan shape and the original C++
// `expiry_tracker.cpp`.
//
// The original's sweeper waited on a condition variable and its
// set_expiry/remove_expiry called notify_one() AFTER releasing the state
// mutex. That gap is a classic lost wakeup: the sweeper can observe an
// empty/unexpired state, decide to sleep, and only then have the notify
// arrive — after the waiter already committed to sleeping past it, the
// signal is gone and the wake is missed until the next periodic tick.
// Expiry closes the gap by sending on a buffered (capacity 1) channel while
// still holding the state lock; a non-blocking channel send cannot be lost
// the way a condition-variable notify can, because the value is retained in
// the channel's buffer until the sweeper's select actually receives it,
// regardless of what the sweeper happens to be doing at the moment of the
// send.
type Expiry struct {
	mu        sync.Mutex
	deadlines map[string]time.Time

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	onExpire func(key string)
	now      func() time.Time
}

// NewExpiry builds an Expiry whose background sweeper runs every interval
// and invokes onExpire for each key it removes. onExpire is called with no
// lock held.
func NewExpiry(interval time.Duration, onExpire func(key string)) *Expiry {
	e := &Expiry{
		deadlines: make(map[string]time.Time),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		onExpire:  onExpire,
		now:       time.Now,
	}
	go e.sweep(interval)
	return e
}

// SetTTL records that key expires ttl from now, clamped to maxTTLSeconds.
// A ttl <= 0 removes any tracked deadline (the key becomes non-expiring).
func (e *Expiry) SetTTL(key string, ttl time.Duration) {
	if ttl > maxTTLSeconds*time.Second {
		ttl = maxTTLSeconds * time.Second
	}

	e.mu.Lock()
	if ttl <= 0 {
		delete(e.deadlines, key)
	} else {
		e.deadlines[key] = e.now().Add(ttl)
	}
	e.notifyLocked()
	e.mu.Unlock()
}

// Remove stops tracking key's deadline, if any.
func (e *Expiry) Remove(key string) {
	e.mu.Lock()
	delete(e.deadlines, key)
	e.mu.Unlock()
}

// notifyLocked wakes the sweeper. Must be called with e.mu held.
func (e *Expiry) notifyLocked() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// TTL reports the remaining seconds until key expires. ok is false if key
// has no tracked deadline (either because it was never given a TTL, or
// because it already expired and was swept) — the caller combines this
// with a Table.Contains check to distinguish spec.md's TTL response codes
// -2 (absent entirely) from -1 (present, no TTL).
func (e *Expiry) TTL(key string) (seconds int64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	deadline, tracked := e.deadlines[key]
	if !tracked {
		return 0, false
	}
	remaining := deadline.Sub(e.now())
	if remaining < 0 {
		remaining = 0
	}
	return int64(remaining / time.Second), true
}

// IsExpired reports whether key has a tracked deadline that has passed.
func (e *Expiry) IsExpired(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	deadline, tracked := e.deadlines[key]
	if !tracked {
		return false
	}
	return !e.now().Before(deadline)
}

// sweep is the background loop. It wakes on its own ticker (active
// expiration, bounding staleness even for keys nobody reads) and on the
// wake channel, which SetTTL signals and which triggers one extra pass at
// once. A key whose deadline is still in the future at that pass is swept
// on a later tick.
func (e *Expiry) sweep(interval time.Duration) {
	defer close(e.done)

	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-e.wake:
		case <-e.stop:
			return
		}
		for _, key := range e.collectExpired() {
			e.onExpire(key)
		}
	}
}

func (e *Expiry) collectExpired() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var expired []string
	for key, deadline := range e.deadlines {
		if !now.Before(deadline) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(e.deadlines, key)
	}
	return expired
}

// Stop terminates the background sweeper and waits for it to exit. Stop
// must be called exactly once.
func (e *Expiry) Stop() {
	close(e.stop)
	<-e.done
}
