// Package replication delivers a best-effort, at-least-once stream of
// keyspace mutations to a downstream peer, grounded on the original C++
// `replicator.cpp` with its two named bugs (spec.md §4.7/§9) fixed: the
// sequence counter is unsigned (overflow wraps instead of invoking signed
// UB), and every field of an event is read before the event is moved into
// the queue, not after.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/cacheforge/cacheforge/internal/metrics"
	"github.com/cacheforge/cacheforge/internal/store"
)

// EventKind mirrors store.MutationKind in the wire-facing vocabulary
// spec.md §4.7 names.
type EventKind int

const (
	EventSet EventKind = iota
	EventDel
	EventExpire
)

// Event is one sequenced, queued mutation awaiting delivery.
type Event struct {
	Kind EventKind
	Key  string
	// Value is the encoded SET payload; empty for Del/Expire.
	Value []byte
	Seq   uint64
}

// Transport delivers one batch of events to the downstream peer, returning
// an error if the batch could not be sent (triggering a reconnect via
// backoff). Replicator does not open the network connection itself — a
// Transport implementation in cmd/cacheforged owns the actual socket, so
// this package stays testable without a real peer.
type Transport interface {
	// Connect establishes (or re-establishes) the downstream connection.
	Connect(ctx context.Context) error
	// Send delivers one compressed batch payload. It must return an error
	// on any failure so Replicator knows to reconnect.
	Send(ctx context.Context, payload []byte) error
	Close() error
}

const defaultQueueMax = 10000
const batchCap = 100

// Replicator owns the in-memory FIFO of pending Events and the background
// worker that drains and delivers them.
type Replicator struct {
	mu       sync.Mutex
	queue    []Event
	queueMax int
	nextSeq  uint64

	dropped uint64 // events dropped due to a full queue, for metrics

	transport Transport
	backoff   backoff.BackOff
	logger    *zap.Logger
	metrics   *metrics.Collector

	stop   chan struct{}
	done   chan struct{}
	notify chan struct{}
}

// Options configures a Replicator.
type Options struct {
	QueueMax  int
	Transport Transport
	Logger    *zap.Logger
	// Metrics, if non-nil, receives queue depth/sequence/drop counts.
	Metrics *metrics.Collector
}

// New builds a Replicator and starts its background delivery worker.
func New(opts Options) *Replicator {
	queueMax := opts.QueueMax
	if queueMax <= 0 {
		queueMax = defaultQueueMax
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Replicator{
		queueMax:  queueMax,
		transport: opts.Transport,
		logger:    logger,
		metrics:   opts.Metrics,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		notify:    make(chan struct{}, 1),
		backoff:   newBackoff(),
	}
	if r.transport != nil {
		go r.run()
	} else {
		close(r.done)
	}
	return r
}

func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry forever; the queue, not this backoff, bounds memory
	return b
}

// AsSink adapts a Replicator into a store.Sink, converting store.Mutation
// into a replication Event and enqueuing it. A Set mutation's value is
// serialized via encodeValue here, before the Mutation's Value is allowed to
// go out of scope, and Enqueue logs the event's fields before appending it
// to the queue, never after (the fix for the original's move-then-log bug).
func (r *Replicator) AsSink() store.Sink {
	return store.SinkFunc(func(m store.Mutation) {
		ev := Event{Key: m.Key}
		switch m.Kind {
		case store.MutationSet:
			ev.Kind = EventSet
			ev.Value = encodeValue(m.Value)
		case store.MutationDel:
			ev.Kind = EventDel
		case store.MutationExpire:
			ev.Kind = EventExpire
		}
		r.Enqueue(ev)
	})
}

// Enqueue assigns ev the next strictly-increasing sequence number and
// appends it to the queue. If the queue is already at QueueMax, the oldest
// queued event is dropped to make room (drop-oldest, per SPEC_FULL.md's
// resolution of spec.md §7's "implementation-chosen policy" note) and a
// counter of dropped events is incremented for metrics.
func (r *Replicator) Enqueue(ev Event) uint64 {
	r.mu.Lock()
	r.nextSeq++
	ev.Seq = r.nextSeq

	r.logger.Debug("replication event enqueued",
		zap.Uint64("seq", ev.Seq), zap.String("key", ev.Key))

	if len(r.queue) >= r.queueMax {
		r.queue = r.queue[1:]
		r.dropped++
		if r.metrics != nil {
			r.metrics.ReplicationDrops.Inc()
		}
	}
	r.queue = append(r.queue, ev)
	seq := ev.Seq
	depth := len(r.queue)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ReplicationSeq.Set(float64(seq))
		r.metrics.ReplicationQueueDepth.Set(float64(depth))
	}

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return seq
}

// Pending returns the number of events currently queued.
func (r *Replicator) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Dropped returns how many events have been dropped so far due to a full
// queue.
func (r *Replicator) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// DrainBatch removes and returns up to max queued events, oldest first.
func (r *Replicator) DrainBatch(max int) []Event {
	r.mu.Lock()
	if max > len(r.queue) {
		max = len(r.queue)
	}
	batch := append([]Event(nil), r.queue[:max]...)
	r.queue = r.queue[max:]
	depth := len(r.queue)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ReplicationQueueDepth.Set(float64(depth))
	}
	return batch
}

// run is the background delivery worker: connect, then loop draining
// batches and sending them, reconnecting with backoff on any transport
// error. Reconnects never reorder already-enqueued events — DrainBatch
// always takes from the front of the queue, and a failed Send's batch is
// pushed back onto the front before retrying.
func (r *Replicator) run() {
	defer close(r.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stop
		cancel()
	}()

	for {
		if err := r.connectWithBackoff(ctx); err != nil {
			return // ctx cancelled during connect retry
		}

		if !r.deliverUntilDisconnected(ctx) {
			return
		}
	}
}

func (r *Replicator) connectWithBackoff(ctx context.Context) error {
	return backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err := r.transport.Connect(ctx); err != nil {
			r.logger.Warn("replication transport connect failed, retrying", zap.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(r.backoff, ctx))
}

// deliverUntilDisconnected drains and sends batches until the transport
// errors or shutdown is requested. It returns false if the worker should
// exit entirely (shutdown), true if it should reconnect.
func (r *Replicator) deliverUntilDisconnected(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.transport.Close()
			return false
		case <-r.notify:
		case <-ticker.C:
		}

		for r.Pending() > 0 {
			batch := r.DrainBatch(batchCap)
			if len(batch) == 0 {
				break
			}
			payload := compressBatch(batch)
			if err := r.transport.Send(ctx, payload); err != nil {
				r.logger.Warn("replication send failed, will reconnect", zap.Error(err))
				r.requeueFront(batch)
				return true
			}
		}
	}
}

// requeueFront pushes a failed batch back onto the front of the queue so
// it is retried first after reconnecting, preserving sequence order.
func (r *Replicator) requeueFront(batch []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(append([]Event(nil), batch...), r.queue...)
}

// Close stops the background worker and waits for it to exit.
func (r *Replicator) Close() {
	close(r.stop)
	<-r.done
}
