package replication

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cacheforge/cacheforge/internal/store"
	"github.com/cacheforge/cacheforge/internal/value"
)

// fakeTransport records every batch it was asked to send and can be told to
// fail the next N sends, simulating a flaky downstream peer.
type fakeTransport struct {
	mu          sync.Mutex
	connects    int
	sent        [][]Event
	failNext    int
	connectFail int
	closed      bool
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectFail > 0 {
		f.connectFail--
		return fmt.Errorf("simulated connect failure")
	}
	f.connects++
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return fmt.Errorf("simulated send failure")
	}
	events, err := decompressBatch(payload)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, events)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) allSent() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []Event
	for _, batch := range f.sent {
		all = append(all, batch...)
	}
	return all
}

func TestReplicator_SequenceNumbersStrictlyMonotonic(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	var seqs []uint64
	for i := 0; i < 50; i++ {
		seqs = append(seqs, r.Enqueue(Event{Kind: EventSet, Key: fmt.Sprintf("k%d", i)}))
	}

	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
}

func TestReplicator_QueueDropsOldestWhenFull(t *testing.T) {
	r := New(Options{QueueMax: 3})
	defer r.Close()

	r.Enqueue(Event{Key: "a"})
	r.Enqueue(Event{Key: "b"})
	r.Enqueue(Event{Key: "c"})
	r.Enqueue(Event{Key: "d"}) // should drop "a"

	assert.Equal(t, 3, r.Pending())
	assert.EqualValues(t, 1, r.Dropped())

	batch := r.DrainBatch(10)
	var keys []string
	for _, e := range batch {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"b", "c", "d"}, keys)
}

func TestReplicator_DrainBatchRespectsMaxAndOrder(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	for i := 0; i < 10; i++ {
		r.Enqueue(Event{Key: fmt.Sprintf("k%d", i)})
	}

	batch := r.DrainBatch(4)
	require.Len(t, batch, 4)
	assert.Equal(t, "k0", batch[0].Key)
	assert.Equal(t, "k3", batch[3].Key)
	assert.Equal(t, 6, r.Pending())
}

func TestReplicator_DeliversQueuedEventsToTransport(t *testing.T) {
	ft := &fakeTransport{}
	r := New(Options{Transport: ft})
	defer r.Close()

	r.Enqueue(Event{Kind: EventSet, Key: "a", Value: []byte{0, 'x'}})
	r.Enqueue(Event{Kind: EventDel, Key: "b"})

	require.Eventually(t, func() bool {
		return len(ft.allSent()) == 2
	}, time.Second, 5*time.Millisecond)

	sent := ft.allSent()
	assert.Equal(t, "a", sent[0].Key)
	assert.Equal(t, "b", sent[1].Key)
}

func TestReplicator_RetriesAfterSendFailureWithoutLosingOrDuplicatingLater(t *testing.T) {
	ft := &fakeTransport{failNext: 1}
	r := New(Options{Transport: ft})
	defer r.Close()

	r.Enqueue(Event{Key: "a"})
	r.Enqueue(Event{Key: "b"})

	require.Eventually(t, func() bool {
		return len(ft.allSent()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	sent := ft.allSent()
	assert.Equal(t, "a", sent[0].Key)
	assert.Equal(t, "b", sent[1].Key)
}

func TestReplicator_AsSinkConvertsKeyspaceMutations(t *testing.T) {
	ft := &fakeTransport{}
	r := New(Options{Transport: ft})
	defer r.Close()

	sink := r.AsSink()
	sink.Record(store.Mutation{Kind: store.MutationSet, Key: "k", Value: value.NewString("v")})
	sink.Record(store.Mutation{Kind: store.MutationDel, Key: "k"})
	sink.Record(store.Mutation{Kind: store.MutationExpire, Key: "k2"})

	require.Eventually(t, func() bool {
		return len(ft.allSent()) == 3
	}, time.Second, 5*time.Millisecond)

	sent := ft.allSent()
	assert.Equal(t, EventSet, sent[0].Kind)
	assert.Equal(t, EventDel, sent[1].Kind)
	assert.Equal(t, EventExpire, sent[2].Kind)
}

func TestCompressDecompressBatch_RoundTrips(t *testing.T) {
	batch := []Event{
		{Kind: EventSet, Key: "a", Value: []byte{1, 2, 3}, Seq: 1},
		{Kind: EventDel, Key: "b", Seq: 2},
	}
	payload := compressBatch(batch)
	out, err := decompressBatch(payload)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, batch[0].Key, out[0].Key)
	assert.Equal(t, batch[0].Value, out[0].Value)
	assert.Equal(t, batch[1].Kind, out[1].Kind)
}
