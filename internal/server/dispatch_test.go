package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cacheforge/cacheforge/internal/protocol"
	"github.com/cacheforge/cacheforge/internal/store"
)

func newTestRouter(t *testing.T, limits Limits) *CommandRouter {
	t.Helper()
	ks := store.New(store.Options{ExpirySweep: 10 * time.Millisecond})
	t.Cleanup(ks.Close)
	return NewCommandRouter(ks, limits, nil)
}

func cmd(name string, args ...string) protocol.Command {
	byteArgs := make([][]byte, len(args))
	for i, a := range args {
		byteArgs[i] = []byte(a)
	}
	return protocol.Command{Name: []byte(name), Args: byteArgs}
}

func TestRouter_EndToEndScenario1_SetGetDelGet(t *testing.T) {
	r := newTestRouter(t, Limits{})

	assert.Equal(t, "+OK\r\n", string(r.Dispatch(cmd("SET", "foo", "bar"))))
	assert.Equal(t, "$3\r\nbar\r\n", string(r.Dispatch(cmd("GET", "foo"))))
	assert.Equal(t, ":1\r\n", string(r.Dispatch(cmd("DEL", "foo"))))
	assert.Equal(t, "$-1\r\n", string(r.Dispatch(cmd("GET", "foo"))))
}

func TestRouter_EndToEndScenario2_ExpiresAfterEX(t *testing.T) {
	r := newTestRouter(t, Limits{})

	assert.Equal(t, "+OK\r\n", string(r.Dispatch(cmd("SET", "tmp", "x", "EX", "1"))))
	time.Sleep(1200 * time.Millisecond)

	assert.Equal(t, "$-1\r\n", string(r.Dispatch(cmd("GET", "tmp"))))
	assert.Equal(t, ":-2\r\n", string(r.Dispatch(cmd("TTL", "tmp"))))
}

func TestRouter_EndToEndScenario3_EvictsLRUAtMaxEntries(t *testing.T) {
	ks := store.New(store.Options{MaxEntries: 3, ExpirySweep: time.Hour})
	defer ks.Close()
	r := NewCommandRouter(ks, Limits{}, nil)

	r.Dispatch(cmd("SET", "a", "1"))
	r.Dispatch(cmd("SET", "b", "2"))
	r.Dispatch(cmd("SET", "c", "3"))
	r.Dispatch(cmd("GET", "a")) // touches a, so b becomes the LRU victim
	r.Dispatch(cmd("SET", "d", "4"))

	assert.Equal(t, "$-1\r\n", string(r.Dispatch(cmd("GET", "b"))), "b was LRU at the moment of insert and must be evicted")
	assert.Equal(t, "$1\r\na\r\n", string(r.Dispatch(cmd("GET", "a"))))
	assert.Equal(t, "$1\r\nd\r\n", string(r.Dispatch(cmd("GET", "d"))))
}

func TestRouter_EndToEndScenario5_EmbeddedNulKey(t *testing.T) {
	r := newTestRouter(t, Limits{})

	key := "a\x00b"
	r.Dispatch(protocol.Command{Name: []byte("SET"), Args: [][]byte{[]byte(key), []byte("x")}})

	reply := r.Dispatch(protocol.Command{Name: []byte("GET"), Args: [][]byte{[]byte(key)}})
	assert.Equal(t, "$1\r\nx\r\n", string(reply))

	reply = r.Dispatch(cmd("GET", "a"))
	assert.Equal(t, "$-1\r\n", string(reply), "a truncated key must be a miss")
}

func TestRouter_UnknownCommand(t *testing.T) {
	r := newTestRouter(t, Limits{})
	reply := r.Dispatch(cmd("BOGUS"))
	assert.Equal(t, "-ERR unknown command\r\n", string(reply))
}

func TestRouter_KeyTooLargeRejected(t *testing.T) {
	r := newTestRouter(t, Limits{MaxKeyLen: 4})
	reply := r.Dispatch(cmd("SET", "toolongkey", "v"))
	assert.Equal(t, "-ERR limit\r\n", string(reply))
}

func TestRouter_ValueTooLargeRejected(t *testing.T) {
	r := newTestRouter(t, Limits{MaxValueLen: 2})
	reply := r.Dispatch(cmd("SET", "k", "toolong"))
	assert.Equal(t, "-ERR limit\r\n", string(reply))
}

func TestRouter_KeysGlob(t *testing.T) {
	r := newTestRouter(t, Limits{})
	r.Dispatch(cmd("SET", "user:1", "a"))
	r.Dispatch(cmd("SET", "user:2", "b"))
	r.Dispatch(cmd("SET", "other", "c"))

	reply := string(r.Dispatch(cmd("KEYS", "user:*")))
	assert.Contains(t, reply, "user:1")
	assert.Contains(t, reply, "user:2")
	assert.NotContains(t, reply, "other")
}

func TestRouter_MalformedExOptionRejected(t *testing.T) {
	r := newTestRouter(t, Limits{})
	reply := r.Dispatch(cmd("SET", "k", "v", "EX", "notanumber"))
	assert.Equal(t, "-ERR malformed\r\n", string(reply))
}

func TestRouter_PingReturnsOK(t *testing.T) {
	r := newTestRouter(t, Limits{})
	assert.Equal(t, "+OK\r\n", string(r.Dispatch(cmd("PING"))))
}
