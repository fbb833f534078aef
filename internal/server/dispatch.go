package server

import (
	"bytes"
	"errors"
	"strconv"
	"time"

	"github.com/cacheforge/cacheforge/internal/metrics"
	"github.com/cacheforge/cacheforge/internal/protocol"
	"github.com/cacheforge/cacheforge/internal/store"
	"github.com/cacheforge/cacheforge/internal/value"
)

// Limits bounds key/value sizes per spec.md §7's KeyTooLarge/ValueTooLarge
// error taxonomy.
type Limits struct {
	MaxKeyLen   int
	MaxValueLen int
}

// CommandRouter wires parsed Commands to a Keyspace, converting every
// outcome — success or failure — into a wire response. Per spec.md §7,
// nothing here panics or propagates an error past this boundary: every
// branch produces bytes.
type CommandRouter struct {
	keyspace *store.Keyspace
	limits   Limits
	metrics  *metrics.Collector // optional, nil disables instrumentation
}

// NewCommandRouter builds a router over ks. m may be nil.
func NewCommandRouter(ks *store.Keyspace, limits Limits, m *metrics.Collector) *CommandRouter {
	return &CommandRouter{keyspace: ks, limits: limits, metrics: m}
}

// Dispatch implements the Dispatcher type Connection calls.
func (r *CommandRouter) Dispatch(cmd protocol.Command) []byte {
	name := string(cmd.Name)

	switch name {
	case "PING":
		return protocol.EncodeOK()
	case "SET":
		return r.handleSet(cmd.Args)
	case "GET":
		return r.handleGet(cmd.Args)
	case "DEL":
		return r.handleDel(cmd.Args)
	case "KEYS":
		return r.handleKeys(cmd.Args)
	case "TTL":
		return r.handleTTL(cmd.Args)
	default:
		return protocol.EncodeError("unknown command")
	}
}

func (r *CommandRouter) handleSet(args [][]byte) []byte {
	if len(args) < 2 {
		return protocol.EncodeError("wrong number of arguments")
	}
	key, val := args[0], args[1]

	if r.limits.MaxKeyLen > 0 && len(key) > r.limits.MaxKeyLen {
		return protocol.EncodeError("limit")
	}
	if r.limits.MaxValueLen > 0 && len(val) > r.limits.MaxValueLen {
		return protocol.EncodeError("limit")
	}

	ttl, err := parseExpireOption(args[2:])
	if err != nil {
		return protocol.EncodeError("malformed")
	}

	r.keyspace.Set(string(key), value.NewBinary(val), ttl)
	return protocol.EncodeOK()
}

// parseExpireOption parses an optional trailing "EX <seconds>" pair.
func parseExpireOption(rest [][]byte) (time.Duration, error) {
	if len(rest) == 0 {
		return 0, nil
	}
	if len(rest) != 2 || !bytes.EqualFold(rest[0], []byte("EX")) {
		return 0, errMalformedOption
	}
	seconds, err := strconv.ParseInt(string(rest[1]), 10, 64)
	if err != nil || seconds <= 0 {
		return 0, errMalformedOption
	}
	return time.Duration(seconds) * time.Second, nil
}

var errMalformedOption = errors.New("malformed EX option")

func (r *CommandRouter) handleGet(args [][]byte) []byte {
	if len(args) != 1 {
		return protocol.EncodeError("wrong number of arguments")
	}
	v, ok := r.keyspace.Get(string(args[0]))
	if !ok {
		r.recordMiss()
		return protocol.EncodeNull()
	}
	r.recordHit()

	b, err := v.AsBinary()
	if err != nil {
		return protocol.EncodeError("wrong type")
	}
	return protocol.EncodeBulkString(b)
}

func (r *CommandRouter) handleDel(args [][]byte) []byte {
	if len(args) != 1 {
		return protocol.EncodeError("wrong number of arguments")
	}
	if r.keyspace.Del(string(args[0])) {
		return protocol.EncodeInteger(1)
	}
	return protocol.EncodeInteger(0)
}

func (r *CommandRouter) handleKeys(args [][]byte) []byte {
	pattern := "*"
	if len(args) == 1 {
		pattern = string(args[0])
	} else if len(args) > 1 {
		return protocol.EncodeError("wrong number of arguments")
	}
	keys := r.keyspace.Keys(pattern)
	items := make([][]byte, len(keys))
	for i, k := range keys {
		items[i] = []byte(k)
	}
	return protocol.EncodeArray(items)
}

func (r *CommandRouter) handleTTL(args [][]byte) []byte {
	if len(args) != 1 {
		return protocol.EncodeError("wrong number of arguments")
	}
	return protocol.EncodeInteger(r.keyspace.TTL(string(args[0])))
}

func (r *CommandRouter) recordHit() {
	if r.metrics != nil {
		r.metrics.Hits.Inc()
	}
}

func (r *CommandRouter) recordMiss() {
	if r.metrics != nil {
		r.metrics.Misses.Inc()
	}
}
