// Package server implements the TCP acceptor, per-connection read/write
// loop, and command dispatch, grounded on the original C++ `connection.h`/
// `connection.cpp` and `server.cpp`.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cacheforge/cacheforge/internal/protocol"
)

// maxPendingWrites bounds a Connection's outbound queue. A slow reader that
// never drains its socket eventually fills this queue; Connection then
// drops the connection rather than let one stalled client grow memory
// without bound.
const maxPendingWrites = 256

// Dispatcher handles one parsed command and returns the wire bytes to send
// back, or nil to send nothing. The binary heartbeat never reaches the
// Dispatcher: Connection drops it without a reply.
type Dispatcher func(cmd protocol.Command) []byte

// Connection wraps one accepted TCP socket. spec.md §4.8 warns against a
// Connection holding a strong self-reference for callback capture (the
// original source's shared_ptr-to-self cycle, which leaks because nothing
// ever drops the last reference created by the object pointing at itself).
// Connection has no such field: it is created, owned and dropped entirely
// by its registering Server, and its own goroutines are started by Serve
// and have exited by the time Serve returns — no pointer back to itself is
// stored for later use. Go's garbage collector would reclaim a
// cycle anyway, but the Go-idiomatic fix is the one that matters for
// *lifetime*, not just memory: Serve returns (releasing everything it
// closed over) the moment the socket closes, so nothing outlives the
// connection that doesn't need to.
type Connection struct {
	ID   uuid.UUID
	conn net.Conn

	logger     *zap.Logger
	dispatch   Dispatcher
	writeQueue chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection wraps conn. dispatch is called once per parsed command from
// the connection's own read-loop goroutine — never concurrently with
// itself for the same Connection.
func NewConnection(conn net.Conn, logger *zap.Logger, dispatch Dispatcher) *Connection {
	id := uuid.New()
	return &Connection{
		ID:         id,
		conn:       conn,
		logger:     logger.With(zap.Stringer("conn_id", id)),
		dispatch:   dispatch,
		writeQueue: make(chan []byte, maxPendingWrites),
		closed:     make(chan struct{}),
	}
}

// Serve runs the read loop and write loop until the socket errors, ctx is
// cancelled, or Close is called. It always returns after both loops have
// exited and the socket is closed.
func (c *Connection) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.readLoop(ctx)
		cancel()
	}()
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	wg.Wait()
	c.Close()
}

// Enqueue posts b to the connection's write queue from any goroutine. If
// the queue is full, the connection is considered unresponsive and is
// closed rather than let the sender block indefinitely — matching spec.md
// §4.8's "enqueue posts through the socket's executor so writes remain
// single-writer" by keeping all actual socket writes inside writeLoop
// alone, while still bounding how much a stuck peer can cost us.
func (c *Connection) Enqueue(b []byte) {
	select {
	case c.writeQueue <- b:
	case <-c.closed:
	default:
		c.logger.Warn("write queue full, closing unresponsive connection")
		c.Close()
	}
}

// Close shuts down the socket and signals both loops to exit. Close is
// idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *Connection) writeLoop(ctx context.Context) {
	for {
		select {
		case b := <-c.writeQueue:
			if _, err := c.conn.Write(b); err != nil {
				c.logger.Debug("connection write error", zap.Error(err))
				c.Close()
				return
			}
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}

// readLoop reads frames and dispatches them. It auto-detects binary vs.
// text framing from the first byte of each new frame boundary: a binary
// frame's leading 4-byte little-endian length prefix has its highest-order
// byte first in memory only on big-endian decode, but what matters here is
// simpler — every real command name is under 32 bytes, so the first byte
// of a binary cmd_len field is always < 0x20, while a text command's first
// byte is always a printable command character (>= 0x20). This sniff runs
// once per frame, not per connection lifetime, so a client is free to mix
// modes between frames, though no real client is expected to.
func (c *Connection) readLoop(ctx context.Context) {
	r := bufio.NewReader(c.conn)
	var pending []byte
	buf := make([]byte, 64*1024)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		if reply, consumed, mode := c.tryParse(pending); mode != modeNeedMore {
			pending = pending[consumed:]
			if reply != nil {
				c.Enqueue(reply)
			}
			if mode == modeError {
				return
			}
			continue
		}

		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("connection read error", zap.Error(err))
			}
			return
		}
	}
}

type parseMode int

const (
	modeNeedMore parseMode = iota
	modeOK
	modeError
)

// tryParse attempts to parse exactly one frame from the front of pending,
// dispatching it if successful. It returns how many bytes were consumed
// and whether the caller should keep going, stop on error, or read more.
func (c *Connection) tryParse(pending []byte) (reply []byte, consumed int, mode parseMode) {
	if len(pending) == 0 {
		return nil, 0, modeNeedMore
	}

	if pending[0] < 0x20 {
		return c.tryParseBinary(pending)
	}
	return c.tryParseText(pending)
}

func (c *Connection) tryParseBinary(pending []byte) ([]byte, int, parseMode) {
	cmd, n, err := protocol.ParseBinary(pending)
	switch {
	case err == nil:
		if cmd.IsHeartbeat() {
			return nil, n, modeOK
		}
		return c.dispatch(cmd), n, modeOK
	case errors.Is(err, protocol.ErrIncomplete):
		return nil, 0, modeNeedMore
	default:
		c.Enqueue(protocol.EncodeError("malformed"))
		return nil, 0, modeError
	}
}

func (c *Connection) tryParseText(pending []byte) ([]byte, int, parseMode) {
	idx := indexByte(pending, '\n')
	if idx < 0 {
		return nil, 0, modeNeedMore
	}
	line := pending[:idx]
	line = trimCR(line)

	cmd, err := protocol.ParseText(line)
	if err != nil {
		return protocol.EncodeError("malformed"), idx + 1, modeOK
	}
	return c.dispatch(cmd), idx + 1, modeOK
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func trimCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

// idleCheckInterval is unused directly here but documents the TCP-only
// timeout contract spec.md §5 specifies: CacheForge imposes no read/write
// deadline of its own beyond whatever the OS/TCP stack enforces.
const idleCheckInterval = 0 * time.Second
