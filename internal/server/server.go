package server

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cacheforge/cacheforge/internal/metrics"
)

// Server boots a TCP acceptor, accepts Connections, and registers them in a
// shared list, grounded on the original C++ `server.cpp`. The original's
// accepting flag was a plain `volatile bool`, which spec.md §9 calls out:
// volatile in C++ gives no cross-thread visibility or atomicity guarantee,
// it only suppresses compiler reordering/caching within a single thread.
// Server uses atomic.Bool instead, which is the actual fix.
type Server struct {
	listenAddr string
	logger     *zap.Logger
	dispatch   Dispatcher
	metrics    *metrics.Collector

	accepting atomic.Bool
	running   atomic.Bool

	mu          sync.Mutex // guards conns; never held while calling into a Connection's own methods
	conns       map[string]*Connection
	listener    net.Listener
	workerCount int

	replicationPending func() int
}

// New builds a Server. workerCount <= 0 defaults to runtime.GOMAXPROCS(0),
// matching spec.md §5's "default: hardware concurrency".
func New(listenAddr string, logger *zap.Logger, dispatch Dispatcher, m *metrics.Collector, workerCount int) *Server {
	if workerCount <= 0 {
		workerCount = runtime.GOMAXPROCS(0)
	}
	return &Server{
		listenAddr:  listenAddr,
		logger:      logger,
		dispatch:    dispatch,
		metrics:     m,
		conns:       make(map[string]*Connection),
		workerCount: workerCount,
	}
}

// Start binds the listen address and begins accepting connections across a
// fixed pool of worker goroutines, each independently calling Accept — this
// mirrors the original's "spawn a worker thread per hardware thread for the
// I/O reactor" shape using Go's native multiplexed net.Listener instead of
// a manual reactor, since net.Listener.Accept is already safe for
// concurrent callers and the Go runtime's netpoller is the reactor.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.listenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.listenAddr = ln.Addr().String()
	s.mu.Unlock()
	s.accepting.Store(true)
	s.running.Store(true)

	s.logger.Info("server listening", zap.String("addr", s.listenAddr), zap.Int("workers", s.workerCount))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workerCount; i++ {
		g.Go(func() error {
			return s.acceptLoop(gctx)
		})
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.accepting.Load() {
				return nil // Stop() closed the listener; a clean shutdown, not a failure
			}
			s.logger.Warn("accept error", zap.Error(err))
			continue
		}
		s.handleAccepted(ctx, conn)
	}
}

func (s *Server) handleAccepted(ctx context.Context, conn net.Conn) {
	c := NewConnection(conn, s.logger, s.dispatch)

	s.mu.Lock()
	s.conns[c.ID.String()] = c
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ConnectionsGauge.Inc()
	}

	go func() {
		c.Serve(ctx)

		s.mu.Lock()
		delete(s.conns, c.ID.String())
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ConnectionsGauge.Dec()
		}
	}()
}

// Stop stops accepting new connections, closes the listener, and drops
// every registered Connection. Shutdown order follows spec.md §4.9: stop
// accepting -> stop the reactor (closing the listener unblocks every
// worker's Accept call) -> drop all Connections.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return // already stopped
	}
	s.accepting.Store(false)

	s.mu.Lock()
	ln := s.listener
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	for _, c := range conns {
		c.Close()
	}
}

// Addr returns the address the server is actually bound to, useful when
// New was given a ":0" style address and the OS chose the port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

// IsRunning reports whether the server is currently accepting/serving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// ConnectionCount returns the number of currently registered connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// SetReplicationSource wires a pending() int func (typically
// (*replication.Replicator).Pending) into Stats's ReplicationPending field.
// Server deliberately takes a func rather than importing the replication
// package directly, keeping it decoupled the way Dispatcher decouples Server
// from internal/store. A nil/unset source reports ReplicationPending as 0.
func (s *Server) SetReplicationSource(pending func() int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicationPending = pending
}

// Stats is a point-in-time snapshot of CacheForge's operational counters,
// SPEC_FULL.md's INFO/stats introspection supplement: the same counts
// `/metrics` exposes to Prometheus, also reachable directly through the
// embeddable Go API without scraping HTTP.
type Stats struct {
	Hits               uint64
	Misses             uint64
	Evictions          uint64
	Expirations        uint64
	Connections        int
	ReplicationPending int
}

// Stats reports the current operational counters. It never blocks on I/O.
func (s *Server) Stats() Stats {
	st := Stats{Connections: s.ConnectionCount()}
	if s.metrics != nil {
		st.Hits = metrics.CounterValue(s.metrics.Hits)
		st.Misses = metrics.CounterValue(s.metrics.Misses)
		st.Evictions = metrics.CounterValue(s.metrics.Evictions)
		st.Expirations = metrics.CounterValue(s.metrics.Expirations)
	}

	s.mu.Lock()
	pending := s.replicationPending
	s.mu.Unlock()
	if pending != nil {
		st.ReplicationPending = pending()
	}
	return st
}

// Broadcast enqueues b on every currently registered connection's write
// queue. It is internal-only — no protocol command exposes it to clients
// (SPEC_FULL.md's resolution of spec.md's open question on broadcast's
// visibility) — but it is reachable from operational tooling such as a
// future "server is shutting down" notice.
func (s *Server) Broadcast(b []byte) {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Enqueue(b)
	}
}
