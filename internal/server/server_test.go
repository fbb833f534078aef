package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cacheforge/cacheforge/internal/metrics"
	"github.com/cacheforge/cacheforge/internal/store"
)

func startTestServer(t *testing.T) (addr string, srv *Server) {
	t.Helper()
	ks := store.New(store.Options{ExpirySweep: 10 * time.Millisecond})
	t.Cleanup(ks.Close)
	router := NewCommandRouter(ks, Limits{}, nil)

	s := New("127.0.0.1:0", zap.NewNop(), router.Dispatch, nil, 2)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go s.Start(ctx)

	require.Eventually(t, func() bool { return s.Addr() != "127.0.0.1:0" }, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(s.Stop)
	return s.Addr(), s
}

func TestServer_AcceptsAndDispatchesTextCommand(t *testing.T) {
	addr, _ := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "SET foo bar\n")
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", line)

	fmt.Fprintf(conn, "GET foo\n")
	line1, err := r.ReadString('\n')
	require.NoError(t, err)
	line2, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "$3\r\n", line1)
	assert.Equal(t, "bar\r\n", line2)
}

func TestServer_ConnectionCountTracksLifecycle(t *testing.T) {
	addr, s := startTestServer(t)

	assert.Equal(t, 0, s.ConnectionCount())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_StatsReportsCountersConnectionsAndReplicationPending(t *testing.T) {
	ks := store.New(store.Options{ExpirySweep: 10 * time.Millisecond})
	t.Cleanup(ks.Close)

	m := metrics.New(prometheus.NewRegistry())
	router := NewCommandRouter(ks, Limits{}, m)

	s := New("127.0.0.1:0", zap.NewNop(), router.Dispatch, m, 2)
	s.SetReplicationSource(func() int { return 7 })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "127.0.0.1:0" }, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(s.Stop)

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer conn.Close()

	r := bufio.NewReader(conn)
	fmt.Fprintf(conn, "SET foo bar\n")
	_, err = r.ReadString('\n')
	require.NoError(t, err)

	fmt.Fprintf(conn, "GET foo\n")
	_, err = r.ReadString('\n')
	require.NoError(t, err)
	_, err = r.ReadString('\n')
	require.NoError(t, err)

	fmt.Fprintf(conn, "GET missing\n")
	_, err = r.ReadString('\n')
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	stats := s.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 7, stats.ReplicationPending)
}

func TestServer_StopClosesConnectionsAndIsIdempotent(t *testing.T) {
	addr, s := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop() // must not panic

	assert.False(t, s.IsRunning())
	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond,
		"Stop must close every registered connection")
}
