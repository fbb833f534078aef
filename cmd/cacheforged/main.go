// Command cacheforged boots the CacheForge server: it loads configuration,
// wires the keyspace, snapshot store, replicator and TCP server together,
// and runs until a termination signal arrives or a fatal error occurs.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cacheforge/cacheforge/internal/config"
	"github.com/cacheforge/cacheforge/internal/logging"
	"github.com/cacheforge/cacheforge/internal/metrics"
	"github.com/cacheforge/cacheforge/internal/replication"
	"github.com/cacheforge/cacheforge/internal/server"
	"github.com/cacheforge/cacheforge/internal/snapshot"
	"github.com/cacheforge/cacheforge/internal/store"
	"github.com/cacheforge/cacheforge/internal/value"
)

// flagOverrides are the pflag CLI overrides layered over the environment-
// sourced Config, per SPEC_FULL.md's AMBIENT STACK section: env vars set
// the baseline, flags win when explicitly passed.
type flagOverrides struct {
	bind        string
	port        uint16
	logLevel    string
	snapshotDir string
	replicaAddr string
	metricsAddr string
}

func parseFlags() flagOverrides {
	var f flagOverrides
	pflag.StringVar(&f.bind, "bind", "", "override CACHEFORGE_BIND")
	pflag.Uint16Var(&f.port, "port", 0, "override CACHEFORGE_PORT")
	pflag.StringVar(&f.logLevel, "log-level", "", "override CACHEFORGE_LOG_LEVEL")
	pflag.StringVar(&f.snapshotDir, "snapshot-dir", "", "override CACHEFORGE_SNAPSHOT_DIR")
	pflag.StringVar(&f.replicaAddr, "replica-addr", "", "override CACHEFORGE_REPLICA_ADDR")
	pflag.StringVar(&f.metricsAddr, "metrics-addr", "", "override CACHEFORGE_METRICS_ADDR")
	pflag.Parse()
	return f
}

func applyOverrides(cfg config.Config, f flagOverrides) config.Config {
	if f.bind != "" {
		cfg.BindAddress = f.bind
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.snapshotDir != "" {
		cfg.SnapshotDir = f.snapshotDir
	}
	if f.replicaAddr != "" {
		cfg.ReplicationAddr = f.replicaAddr
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	return cfg
}

func main() {
	os.Exit(run())
}

// run contains the actual startup/shutdown sequence so main can defer to
// os.Exit with a concrete code, per spec.md §6's "0 clean, non-zero on
// fatal initialization failure".
func run() int {
	overrides := parseFlags()
	cfg := applyOverrides(config.FromEnv(), overrides)

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cacheforged: building logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	snapStore, err := snapshot.New(cfg.SnapshotDir)
	if err != nil {
		logger.Error("fatal: building snapshot store", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	metricsCollector := metrics.New(registry)

	replicator := buildReplicator(cfg, logger, metricsCollector)
	defer replicator.Close()

	ks := store.New(store.Options{
		MaxEntries:  cfg.MaxEntries,
		MaxBytes:    int64(cfg.MaxMemory),
		ExpirySweep: cfg.ExpirySweepInterval,
		Sink:        replicator.AsSink(),
		Metrics:     metricsCollector,
	})
	defer ks.Close()

	if err := loadSnapshotOnStartup(snapStore, ks, logger); err != nil {
		logger.Warn("starting with an empty keyspace after snapshot load failure", zap.Error(err))
	}

	router := server.NewCommandRouter(ks, server.Limits{
		MaxKeyLen:   cfg.MaxKeyLen,
		MaxValueLen: cfg.MaxValueLen,
	}, metricsCollector)

	srv := server.New(fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port), logger, router.Dispatch, metricsCollector, 0)
	srv.SetReplicationSource(replicator.Pending)

	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.Serve(cfg.MetricsAddr, registry)
		logger.Info("metrics endpoint listening", zap.String("addr", cfg.MetricsAddr))
	}

	ctx, stop := signalAwareContext()
	defer stop()

	stopSnapshots := startPeriodicSnapshots(ctx, snapStore, ks, metricsCollector, cfg.SnapshotInterval, logger)
	defer stopSnapshots()

	logger.Info("cacheforged starting",
		zap.String("bind", cfg.BindAddress), zap.Uint16("port", cfg.Port))

	if err := srv.Start(ctx); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}
		return 1
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info("cacheforged shut down cleanly")
	return 0
}

// signalAwareContext returns a context cancelled on SIGINT/SIGTERM. Per
// spec.md §9, the signal handler itself does no logging or other
// non-async-signal-safe work — signal.NotifyContext's internal handler only
// ever closes a channel, and everything this program does in response runs
// later on the main goroutine once that channel closes.
func signalAwareContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func buildReplicator(cfg config.Config, logger *zap.Logger, m *metrics.Collector) *replication.Replicator {
	var transport replication.Transport
	if cfg.ReplicationAddr != "" {
		transport = &tcpTransport{addr: cfg.ReplicationAddr}
	}
	return replication.New(replication.Options{
		QueueMax:  cfg.ReplicationQueueMax,
		Transport: transport,
		Logger:    logger,
		Metrics:   m,
	})
}

func loadSnapshotOnStartup(snapStore *snapshot.Store, ks *store.Keyspace, logger *zap.Logger) error {
	entries, ok, err := snapStore.LoadLatest()
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("no snapshot found, starting with an empty keyspace")
		return nil
	}
	for _, e := range entries {
		ttl := time.Duration(0)
		if e.TTLRemaining > 0 {
			ttl = time.Duration(e.TTLRemaining) * time.Second
		}
		ks.Set(e.Key, e.Value, ttl)
	}
	logger.Info("loaded snapshot", zap.Int("entries", len(entries)))
	return nil
}

// startPeriodicSnapshots runs a background goroutine that saves the
// keyspace on interval until ctx is cancelled. It returns a function the
// caller should defer to wait for the goroutine to finish its current save
// before the process exits.
func startPeriodicSnapshots(ctx context.Context, snapStore *snapshot.Store, ks *store.Keyspace, m *metrics.Collector, interval time.Duration, logger *zap.Logger) func() {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				saveSnapshotNow(snapStore, ks, m, logger)
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { <-done }
}

func saveSnapshotNow(snapStore *snapshot.Store, ks *store.Keyspace, m *metrics.Collector, logger *zap.Logger) {
	stop := m.TimeSnapshotSave()
	defer stop()

	var entries []snapshot.Entry
	ks.Snapshot(func(key string, v value.Value, ttlSeconds int64, hasTTL bool) {
		ttlRemaining := int64(-1)
		if hasTTL {
			ttlRemaining = ttlSeconds
		}
		entries = append(entries, snapshot.Entry{Key: key, Value: v, TTLRemaining: ttlRemaining})
	})

	if _, err := snapStore.Save(time.Now().Unix(), entries); err != nil {
		logger.Error("snapshot save failed", zap.Error(err))
		return
	}
	if err := snapStore.Prune(5); err != nil {
		logger.Warn("snapshot prune failed", zap.Error(err))
	}
	logger.Debug("snapshot saved", zap.Int("entries", len(entries)))
}

// tcpTransport is the default replication.Transport: a plain TCP
// connection to a downstream peer, framed length-prefixed like the main
// protocol's binary mode.
type tcpTransport struct {
	addr string
	conn net.Conn
}

func (t *tcpTransport) Connect(ctx context.Context) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *tcpTransport) Send(ctx context.Context, payload []byte) error {
	lenBuf := make([]byte, 4)
	n := uint32(len(payload))
	lenBuf[0] = byte(n)
	lenBuf[1] = byte(n >> 8)
	lenBuf[2] = byte(n >> 16)
	lenBuf[3] = byte(n >> 24)
	if _, err := t.conn.Write(lenBuf); err != nil {
		return err
	}
	_, err := t.conn.Write(payload)
	return err
}

func (t *tcpTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
