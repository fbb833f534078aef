// Package metrics exposes CacheForge's operational counters and gauges over
// Prometheus's text exposition format, grounded on the original C++
// source's scattered atomic counters (hit_count_, miss_count_, and similar
// fields spread across the cache core) — this package centralizes them
// into one registered collector set rather than leaving each component to
// format its own ad-hoc stats, the way the teacher cache's stats.go does
// for its in-process Stats struct but promoted to a scrapeable surface.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Collector bundles every metric CacheForge reports. It is safe for
// concurrent use — every field is itself a concurrency-safe prometheus
// instrument.
type Collector struct {
	Hits                  prometheus.Counter
	Misses                prometheus.Counter
	Evictions             prometheus.Counter
	Expirations           prometheus.Counter
	ConnectionsGauge      prometheus.Gauge
	ReplicationQueueDepth prometheus.Gauge
	ReplicationSeq        prometheus.Gauge
	ReplicationDrops      prometheus.Counter
	SnapshotSaveSeconds   prometheus.Histogram
}

// New registers and returns a fresh Collector against registry. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across test runs.
func New(registry prometheus.Registerer) *Collector {
	factory := promauto.With(registry)

	return &Collector{
		Hits: factory.NewCounter(prometheus.CounterOpts{
			Name: "cacheforge_hits_total",
			Help: "Number of GET requests that found a live key.",
		}),
		Misses: factory.NewCounter(prometheus.CounterOpts{
			Name: "cacheforge_misses_total",
			Help: "Number of GET requests that found no live key.",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "cacheforge_evictions_total",
			Help: "Number of keys removed by LRU eviction.",
		}),
		Expirations: factory.NewCounter(prometheus.CounterOpts{
			Name: "cacheforge_expirations_total",
			Help: "Number of keys removed because their TTL elapsed.",
		}),
		ConnectionsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cacheforge_connections",
			Help: "Number of currently open client connections.",
		}),
		ReplicationQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cacheforge_replication_queue_depth",
			Help: "Number of replication events currently queued.",
		}),
		ReplicationSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cacheforge_replication_sequence",
			Help: "Most recently assigned replication sequence number.",
		}),
		ReplicationDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "cacheforge_replication_drops_total",
			Help: "Number of replication events dropped because the queue was full.",
		}),
		SnapshotSaveSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cacheforge_snapshot_save_seconds",
			Help:    "Wall-clock duration of each snapshot save.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Server exposes the registry's metrics over HTTP at /metrics.
type Server struct {
	httpServer *http.Server
}

// Serve starts an HTTP server on addr exposing /metrics. It returns
// immediately; call Shutdown to stop it.
func Serve(addr string, registry *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s := &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
	go s.httpServer.ListenAndServe()
	return s
}

// Shutdown gracefully stops the metrics HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// TimeSnapshotSave is a convenience helper: defer c.TimeSnapshotSave()()
// records the elapsed time in SnapshotSaveSeconds.
func (c *Collector) TimeSnapshotSave() func() {
	start := time.Now()
	return func() {
		c.SnapshotSaveSeconds.Observe(time.Since(start).Seconds())
	}
}

// CounterValue reads a Counter's current value. It exists so callers
// embedding this package's counters into their own stats snapshots (e.g.
// server.Server.Stats) don't need to pull in prometheus/client_model
// themselves.
func CounterValue(c prometheus.Counter) uint64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}
