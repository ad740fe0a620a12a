// Package metrics exports Prometheus metrics for Shelltender's session
// core, pipeline, and multiplexer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus collectors for a Shelltender process.
type Metrics struct {
	SessionsActive      prometheus.Gauge
	SessionsCreatedTotal prometheus.Counter
	SessionsKilledTotal  *prometheus.CounterVec

	BufferAppendsTotal  *prometheus.CounterVec
	BufferEvictedBytes  *prometheus.CounterVec
	BufferRetainedBytes *prometheus.GaugeVec

	PipelineChunksTotal    *prometheus.CounterVec
	PipelineBlockedTotal   *prometheus.CounterVec
	PipelineDroppedTotal   *prometheus.CounterVec
	PipelineErrorsTotal    *prometheus.CounterVec
	PipelineDuration       prometheus.Histogram

	PatternMatchesTotal   *prometheus.CounterVec
	PatternDebouncedTotal *prometheus.CounterVec

	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec
	WSOutboundDropped   *prometheus.CounterVec

	StoreWritesTotal    *prometheus.CounterVec
	StoreWriteSkipped   prometheus.Counter
	StoreErrorsTotal    *prometheus.CounterVec

	BroadcastPublishedTotal prometheus.Counter
	BroadcastReceivedTotal  prometheus.Counter
}

// Get returns the process-wide Metrics singleton, registering collectors on
// first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shelltender", Subsystem: "session", Name: "active",
		Help: "Number of live PTY sessions.",
	})
	m.SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "session", Name: "created_total",
		Help: "Total sessions created.",
	})
	m.SessionsKilledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "session", Name: "killed_total",
		Help: "Total sessions killed, by reason.",
	}, []string{"reason"})

	m.BufferAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "buffer", Name: "appends_total",
		Help: "Total chunks appended to per-session ring buffers.",
	}, []string{"session_id"})
	m.BufferEvictedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "buffer", Name: "evicted_bytes_total",
		Help: "Total bytes evicted from ring buffers.",
	}, []string{"session_id"})
	m.BufferRetainedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shelltender", Subsystem: "buffer", Name: "retained_bytes",
		Help: "Current retained bytes per session buffer.",
	}, []string{"session_id"})

	m.PipelineChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "pipeline", Name: "chunks_total",
		Help: "Total chunks observed by the pipeline, by outcome.",
	}, []string{"outcome"})
	m.PipelineBlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "pipeline", Name: "blocked_total",
		Help: "Total chunks blocked by a filter, by filter name.",
	}, []string{"filter"})
	m.PipelineDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "pipeline", Name: "dropped_total",
		Help: "Total chunks dropped by a processor, by processor name.",
	}, []string{"processor"})
	m.PipelineErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "pipeline", Name: "errors_total",
		Help: "Total processor/filter/subscriber errors, by component.",
	}, []string{"component"})
	m.PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shelltender", Subsystem: "pipeline", Name: "process_seconds",
		Help:    "Time spent running the processor/filter chain on one chunk.",
		Buckets: prometheus.DefBuckets,
	})

	m.PatternMatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "pattern", Name: "matches_total",
		Help: "Total pattern matches emitted, by pattern name.",
	}, []string{"pattern"})
	m.PatternDebouncedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "pattern", Name: "debounced_total",
		Help: "Total pattern matches suppressed by debounce, by pattern name.",
	}, []string{"pattern"})

	m.WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shelltender", Subsystem: "ws", Name: "connections_active",
		Help: "Number of live WebSocket connections.",
	})
	m.WSMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "ws", Name: "messages_total",
		Help: "Total WebSocket messages, by direction and type.",
	}, []string{"direction", "type"})
	m.WSOutboundDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "ws", Name: "outbound_dropped_total",
		Help: "Total outbound frames dropped due to back-pressure, by policy.",
	}, []string{"policy"})

	m.StoreWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "store", Name: "writes_total",
		Help: "Total SessionStore disk writes, by kind.",
	}, []string{"kind"})
	m.StoreWriteSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "store", Name: "write_skipped_total",
		Help: "Total updateBuffer calls skipped because the buffer was unchanged.",
	})
	m.StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "store", Name: "errors_total",
		Help: "Total SessionStore I/O errors, by operation.",
	}, []string{"operation"})

	m.BroadcastPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "broadcast", Name: "published_total",
		Help: "Total chunks published to the cross-instance channel.",
	})
	m.BroadcastReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shelltender", Subsystem: "broadcast", Name: "received_total",
		Help: "Total chunks received from the cross-instance channel.",
	})

	return m
}
