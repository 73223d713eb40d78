// Package metrics exposes Prometheus instrumentation for the broker, chunk
// store, and download endpoint, with exemplars linking counters/histograms
// back to the active OpenTelemetry trace span.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/cryptorelay/internal/apperror"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Config controls cardinality tradeoffs for path-shaped labels.
type Config struct {
	// EnableBucketLabel, when true, keeps the first path segment of
	// multi-segment HTTP labels (/download/{contentId} becomes "/download/*");
	// when false, every multi-segment path collapses to "/*".
	EnableBucketLabel bool
}

// Metrics holds every counter, histogram, and gauge the server exposes.
type Metrics struct {
	config Config

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	eventsTotal  *prometheus.CounterVec
	eventErrors  *prometheus.CounterVec
	eventLatency *prometheus.HistogramVec

	chunkIOTotal    *prometheus.CounterVec
	chunkIOBytes    *prometheus.CounterVec
	chunkIODuration *prometheus.HistogramVec
	chunkIOErrors   *prometheus.CounterVec

	evictionsTotal *prometheus.CounterVec

	bufferPoolHits   *prometheus.CounterVec
	bufferPoolMisses *prometheus.CounterVec

	activeConnections     prometheus.Gauge
	activeDownloadStreams prometheus.Gauge
	goroutines            prometheus.Gauge
	memoryAllocBytes      prometheus.Gauge
	memorySysBytes        prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered to the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableBucketLabel: true})
}

// NewMetricsWithConfig creates a Metrics instance with the given Config,
// registered to the default registry.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a Metrics instance bound to a custom
// registry, so tests don't collide on the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableBucketLabel: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_response_bytes_total",
				Help: "Total bytes written in HTTP responses, dominated by download streaming.",
			},
			[]string{"method", "path"},
		),
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_events_total",
				Help: "Total number of realtime broker events handled, by event name.",
			},
			[]string{"event"},
		),
		eventLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_event_duration_seconds",
				Help:    "Realtime broker event handling duration in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"event"},
		),
		eventErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_event_errors_total",
				Help: "Total number of realtime broker events that failed, by event name and error kind.",
			},
			[]string{"event", "error_kind"},
		),
		chunkIOTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_store_operations_total",
				Help: "Total number of chunk store read/write operations.",
			},
			[]string{"direction"}, // "write" or "read"
		),
		chunkIOBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_store_bytes_total",
				Help: "Total bytes read from or written to chunk payload storage.",
			},
			[]string{"direction"},
		),
		chunkIODuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunk_store_operation_duration_seconds",
				Help:    "Chunk store read/write duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"direction"},
		),
		chunkIOErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_store_operation_errors_total",
				Help: "Total number of chunk store operation failures.",
			},
			[]string{"direction", "error_kind"},
		),
		evictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "content_evictions_total",
				Help: "Total number of content items removed by cleanup, by reason.",
			},
			[]string{"reason"}, // "quota-sweep", "session-leave", "manual-remove"
		),
		bufferPoolHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buffer_pool_hits_total",
				Help: "Total number of chunk buffer pool hits, by size class.",
			},
			[]string{"size_class"},
		),
		bufferPoolMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buffer_pool_misses_total",
				Help: "Total number of chunk buffer pool misses, by size class.",
			},
			[]string{"size_class"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_websocket_connections",
				Help: "Number of live WebSocket connections.",
			},
		),
		activeDownloadStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_download_streams",
				Help: "Number of in-flight range-streaming download responses.",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines.",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed.",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from the OS.",
			},
		),
	}
}

// RecordHTTPRequest records one HTTP request/response cycle.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	label := m.sanitizedPath(path)
	labels := prometheus.Labels{"method": method, "path": label, "status": http.StatusText(status)}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.httpRequestsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.httpRequestsTotal.With(labels).Inc()
		}
		if observer, ok := m.httpRequestDuration.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.httpRequestDuration.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.httpRequestsTotal.With(labels).Inc()
		m.httpRequestDuration.With(labels).Observe(duration.Seconds())
	}

	m.httpRequestBytes.WithLabelValues(method, label).Add(float64(bytes))
}

// sanitizedPath collapses the content id segment of /download/{contentId}
// into a stable label so a long-running server doesn't accumulate one time
// series per downloaded item: a multi-segment path becomes "/<first>/*".
// EnableBucketLabel=false collapses further to "/*".
func (m *Metrics) sanitizedPath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) <= 1 {
		return "/" + segs[0]
	}
	if !m.config.EnableBucketLabel {
		return "/*"
	}
	return "/" + segs[0] + "/*"
}

// RecordEvent records one realtime broker event handling, and its outcome.
func (m *Metrics) RecordEvent(ctx context.Context, event string, duration time.Duration, err error) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.eventsTotal.WithLabelValues(event).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.eventsTotal.WithLabelValues(event).Inc()
		}
		if observer, ok := m.eventLatency.WithLabelValues(event).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.eventLatency.WithLabelValues(event).Observe(duration.Seconds())
		}
	} else {
		m.eventsTotal.WithLabelValues(event).Inc()
		m.eventLatency.WithLabelValues(event).Observe(duration.Seconds())
	}

	if err != nil {
		m.eventErrors.WithLabelValues(event, string(apperror.KindOf(err))).Inc()
	}
}

// RecordChunkIO records one chunk store read or write, in bytes and latency.
func (m *Metrics) RecordChunkIO(ctx context.Context, direction string, duration time.Duration, bytes int64, err error) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.chunkIOTotal.WithLabelValues(direction).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.chunkIOTotal.WithLabelValues(direction).Inc()
		}
		if observer, ok := m.chunkIODuration.WithLabelValues(direction).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.chunkIODuration.WithLabelValues(direction).Observe(duration.Seconds())
		}
	} else {
		m.chunkIOTotal.WithLabelValues(direction).Inc()
		m.chunkIODuration.WithLabelValues(direction).Observe(duration.Seconds())
	}

	m.chunkIOBytes.WithLabelValues(direction).Add(float64(bytes))
	if err != nil {
		m.chunkIOErrors.WithLabelValues(direction, string(apperror.KindOf(err))).Inc()
	}
}

// RecordEviction records content items removed for the given reason.
func (m *Metrics) RecordEviction(reason string, count int) {
	if count <= 0 {
		return
	}
	m.evictionsTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordBufferPoolHit records a chunk buffer pool hit for a size class.
func (m *Metrics) RecordBufferPoolHit(sizeClass string) {
	m.bufferPoolHits.WithLabelValues(sizeClass).Inc()
}

// RecordBufferPoolMiss records a chunk buffer pool miss for a size class.
func (m *Metrics) RecordBufferPoolMiss(sizeClass string) {
	m.bufferPoolMisses.WithLabelValues(sizeClass).Inc()
}

// IncrementActiveConnections increments the live WebSocket connection gauge.
func (m *Metrics) IncrementActiveConnections() { m.activeConnections.Inc() }

// DecrementActiveConnections decrements the live WebSocket connection gauge.
func (m *Metrics) DecrementActiveConnections() { m.activeConnections.Dec() }

// IncrementActiveDownloadStreams increments the in-flight download gauge.
func (m *Metrics) IncrementActiveDownloadStreams() { m.activeDownloadStreams.Inc() }

// DecrementActiveDownloadStreams decrements the in-flight download gauge.
func (m *Metrics) DecrementActiveDownloadStreams() { m.activeDownloadStreams.Dec() }

// UpdateSystemMetrics refreshes the goroutine and memory gauges.
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector periodically refreshes the system gauges for
// the lifetime of the process.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler serving /metrics in the Prometheus
// exposition format, reading from the default registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts the active span's trace id from ctx, for attaching to
// a counter/histogram observation as a Prometheus exemplar.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
