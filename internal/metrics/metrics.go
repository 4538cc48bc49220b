// Package metrics provides Prometheus metrics for the object store.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine and fan-out.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Write pipeline metrics
	WritesTotal       *prometheus.CounterVec
	WriteSkipsTotal   prometheus.Counter
	DeletesTotal      *prometheus.CounterVec
	ValidationErrors  *prometheus.CounterVec
	RenamesTotal      *prometheus.CounterVec

	// Storage metrics
	StorageOperations *prometheus.CounterVec
	StorageLatency    *prometheus.HistogramVec
	StorageErrors     *prometheus.CounterVec

	// Schema cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheSize   *prometheus.GaugeVec

	// Broadcast metrics
	BroadcastsTotal  *prometheus.CounterVec
	BroadcastLatency prometheus.Histogram

	// Fan-out metrics
	ConnectionsActive  prometheus.Gauge
	SubscriptionsTotal *prometheus.GaugeVec
	FramesSent         prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflectdb_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reflectdb_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reflectdb_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	m.WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflectdb_writes_total",
			Help: "Total number of record writes through the engine",
		},
		[]string{"class", "status"},
	)

	m.WriteSkipsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reflectdb_write_skips_total",
			Help: "Writes skipped because the diff against the prior record was empty",
		},
	)

	m.DeletesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflectdb_deletes_total",
			Help: "Total number of record deletions",
		},
		[]string{"class", "status"},
	)

	m.ValidationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflectdb_validation_errors_total",
			Help: "Per-field validation failures by class",
		},
		[]string{"class"},
	)

	m.RenamesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflectdb_renames_total",
			Help: "Rename propagations by kind (class, prop) and status",
		},
		[]string{"kind", "status"},
	)

	m.StorageOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflectdb_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"backend", "operation"},
	)

	m.StorageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reflectdb_storage_latency_seconds",
			Help:    "Storage operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	m.StorageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflectdb_storage_errors_total",
			Help: "Total number of storage errors",
		},
		[]string{"backend", "operation"},
	)

	m.CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflectdb_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	m.CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflectdb_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	m.CacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reflectdb_cache_size",
			Help: "Current cache size",
		},
		[]string{"cache"},
	)

	m.BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflectdb_broadcasts_total",
			Help: "Change batches posted to the fan-out service",
		},
		[]string{"status"},
	)

	m.BroadcastLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reflectdb_broadcast_latency_seconds",
			Help:    "Broadcast POST latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		},
	)

	m.ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reflectdb_fanout_connections_active",
			Help: "Active WebSocket connections",
		},
	)

	m.SubscriptionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reflectdb_fanout_subscriptions",
			Help: "Active subscriptions by kind (class, object, scope)",
		},
		[]string{"kind"},
	)

	m.FramesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reflectdb_fanout_frames_sent_total",
			Help: "Change frames delivered to subscribers",
		},
	)

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.WritesTotal,
		m.WriteSkipsTotal,
		m.DeletesTotal,
		m.ValidationErrors,
		m.RenamesTotal,
		m.StorageOperations,
		m.StorageLatency,
		m.StorageErrors,
		m.CacheHits,
		m.CacheMisses,
		m.CacheSize,
		m.BroadcastsTotal,
		m.BroadcastLatency,
		m.ConnectionsActive,
		m.SubscriptionsTotal,
		m.FramesSent,
	)

	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Middleware returns HTTP middleware that records request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		m.RequestsInFlight.Inc()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RequestsInFlight.Dec()
		duration := time.Since(start).Seconds()

		path := normalizePath(r.URL.Path)

		m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath collapses record paths to their route shapes to keep label
// cardinality bounded.
func normalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 {
		return path
	}
	switch parts[0] {
	case "store":
		switch len(parts) {
		case 2:
			return "/store/{class}"
		case 3:
			return "/store/{class}/{id}"
		case 4:
			return "/store/{class}/{id}/{prop}"
		}
	case "class":
		switch len(parts) {
		case 2:
			return "/class/{id}"
		case 3:
			return "/class/{id}/" + parts[2]
		}
	case "query":
		if len(parts) == 2 {
			return "/query/{class}"
		}
	case "find":
		if len(parts) == 2 {
			return "/find/{id}"
		}
	}
	return path
}

// RecordWrite records the outcome of an engine write.
func (m *Metrics) RecordWrite(classID string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.WritesTotal.WithLabelValues(classID, status).Inc()
}

// RecordDelete records the outcome of an engine delete.
func (m *Metrics) RecordDelete(classID string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.DeletesTotal.WithLabelValues(classID, status).Inc()
}

// RecordStorageOperation records a storage operation.
func (m *Metrics) RecordStorageOperation(backend, operation string, duration time.Duration, err error) {
	m.StorageOperations.WithLabelValues(backend, operation).Inc()
	m.StorageLatency.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if err != nil {
		m.StorageErrors.WithLabelValues(backend, operation).Inc()
	}
}

// RecordCacheAccess records a cache access.
func (m *Metrics) RecordCacheAccess(cache string, hit bool) {
	if hit {
		m.CacheHits.WithLabelValues(cache).Inc()
	} else {
		m.CacheMisses.WithLabelValues(cache).Inc()
	}
}

// RecordBroadcast records one change batch POST.
func (m *Metrics) RecordBroadcast(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.BroadcastsTotal.WithLabelValues(status).Inc()
	m.BroadcastLatency.Observe(duration.Seconds())
}

// RecordRename records one rename propagation.
func (m *Metrics) RecordRename(kind string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.RenamesTotal.WithLabelValues(kind, status).Inc()
}

// UpdateCacheSize updates the cache size gauge.
func (m *Metrics) UpdateCacheSize(cache string, size float64) {
	m.CacheSize.WithLabelValues(cache).Set(size)
}

// UpdateSubscriptions updates the fan-out subscription gauge for a kind.
func (m *Metrics) UpdateSubscriptions(kind string, count float64) {
	m.SubscriptionsTotal.WithLabelValues(kind).Set(count)
}
