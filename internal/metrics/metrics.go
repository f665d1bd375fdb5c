// Package metrics provides Prometheus metrics for the sync engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_mirror_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remote_mirror_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Directory cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_mirror_cache_lookups_total",
			Help: "Directory cache lookups by result",
		},
		[]string{"result"},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_mirror_cache_evictions_total",
			Help: "Directory cache evictions by reason",
		},
		[]string{"reason"},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remote_mirror_cache_entries",
			Help: "Number of cached directory listings",
		},
	)

	// Indexer metrics
	indexDirsListed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_mirror_index_directories_listed_total",
			Help: "Directories listed by the indexer",
		},
		[]string{"connection"},
	)

	indexErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_mirror_index_errors_total",
			Help: "Directories the indexer failed to list",
		},
		[]string{"connection"},
	)

	indexRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remote_mirror_index_run_duration_seconds",
			Help:    "Duration of a full index run",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"connection", "result"},
	)

	// Transfer queue metrics
	queueItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_mirror_queue_items_total",
			Help: "Queue items processed by action and result",
		},
		[]string{"connection", "action", "result"},
	)

	bytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_mirror_bytes_uploaded_total",
			Help: "Bytes published to the remote tree",
		},
		[]string{"connection"},
	)

	queuePending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remote_mirror_queue_pending",
			Help: "Queue items waiting to start",
		},
		[]string{"connection"},
	)

	// Verifier metrics
	verifyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_mirror_verify_total",
			Help: "Upload verifications by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	verifyFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remote_mirror_verify_fallbacks_total",
			Help: "Remote-exec hashing attempts that fell back to download",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remote_mirror_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordCacheLookup records a directory cache hit or miss.
func RecordCacheLookup(hit bool) {
	if hit {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
	} else {
		cacheLookupsTotal.WithLabelValues("miss").Inc()
	}
}

// RecordCacheEviction records an eviction; reason is "lru", "pinned" or "demoted".
func RecordCacheEviction(reason string) {
	cacheEvictionsTotal.WithLabelValues(reason).Inc()
}

func SetCacheEntries(count int) {
	cacheEntries.Set(float64(count))
}

func RecordIndexListed(conn string) {
	indexDirsListed.WithLabelValues(conn).Inc()
}

func RecordIndexError(conn string) {
	indexErrorsTotal.WithLabelValues(conn).Inc()
}

func RecordIndexRun(conn string, duration time.Duration, success bool) {
	indexRunDuration.WithLabelValues(conn, resultLabel(success)).Observe(duration.Seconds())
}

// RecordQueueItem records a terminal queue item.
func RecordQueueItem(conn, action string, success bool) {
	queueItemsTotal.WithLabelValues(conn, action, resultLabel(success)).Inc()
}

func RecordBytesUploaded(conn string, bytes int64) {
	bytesUploaded.WithLabelValues(conn).Add(float64(bytes))
}

func SetQueuePending(conn string, count int) {
	queuePending.WithLabelValues(conn).Set(float64(count))
}

// RecordVerify records a verification outcome and whether it fell back to download.
func RecordVerify(strategy string, success, fellBack bool) {
	verifyTotal.WithLabelValues(strategy, resultLabel(success)).Inc()
	if fellBack {
		verifyFallbacksTotal.Inc()
	}
}

func AddSSEConnections(delta int) {
	sseConnectionsActive.Add(float64(delta))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics,
// labelled by route template so connection ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
