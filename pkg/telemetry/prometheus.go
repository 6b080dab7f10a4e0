package telemetry

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of a glyphcloak process. It
// satisfies the batch client's Recorder.
type Metrics struct {
	// Transform metrics
	cacheLookups    *prometheus.CounterVec
	transformCalls  *prometheus.CounterVec
	transformTiming prometheus.Histogram

	// Pipeline metrics
	pipelineRuns  *prometheus.CounterVec
	unitsHandled  *prometheus.CounterVec
	fontLoads     *prometheus.CounterVec
	copyRequests  *prometheus.CounterVec
	searchQueries prometheus.Counter

	// Session metrics
	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	sessionDuration prometheus.Histogram

	// Service metrics
	textsEncrypted      prometheus.Counter
	rateLimited         *prometheus.CounterVec
	configReloads       *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers every collector on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glyphcloak_cache_lookups_total",
				Help: "Transform cache lookups by result",
			},
			[]string{"result"},
		),

		transformCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glyphcloak_transform_calls_total",
				Help: "Calls to the transform service by status, retries included",
			},
			[]string{"status"},
		),

		transformTiming: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "glyphcloak_transform_call_duration_seconds",
				Help:    "Transform service call latency in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
		),

		pipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glyphcloak_pipeline_runs_total",
				Help: "Extract, transform and rewrite runs by trigger",
			},
			[]string{"trigger"},
		),

		unitsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glyphcloak_units_total",
				Help: "Text units by final state",
			},
			[]string{"state"},
		),

		fontLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glyphcloak_font_loads_total",
				Help: "Cloaking font loads by status",
			},
			[]string{"status"},
		),

		copyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glyphcloak_copy_requests_total",
				Help: "Copy interceptions by payload source",
			},
			[]string{"source"},
		),

		searchQueries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "glyphcloak_search_queries_total",
				Help: "Search queries matched against cloaked text",
			},
		),

		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "glyphcloak_sessions_active",
				Help: "Number of currently active page sessions",
			},
		),

		sessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "glyphcloak_sessions_total",
				Help: "Total number of page sessions created",
			},
		),

		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "glyphcloak_session_duration_seconds",
				Help:    "Page session duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
			},
		),

		textsEncrypted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "glyphcloak_texts_encrypted_total",
				Help: "Texts cloaked by the transform service",
			},
		),

		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glyphcloak_rate_limited_total",
				Help: "Requests refused by the rate limiter",
			},
			[]string{"endpoint"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glyphcloak_config_reloads_total",
				Help: "Configuration reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glyphcloak_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "glyphcloak_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.cacheLookups,
		m.transformCalls,
		m.transformTiming,
		m.pipelineRuns,
		m.unitsHandled,
		m.fontLoads,
		m.copyRequests,
		m.searchQueries,
		m.sessionsActive,
		m.sessionsTotal,
		m.sessionDuration,
		m.textsEncrypted,
		m.rateLimited,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordCache records cache hits and misses of one sub-batch.
func (m *Metrics) RecordCache(hits, misses int) {
	m.cacheLookups.WithLabelValues("hit").Add(float64(hits))
	m.cacheLookups.WithLabelValues("miss").Add(float64(misses))
}

// RecordCall records one transform service call.
func (m *Metrics) RecordCall(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.transformCalls.WithLabelValues(status).Inc()
	m.transformTiming.Observe(d.Seconds())
}

// RecordRun records a pipeline run.
func (m *Metrics) RecordRun(trigger string, rewritten, failed int) {
	m.pipelineRuns.WithLabelValues(trigger).Inc()
	m.unitsHandled.WithLabelValues("rewritten").Add(float64(rewritten))
	m.unitsHandled.WithLabelValues("plaintext").Add(float64(failed))
}

// RecordFontLoad records a cloaking font load.
func (m *Metrics) RecordFontLoad(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.fontLoads.WithLabelValues(status).Inc()
}

// RecordCopy records a copy interception by payload source.
func (m *Metrics) RecordCopy(source string) {
	m.copyRequests.WithLabelValues(source).Inc()
}

// RecordSearch records a search query.
func (m *Metrics) RecordSearch() {
	m.searchQueries.Inc()
}

// RecordSessionCreated records a new session.
func (m *Metrics) RecordSessionCreated() {
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

// RecordSessionClosed records a session closure.
func (m *Metrics) RecordSessionClosed(duration time.Duration) {
	m.sessionsActive.Dec()
	m.sessionDuration.Observe(duration.Seconds())
}

// RecordEncrypted counts texts cloaked by the service.
func (m *Metrics) RecordEncrypted(n int) {
	m.textsEncrypted.Add(float64(n))
}

// RecordRateLimited records a refused request.
func (m *Metrics) RecordRateLimited(path string) {
	m.rateLimited.WithLabelValues(endpointName(path)).Inc()
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware records request counts and latency.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.StatusCode), time.Since(start))
	})
}

// ResponseWriter captures the status code and size of a response.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Bytes      int
}

// WriteHeader records the status code.
func (rw *ResponseWriter) WriteHeader(code int) {
	rw.StatusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += n
	return n, err
}

// Flush implements http.Flusher when the wrapped writer does.
func (rw *ResponseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker when the wrapped writer does.
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("underlying ResponseWriter does not support http.Hijacker")
}

// endpointName bounds label cardinality to the known routes.
func endpointName(path string) string {
	switch path {
	case "/encrypt", "/encrypt/batch", "/encrypt/page", "/encrypt/query", "/decrypt",
		"/health", "/glyphs", "/metrics":
		return strings.TrimPrefix(path, "/")
	}
	if strings.HasPrefix(path, "/_cloak/") {
		return "cloak"
	}
	return "other"
}
