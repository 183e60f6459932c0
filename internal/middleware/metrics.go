package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricHTTPRequestDuration = "offboard_http_request_duration_seconds"
	MetricHTTPRequestsTotal   = "offboard_http_requests_total"
)

// RouteOther labels every path outside the known route set.
const RouteOther = "other"

// Metrics contains Prometheus metrics for the ops server.
type Metrics struct {
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	routes              map[string]bool
}

// NewMetrics creates unregistered HTTP metrics. Only the given routes are
// used as path labels; anything else is counted as RouteOther.
func NewMetrics(routes ...string) *Metrics {
	known := make(map[string]bool, len(routes))
	for _, r := range routes {
		known[r] = true
	}
	return &Metrics{
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPRequestDuration,
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricHTTPRequestsTotal,
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		routes: known,
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.httpRequestDuration, m.httpRequestsTotal}
}

func (m *Metrics) route(path string) string {
	if m.routes[path] {
		return path
	}
	return RouteOther
}

// ObserveHTTPRequest records one request.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, seconds float64) {
	labels := prometheus.Labels{
		"method": method,
		"path":   m.route(path),
		"status": strconv.Itoa(status),
	}
	m.httpRequestDuration.With(labels).Observe(seconds)
	m.httpRequestsTotal.With(labels).Inc()
}

// HTTPMetrics records duration and count per request.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)
			metrics.ObserveHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start).Seconds())
		})
	}
}
