// Package metrics exports request and webhook outcome counters in Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inbox/cmd/internal/ingest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UnmatchedPath labels requests that matched no route, keeping label cardinality bounded.
const UnmatchedPath = "unmatched"

// Metrics owns a private registry so tests and multiple App instances never collide.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	webhook      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		webhook: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Total webhook requests",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.webhook,
	)
	// Pre-create result series so dashboards see zeros before the first event.
	for _, k := range []ingest.EventKind{
		ingest.EventCreated, ingest.EventDuplicate, ingest.EventInvalidSignature, ingest.EventValidationFailed,
	} {
		m.webhook.WithLabelValues(string(k))
	}
	return m
}

// Observe implements ingest.Observer.
func (m *Metrics) Observe(_ context.Context, ev ingest.Event) {
	m.webhook.WithLabelValues(string(ev.Kind)).Inc()
}

// ObserveRequest records one finished HTTP request. pattern is the matched
// ServeMux pattern ("GET /messages/{id}") or "" when nothing matched.
func (m *Metrics) ObserveRequest(pattern string, status int, took time.Duration) {
	path := PathLabel(pattern)
	m.httpRequests.WithLabelValues(path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(path).Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// PathLabel strips the method and host from a mux pattern.
func PathLabel(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return UnmatchedPath
	}
	if _, rest, ok := strings.Cut(pattern, " "); ok {
		pattern = strings.TrimSpace(rest)
	}
	if i := strings.Index(pattern, "/"); i > 0 {
		pattern = pattern[i:]
	}
	return pattern
}
