package middleware

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
)

// Compile-time interface check.
var _ domain.Recorder = (*Metrics)(nil)

// Metrics holds the Prometheus collectors of the server on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestsInFlight prometheus.Gauge

	scansStarted  prometheus.Counter
	scansFinished *prometheus.CounterVec
	scansRunning  prometheus.Gauge

	eventsDropped     *prometheus.CounterVec
	streamSubscribers prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scan_orchestrator",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		requestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scan_orchestrator",
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served, including open event streams.",
		}),
		scansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scan_orchestrator",
			Name:      "scans_started_total",
			Help:      "Scans whose worker launch was attempted.",
		}),
		scansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scan_orchestrator",
			Name:      "scans_finished_total",
			Help:      "Scans that reached a terminal status.",
		}, []string{"status"}),
		scansRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scan_orchestrator",
			Name:      "scans_running",
			Help:      "Scans currently running.",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scan_orchestrator",
			Name:      "stream_events_dropped_total",
			Help:      "Log events dropped for slow stream subscribers.",
		}, []string{"type"}),
		streamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scan_orchestrator",
			Name:      "stream_subscribers",
			Help:      "Open event stream connections.",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestsInFlight,
		m.scansStarted,
		m.scansFinished,
		m.scansRunning,
		m.eventsDropped,
		m.streamSubscribers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ScanStarted() {
	m.scansStarted.Inc()
	m.scansRunning.Inc()
}

func (m *Metrics) ScanFinished(status domain.Status) {
	m.scansFinished.WithLabelValues(string(status)).Inc()
	m.scansRunning.Dec()
}

// EventDropped matches the event bus drop hook.
func (m *Metrics) EventDropped(_ domain.ScanID, ev domain.Event) {
	m.eventsDropped.WithLabelValues(string(ev.Type)).Inc()
}

func (m *Metrics) StreamOpened() { m.streamSubscribers.Inc() }
func (m *Metrics) StreamClosed() { m.streamSubscribers.Dec() }

// Middleware tracks request metrics
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requestsInFlight.Inc()
		defer m.requestsInFlight.Dec()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		m.requestsTotal.WithLabelValues(r.Method, strconv.Itoa(wrapped.statusCode)).Inc()
	})
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
