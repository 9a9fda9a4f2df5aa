package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
)

// Metrics holds the service's collectors on a private registry. It serves
// as the pipeline and dynamic-runner metrics sink as well.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	sessionsTotal   *prometheus.CounterVec
	sessionsRunning prometheus.Gauge
	stepDuration    *prometheus.HistogramVec
	targetsTotal    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeprobe_http_requests_total",
			Help: "HTTP requests by route, method and status code",
		},
		[]string{"route", "method", "code"},
	)
	m.sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeprobe_sessions_total",
			Help: "Scan sessions by terminal phase",
		},
		[]string{"phase"},
	)
	m.sessionsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codeprobe_sessions_running",
		Help: "Scan sessions with a live worker",
	})
	m.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codeprobe_step_duration_seconds",
			Help:    "Pipeline step duration",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"step", "status"},
	)
	m.targetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeprobe_targets_total",
			Help: "Dynamic targets by outcome",
		},
		[]string{"outcome"},
	)

	m.registry.MustRegister(
		m.requestsTotal, m.sessionsTotal, m.sessionsRunning, m.stepDuration, m.targetsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionStarted() { m.sessionsRunning.Inc() }

func (m *Metrics) SessionEnded(phase domain.Phase) {
	m.sessionsRunning.Dec()
	m.sessionsTotal.WithLabelValues(string(phase)).Inc()
}

func (m *Metrics) StepObserved(step domain.StepName, status domain.StepStatus, d time.Duration) {
	m.stepDuration.WithLabelValues(string(step), string(status)).Observe(d.Seconds())
}

func (m *Metrics) TargetObserved(outcome domain.TargetState) {
	m.targetsTotal.WithLabelValues(string(outcome)).Inc()
}

// Middleware counts requests by chi route pattern, so ids do not blow up
// label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := wrap(w)
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(wrapped.statusCode)).Inc()
	})
}
