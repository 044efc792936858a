package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"
)

const namespace = "cre"

// Registry holds the pipeline's Prometheus collectors.
type Registry struct {
	gatherer prometheus.Gatherer

	// Pipeline
	EventsTotal       *prometheus.CounterVec
	EventDuration     *prometheus.HistogramVec
	InFlight          prometheus.Gauge
	UndecidableTotal  *prometheus.CounterVec
	DecisionsTotal    *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	EscalationsTotal  prometheus.Counter
	FinalScore        prometheus.Histogram
	BrigadeDetections *prometheus.CounterVec

	// Dependencies
	DependencyLatency *prometheus.HistogramVec
	BreakerState      *prometheus.GaugeVec

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewRegistry registers all collectors on reg. Passing a fresh
// prometheus.NewRegistry keeps tests isolated from the default registry.
func NewRegistry(reg *prometheus.Registry) *Registry {
	f := promauto.With(reg)

	return &Registry{
		gatherer: reg,

		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Events handled by the pipeline by kind and outcome status",
		}, []string{"kind", "status"}),

		EventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "event_duration_seconds",
			Help:      "End-to-end event handling latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"kind"}),

		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "in_flight",
			Help:      "Events currently being handled",
		}),

		UndecidableTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "undecidable_total",
			Help:      "Events that could not be decided by failing dependency",
		}, []string{"dependency"}),

		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "total",
			Help:      "Decisions produced by action",
		}, []string{"action"}),

		ExecutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Action executions by action and result",
		}, []string{"action", "result"}),

		EscalationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "escalations_total",
			Help:      "Decisions escalated one step above the threshold mapping",
		}),

		FinalScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "final_score",
			Help:      "Distribution of final decision scores",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),

		BrigadeDetections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "brigade",
			Name:      "detections_total",
			Help:      "Brigade detections by detection type",
		}, []string{"type"}),

		DependencyLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "call_duration_seconds",
			Help:      "Latency of calls to external dependencies",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"dependency", "result"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"dependency"}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "handler", "status"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"method", "handler"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// ObserveEvent records a finished event.
func (r *Registry) ObserveEvent(kind, status string, d time.Duration) {
	r.EventsTotal.WithLabelValues(kind, status).Inc()
	r.EventDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (r *Registry) ObserveDependency(dependency string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.DependencyLatency.WithLabelValues(dependency, result).Observe(d.Seconds())
}

// SetBreakerState maps a gobreaker state onto the gauge.
func (r *Registry) SetBreakerState(dependency string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	r.BreakerState.WithLabelValues(dependency).Set(v)
}

// InstrumentHandler wraps an HTTP handler with request metrics.
func (r *Registry) InstrumentHandler(handlerName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, req)

		r.HTTPRequestDuration.WithLabelValues(req.Method, handlerName).Observe(time.Since(start).Seconds())
		r.HTTPRequestsTotal.WithLabelValues(req.Method, handlerName, statusCodeClass(rw.statusCode)).Inc()
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func statusCodeClass(code int) string {
	if code < 100 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}
