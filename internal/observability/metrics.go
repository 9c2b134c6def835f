package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	QueueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueued_total",
			Help: "Total number of job envelopes enqueued",
		},
		[]string{"queue"},
	)
	QueueRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_retries_total",
			Help: "Total number of job retries scheduled",
		},
		[]string{"queue"},
	)
	DeadLetterTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letter_total",
			Help: "Total number of envelopes routed to the dead-letter queue",
		},
		[]string{"queue"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "End-to-end job duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600, 900, 1200, 1800},
		},
		[]string{"queue", "outcome"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of envelopes waiting per queue",
		},
		[]string{"queue"},
	)
	WorkersBusy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workers_busy",
			Help: "Number of worker slots currently executing a job",
		},
		[]string{"queue"},
	)

	AuditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_dropped_total",
			Help: "Audit events dropped because the batcher queue was full",
		},
	)
	AuditFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_flushed_total",
			Help: "Audit events flushed to durable storage",
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
	CircuitBreakerOpensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_opens_total",
			Help: "Total number of circuit breaker open transitions",
		},
		[]string{"name"},
	)

	OCRRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocr_requests_total",
			Help: "Total number of OCR provider calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	OCRRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocr_request_duration_seconds",
			Help:    "OCR provider call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)
)

// InitMetrics registers all collectors on the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(QueueEnqueuedTotal)
	prometheus.MustRegister(QueueRetriesTotal)
	prometheus.MustRegister(DeadLetterTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersBusy)
	prometheus.MustRegister(AuditDroppedTotal)
	prometheus.MustRegister(AuditFlushedTotal)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerOpensTotal)
	prometheus.MustRegister(OCRRequestsTotal)
	prometheus.MustRegister(OCRRequestDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// ObserveJobDuration records a finished job run.
func ObserveJobDuration(queue, outcome string, d time.Duration) {
	JobDuration.WithLabelValues(queue, outcome).Observe(d.Seconds())
}
