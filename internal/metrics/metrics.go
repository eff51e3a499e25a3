// Package metrics exports engine and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskflow/internal/core"
)

var (
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_executions_total",
			Help: "Total number of finished task executions",
		},
		[]string{"action", "status"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskflow_execution_duration_seconds",
			Help:    "Task execution time in seconds, retries included",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"action"},
	)

	executionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskflow_executions_in_flight",
			Help: "Number of task executions currently running",
		},
	)

	firingsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_firings_skipped_total",
			Help: "Scheduled firings dropped because the task was at its instance cap",
		},
		[]string{"action"},
	)

	persistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskflow_persist_failures_total",
			Help: "Task set persistence attempts that failed",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskflow_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

// Collector records engine activity. It satisfies core.Observer.
type Collector struct{}

func NewCollector() *Collector { return &Collector{} }

func (Collector) ExecutionStarted(*core.Task) {
	executionsInFlight.Inc()
}

func (Collector) ExecutionFinished(task *core.Task, result *core.TaskResult) {
	executionsInFlight.Dec()
	executionsTotal.WithLabelValues(task.Action, string(result.Status)).Inc()
	executionDuration.WithLabelValues(task.Action).Observe(result.Duration)
}

func (Collector) FiringSkipped(task *core.Task) {
	firingsSkipped.WithLabelValues(task.Action).Inc()
}

func (Collector) PersistFailed(error) {
	persistFailures.Inc()
}

// Middleware records request counts and latency labelled by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
