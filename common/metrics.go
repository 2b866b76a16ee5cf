package common

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the fixed set of counters both tiers register before serving
// traffic. Counters are append-only and never read back for control-flow
// decisions.
type Metrics struct {
	HTTPRequestsTotal        *prometheus.CounterVec
	DBOperationFailuresTotal prometheus.Counter
	AssignmentOutcomesTotal  *prometheus.CounterVec
	TaskOutcomesTotal        *prometheus.CounterVec
	JobResultsTotal          *prometheus.CounterVec
}

// NewMetrics builds and registers the counters under namespace ("manager" or
// "agent") on a fresh registry, so the two processes never collide on a
// shared default registry.
func NewMetrics(namespace string) (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "status"}),
		DBOperationFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_operation_failures_total",
			Help:      "Durable-store commits that failed without aborting the underlying state transition.",
		}),
		AssignmentOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignment_outcomes_total",
			Help:      "Assignments reaching a terminal outcome, by outcome.",
		}, []string{"outcome"}),
		TaskOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Tasks reaching a terminal outcome, by reason.",
		}, []string{"reason"}),
		JobResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_results_total",
			Help:      "Evacuate objects reaching a terminal status, by status (mirrors job_results table).",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.DBOperationFailuresTotal,
		m.AssignmentOutcomesTotal,
		m.TaskOutcomesTotal,
		m.JobResultsTotal,
	)
	return m, reg
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// HTTPMetricsMiddleware counts every served request by method+path and
// status code.
func HTTPMetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.HTTPRequestsTotal.WithLabelValues(r.Method+" "+r.URL.Path, strconv.Itoa(rec.status)).Inc()
		})
	}
}

// ServeMetrics starts a /metrics endpoint on addr and returns the server so
// the caller can Shutdown it on process exit. Non-blocking.
func ServeMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

// ShutdownMetrics gives the metrics server a bounded grace period to drain.
func ShutdownMetrics(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
