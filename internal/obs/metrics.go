// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"
	"time"

	"github.com/jross/workitem-queue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ItemsReserved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workitem_reserved_total",
		Help: "Total number of work items reserved from an input queue",
	}, []string{"backend", "queue"})
	ItemsReleased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workitem_released_total",
		Help: "Total number of work items released to a terminal state",
	}, []string{"backend", "queue", "state"})
	ItemsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workitem_created_total",
		Help: "Total number of work items created via seed_input or create_output",
	}, []string{"backend", "queue", "source"})
	OrphansRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workitem_orphans_recovered_total",
		Help: "Total number of RESERVED work items recovered back to PENDING",
	}, []string{"backend", "queue"})
	BackendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workitem_backend_errors_total",
		Help: "Total number of adapter operations that returned an error, by kind",
	}, []string{"backend", "op", "kind"})
	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workitem_operation_duration_seconds",
		Help:    "Histogram of adapter operation durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "workitem_queue_depth",
		Help: "Best-effort count of PENDING items, sampled periodically",
	}, []string{"backend", "queue"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "workitem_circuit_breaker_state",
		Help: "Circuit breaker state guarding a network backend: 0=closed 1=half-open 2=open",
	}, []string{"backend"})
)

func init() {
	prometheus.MustRegister(ItemsReserved, ItemsReleased, ItemsCreated, OrphansRecovered, BackendErrors, OperationDuration, QueueDepth, CircuitBreakerState)
}

// ObserveDuration returns a func to be deferred at the top of an adapter
// method: defer obs.ObserveDuration(backendName, "reserve_input")(time.Now()).
func ObserveDuration(backend, op string) func(start time.Time) {
	return func(start time.Time) {
		OperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	}
}

// StartMetricsServer exposes /metrics for scraping and returns the server for
// controlled shutdown by the caller.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
