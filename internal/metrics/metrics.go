package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store metrics
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "personaliz_store_operation_duration_seconds",
			Help:    "Store operation latency including lock wait",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .5, 1},
		},
		[]string{"operation", "outcome"},
	)

	// Poller metrics
	PollerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "personaliz_poller_running",
			Help: "1 while the event poller loop is running",
		},
	)

	PollerSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "personaliz_poller_sweeps_total",
			Help: "Total completed poller sweeps",
		},
	)

	PollerSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "personaliz_poller_sweep_duration_seconds",
			Help:    "Duration of a full sweep over active handlers",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 30},
		},
	)

	HandlerChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personaliz_handler_checks_total",
			Help: "Handler evaluations by event type and outcome",
		},
		[]string{"event_type", "outcome"}, // outcome: ok, failed, not_due, skipped, unknown_type
	)

	PollerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personaliz_poller_errors_total",
			Help: "Errors swallowed by the poller loop",
		},
		[]string{"stage"}, // list_handlers, last_check
	)

	// Agent execution metrics
	AgentRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personaliz_agent_runs_total",
			Help: "Agent command executions by outcome",
		},
		[]string{"trigger", "outcome"},
	)

	// Transport metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personaliz_requests_total",
			Help: "Command surface requests by transport, route and status",
		},
		[]string{"transport", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "personaliz_request_duration_seconds",
			Help:    "Command surface request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport", "route"},
	)
)

// ObserveRequest records one transport request.
func ObserveRequest(transport, route, status string, started time.Time) {
	RequestsTotal.WithLabelValues(transport, route, status).Inc()
	RequestDuration.WithLabelValues(transport, route).Observe(time.Since(started).Seconds())
}

// ObserveStoreOp records the latency of one store call.
func ObserveStoreOp(operation string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	StoreOperationDuration.WithLabelValues(operation, outcome).Observe(time.Since(started).Seconds())
}
