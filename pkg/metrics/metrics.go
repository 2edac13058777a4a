// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Database
	DatabaseConnectionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "database_connections",
			Help: "Database connection pool state",
		},
		[]string{"state"},
	)

	// Auto-trading
	TradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrading_trades_total",
			Help: "Executed simulated trades",
		},
		[]string{"side", "strategy", "status"},
	)

	TradeNotional = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrading_trade_notional_total",
			Help: "Notional value moved by executed trades",
		},
		[]string{"side", "strategy"},
	)

	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrading_evaluations_total",
			Help: "Position evaluations by outcome",
		},
		[]string{"strategy", "outcome"},
	)

	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrading_conflicts_total",
			Help: "Optimistic lock conflicts by operation",
		},
		[]string{"operation"},
	)

	ReconciliationGapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autotrading_reconciliation_gaps_total",
			Help: "Sells whose balance credit failed after local commit",
		},
	)

	LifecycleTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrading_lifecycle_transitions_total",
			Help: "Strategy lifecycle transitions",
		},
		[]string{"to", "source"},
	)

	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autotrading_tick_duration_seconds",
			Help:    "Duration of scheduled evaluation ticks",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"strategy"},
	)

	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "external_call_duration_seconds",
			Help:    "Latency of calls to external collaborators",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "operation", "status"},
	)
)

// RecordTrade counts one executed trade and its notional value
func RecordTrade(side, strategy, status string, notional float64) {
	TradesTotal.WithLabelValues(side, strategy, status).Inc()
	if status == "success" && notional > 0 {
		TradeNotional.WithLabelValues(side, strategy).Add(notional)
	}
}

// RecordEvaluation counts one position evaluation
func RecordEvaluation(strategy, outcome string) {
	EvaluationsTotal.WithLabelValues(strategy, outcome).Inc()
}

// RecordConflict counts one optimistic lock conflict
func RecordConflict(operation string) {
	ConflictsTotal.WithLabelValues(operation).Inc()
}

// RecordExternalCall observes the latency of a collaborator call
func RecordExternalCall(service, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ExternalCallDuration.WithLabelValues(service, operation, status).Observe(time.Since(start).Seconds())
}
