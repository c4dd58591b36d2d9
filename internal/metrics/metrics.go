// Package metrics holds the peer's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transactions_total",
		Help: "Total transactions by operation and outcome code (ok on success).",
	}, []string{"op", "status"})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_commit_duration_seconds",
		Help:    "Time to validate and apply one block.",
		Buckets: prometheus.DefBuckets,
	})

	blockHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_block_height",
		Help: "Highest block height committed to the State Store.",
	})

	projectedHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_projected_height",
		Help: "Highest block height folded into the Index and History Log.",
	})

	historyEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_history_entries_total",
		Help: "Total History Log entries appended.",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RecordTransaction counts one committed or rejected transaction.
func RecordTransaction(op, status string) {
	transactionsTotal.WithLabelValues(op, status).Inc()
}

// ObserveCommit records how long a block took to commit and the new height.
func ObserveCommit(d time.Duration, height uint64) {
	commitDuration.Observe(d.Seconds())
	blockHeight.Set(float64(height))
}

// SetProjectedHeight records the projector's progress.
func SetProjectedHeight(height uint64) {
	projectedHeight.Set(float64(height))
}

// RecordHistoryEntry counts one appended History Log entry.
func RecordHistoryEntry() {
	historyEntriesTotal.Inc()
}

// ObserveRequest records one served HTTP request.
func ObserveRequest(method, path, status string, d time.Duration) {
	requestsTotal.WithLabelValues(method, path, status).Inc()
	requestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
