// Package metrics holds the Prometheus collectors shared by the sync job,
// the ledger and the HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "brandstreet"

var (
	// TrendBatches counts upstream fetch batches by result (ok, retry, failed).
	TrendBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trend_batches_total",
		Help:      "Trend fetch batches by result.",
	}, []string{"result"})

	// TrendKeywords counts keywords scored by outcome (scored, insufficient, degraded).
	TrendKeywords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trend_keywords_total",
		Help:      "Keywords processed by the trend engine by outcome.",
	}, []string{"outcome"})

	// SyncedBrands counts brand rows written by the sync gateway.
	SyncedBrands = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "synced_brands_total",
		Help:      "Brand rows upserted by sync runs.",
	})

	// SyncDuration observes whole sync runs.
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Duration of sync runs in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	// LedgerOps counts ledger operations by kind and result.
	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_operations_total",
		Help:      "Stake and liquidate calls by result.",
	}, []string{"op", "result"})

	// LedgerRetries counts transactions replayed after a version conflict.
	LedgerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_retries_total",
		Help:      "Ledger transactions retried after an optimistic version conflict.",
	}, []string{"op"})

	// HTTPRequests counts API requests by route template, method and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP API requests by route, method and status code.",
	}, []string{"route", "method", "code"})
)
