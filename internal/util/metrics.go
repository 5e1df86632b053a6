package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StockReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_reservations_total",
		Help: "Stock reservation attempts by outcome",
	}, []string{"result"})

	StockReserveLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stock_reserve_latency_seconds",
		Help:    "Latency of stock reservation operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	StockCacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_cache_results_total",
		Help: "Outcomes of the scripted cache reservation",
	}, []string{"result"})

	StockCacheFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_cache_fallbacks_total",
		Help: "Reservations that bypassed the cache and went straight to the ledger",
	}, []string{"reason"})

	StockCacheResyncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_cache_resync_failures_total",
		Help: "Failed cache resyncs after ledger commits",
	})

	LedgerMovementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_movements_total",
		Help: "Ledger entries appended by kind",
	}, []string{"kind"})

	FulfillmentMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fifo_fulfillment_mismatch_total",
		Help: "FIFO allocations that ran out of batches before the requested quantity",
	})

	AssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_assignments_total",
		Help: "Courier assignment attempts by outcome",
	}, []string{"result"})

	CourierLockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_lock_contention_total",
		Help: "Courier candidates skipped because another assignment held the row",
	})

	AssignmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_assignment_latency_seconds",
		Help:    "Latency of a full assignment attempt",
		Buckets: prometheus.DefBuckets,
	})

	AssignmentRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assignment_retries_total",
		Help: "Background assignment attempts by outcome",
	}, []string{"result"})

	ManualInterventionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assignment_manual_interventions_total",
		Help: "Orders escalated to manual courier assignment",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
