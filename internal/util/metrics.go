package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SalesSettledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sales_settled_total",
		Help: "Total number of sales settled",
	})

	SalesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sales_rejected_total",
		Help: "Total number of sales rejected",
	}, []string{"reason"})

	SalesAmountTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sales_amount_total",
		Help: "Sum of amounts charged to accounts by settled sales",
	})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_total",
		Help: "Total number of refund attempts by outcome",
	}, []string{"outcome"})

	DepositsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deposits_total",
		Help: "Total number of wallet deposits recorded",
	})

	CommissionChargedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commission_charged_total",
		Help: "Sum of commission debited from school credit accounts",
	})

	CommissionShortfallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commission_shortfalls_total",
		Help: "Total number of sales whose commission could not be debited",
	})

	CatalogLinesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_lines_dropped_total",
		Help: "Cart lines dropped while pricing",
	}, []string{"reason"})

	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_latency_seconds",
		Help:    "Latency of settlement operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	IntentsOrphanedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_intents_orphaned_total",
		Help: "Pending settlement intents that outlived their request",
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
