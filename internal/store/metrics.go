package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_store_operations_total",
			Help: "Total number of identity store operations",
		},
		[]string{"driver", "op", "table", "result"},
	)

	storeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aggregator_store_operation_duration_seconds",
			Help:    "Identity store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"driver", "op"},
	)

	storeRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_store_insert_unique_retries_total",
			Help: "Insert-or-fetch statements re-executed after a concurrent insert hid the row",
		},
		[]string{"table"},
	)
)

func observe(driver, op, table string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case IsResolution(err):
		result = "unresolved"
	default:
		result = "error"
	}
	storeOpsTotal.WithLabelValues(driver, op, table, result).Inc()
	storeOpDuration.WithLabelValues(driver, op).Observe(time.Since(start).Seconds())
}
