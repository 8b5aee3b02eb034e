package storage

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storageOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoroom_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"backend", "operation", "status"}, // status: "success" or "error"
	)

	storageOpLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echoroom_storage_operation_latency_seconds",
			Help:    "Storage operation latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"backend", "operation"},
	)
)

// observe records the outcome of one storage operation. It is deferred with a
// pointer to the named error result. Missing records are an expected answer,
// not a failure.
func observe(backend, operation string, start time.Time, errp *error) {
	status := "success"
	if err := *errp; err != nil && !errors.Is(err, ErrNotFound) {
		status = "error"
	}
	storageOpsTotal.WithLabelValues(backend, operation, status).Inc()
	storageOpLatency.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}
