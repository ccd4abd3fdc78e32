package rowstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Row store metrics
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowstore_operations_total",
		Help: "Total number of row store operations",
	}, []string{"backend", "operation", "status"})

	Latency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rowstore_latency_seconds",
		Help:    "Latency of row store operations",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"backend", "operation"})

	// Snapshot cache metrics
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rowstore_cache_hits_total",
		Help: "The total number of row snapshot cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rowstore_cache_misses_total",
		Help: "The total number of row snapshot cache misses",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rowstore_cache_evictions_total",
		Help: "Total number of row snapshot cache evictions",
	})
)

// Observe records the outcome and latency of one backend operation.
func Observe(backend, op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	Operations.WithLabelValues(backend, op, status).Inc()
	Latency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
