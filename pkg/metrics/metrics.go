package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Provider metrics
	DatabasesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sonata_databases_total",
			Help: "Number of databases currently bound to the provider",
		},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sonata_requests_total",
			Help: "Total number of RPC requests by operation and status",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sonata_request_duration_seconds",
			Help:    "RPC handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Decorator metrics
	DeferredWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sonata_deferred_writes_total",
			Help: "Total number of writes deferred by the lazy and aggregator decorators",
		},
	)
)

func init() {
	prometheus.MustRegister(DatabasesTotal)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(DeferredWritesTotal)
}

// ObserveRequest records one handled RPC.
func ObserveRequest(op string, ok bool, start time.Time) {
	status := "ok"
	if !ok {
		status = "error"
	}
	RequestsTotal.WithLabelValues(op, status).Inc()
	RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler returns the HTTP handler exposing the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
