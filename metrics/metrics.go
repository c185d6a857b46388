// Package metrics exposes the prometheus instrumentation of the proxy.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "granite_requests_total",
		Help: "Routed requests by downstream scheme and response status class.",
	}, []string{"scheme", "class"})

	CacheStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "granite_cache_requests_total",
		Help: "Requests by cache outcome (hit, miss, bypass).",
	}, []string{"status"})

	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "granite_cache_size_bytes",
		Help: "Summed stored size of live cache entries.",
	})

	UpstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "granite_upstream_attempts_total",
		Help: "Upstream connect attempts by result (ok, connect_error, error).",
	}, []string{"result"})

	OriginsDown = promauto.NewCounter(prometheus.CounterOpts{
		Name: "granite_origins_marked_down_total",
		Help: "Origins marked down after connect failures.",
	})

	ResponseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "granite_response_duration_seconds",
		Help:    "Time from request receipt to response completion.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	RoutesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "granite_routes_active",
		Help: "Routes present in the route table.",
	})
)

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
