// Package metrics defines the Prometheus metrics exposed by the tracer. They are registered on a private registry so
// only tracer metrics are served, not the default Go collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	auto     = promauto.With(registry)
)

var (
	// Requests counts the trace requests answered, by HTTP status code.
	Requests = auto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtrace_trace_requests_total",
		Help: "Total number of trace requests by response status code",
	}, []string{"code"})

	CacheHits = auto.NewCounter(prometheus.CounterOpts{
		Name: "dtrace_cache_hits_total",
		Help: "Total number of traces served from the result cache",
	})
	CacheMisses = auto.NewCounter(prometheus.CounterOpts{
		Name: "dtrace_cache_misses_total",
		Help: "Total number of cache lookups that had to be resolved against the ledger",
	})

	// LedgerErrors counts data source failures by the operation that failed.
	LedgerErrors = auto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtrace_ledger_errors_total",
		Help: "Total number of ledger operations that failed",
	}, []string{"op"})

	ResolveDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dtrace_resolve_duration_seconds",
		Help:    "Time taken to resolve a trace against the ledger",
		Buckets: prometheus.DefBuckets,
	})

	PublishFailures = auto.NewCounter(prometheus.CounterOpts{
		Name: "dtrace_publish_failures_total",
		Help: "Total number of trace events that could not be published to the message broker",
	})
)

// WatchCache exposes the number of cached traces returned by size. Call it once, after the cache is built.
func WatchCache(size func() float64) {
	auto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dtrace_cache_entries",
		Help: "Number of traces held by the result cache",
	}, size)
}

// Handler serves the metrics of the private registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
