// Package metrics holds the Prometheus collectors for downloads, the asset
// cache, generation and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ember"

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultMiss  = "miss"
)

var (
	registry = prometheus.NewRegistry()

	fetchBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_bytes_total",
			Help:      "Bytes received while downloading assets.",
		},
		[]string{"asset"},
	)

	fetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Asset downloads by outcome.",
		},
		[]string{"asset", "result"},
	)

	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_ops_total",
			Help:      "Asset cache operations by outcome.",
		},
		[]string{"op", "result"},
	)

	generatedTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generate_tokens_total",
			Help:      "Tokens sampled by the generation engine.",
		},
	)

	generateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generate_duration_seconds",
			Help:      "Wall time of generate calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served by the API.",
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		fetchBytes, fetches, cacheOps, generatedTokens, generateDuration, httpRequests,
	)
}

// Registry exposes the package registry, mostly for tests.
func Registry() *prometheus.Registry { return registry }

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func FetchBytes(asset string, n int) {
	fetchBytes.WithLabelValues(asset).Add(float64(n))
}

func FetchDone(asset string, err error) {
	fetches.WithLabelValues(asset, result(err)).Inc()
}

// CacheOp records one cache operation. Pass ResultMiss for a clean miss.
func CacheOp(op, res string) {
	cacheOps.WithLabelValues(op, res).Inc()
}

func Generated(tokens int, elapsed time.Duration) {
	generatedTokens.Add(float64(tokens))
	generateDuration.Observe(elapsed.Seconds())
}

func HTTPRequest(method, route string, status int) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
