// Package metrics exposes the Prometheus registry shared by storefront-cache.
// All metrics are defined in their respective packages (cache, client,
// connectivity, records, refresh, warmup) to maintain modularity and avoid
// circular dependencies.
//
// This package provides the HTTP handler and a reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by storefront-cache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics registered in Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - storefront_cache_hits_total{layer} (Counter): Hits by layer (durable, backup)
//   - storefront_cache_misses_total{category} (Counter): Misses by category
//   - storefront_cache_expired_total{category} (Counter): Entries dropped on read for age
//   - storefront_cache_backup_restores_total (Counter): Backup entries copied back to the durable store
//   - storefront_cache_errors_total{operation} (Counter): Storage failures by operation
//   - storefront_cache_clears_total{scope} (Counter): Clears by scope (user, all)
//   - storefront_cache_revalidations_total (Counter): Entries re-stamped after 304 Not Modified
//
// Record Metrics (pkg/records):
//   - storefront_records_sweeps_total (Counter): Sweeps run
//   - storefront_records_swept_total (Counter): Records removed by sweeps
//   - storefront_records_errors_total{operation} (Counter): Record store failures
//
// Connectivity Metrics (pkg/connectivity):
//   - storefront_online (Gauge): 1 while the backend is reachable
//   - storefront_connectivity_transitions_total{to} (Counter): Online/offline transitions
//   - storefront_connectivity_probe_failures_total (Counter): Failed probes
//
// Request Metrics (pkg/client):
//   - storefront_backend_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - storefront_backend_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - storefront_backend_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, envelope)
//
// Retry Metrics (pkg/client):
//   - storefront_backend_retries_total{error_class} (Counter): Retry attempts by error class
//   - storefront_backend_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - storefront_backend_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Loader Metrics (pkg/refresh, pkg/warmup):
//   - storefront_refresh_loads_total{outcome} (Counter): Loads by outcome
//   - storefront_refresh_coalesced_total (Counter): Loads that joined an in-flight fetch
//   - storefront_warmup_jobs_total{result} (Counter): Warmup jobs by result
//   - storefront_warmup_duration_seconds (Histogram): Warmup run duration
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(storefront_cache_hits_total[5m])) /
//   (sum(rate(storefront_cache_hits_total[5m])) + sum(rate(storefront_cache_misses_total[5m])))
//
//   # Time spent offline
//   avg_over_time(storefront_online[1h])
//
//   # Request Error Rate
//   rate(storefront_backend_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(storefront_backend_request_duration_seconds_bucket[5m]))
//
//   # Share of loads served from cache after a failed refresh
//   rate(storefront_refresh_loads_total{outcome="fallback"}[5m]) / rate(storefront_refresh_loads_total[5m])
