// Package metrics holds the Prometheus collectors and the lock-free
// dashboard counters shared by every protocol adapter.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nora_http_requests_total",
		Help: "Total HTTP requests by registry, method and status code.",
	}, []string{"registry", "method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nora_http_request_duration_seconds",
		Help:    "HTTP request latency by registry and method.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"registry", "method"})

	cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nora_cache_requests_total",
		Help: "Cache lookups by registry and result (hit or miss).",
	}, []string{"registry", "result"})

	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nora_storage_operations_total",
		Help: "Storage backend operations by operation and outcome.",
	}, []string{"operation", "status"})

	artifactsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nora_artifacts_total",
		Help: "Number of artifacts known to the repository index, per registry.",
	}, []string{"registry"})
)

// RecordHTTPRequest records one served request.
func RecordHTTPRequest(registry, method string, status int, elapsed time.Duration) {
	httpRequests.WithLabelValues(registry, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(registry, method).Observe(elapsed.Seconds())
}

// RecordCacheResult records a local lookup outcome for a registry.
func RecordCacheResult(registry string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheRequests.WithLabelValues(registry, result).Inc()
}

// RecordStorageOperation records a storage backend call.
func RecordStorageOperation(operation string, ok bool) {
	status := "error"
	if ok {
		status = "success"
	}
	storageOperations.WithLabelValues(operation, status).Inc()
}

// SetArtifactCount publishes the artifact count for a registry. Called
// by the repository index after a rebuild.
func SetArtifactCount(registry string, n int) {
	artifactsTotal.WithLabelValues(registry).Set(float64(n))
}

// Handler returns the Prometheus text exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RegistryForPath maps a request path to the registry label used in
// the HTTP metrics.
func RegistryForPath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v2"):
		return "docker"
	case strings.HasPrefix(path, "/maven2"):
		return "maven"
	case strings.HasPrefix(path, "/npm"):
		return "npm"
	case strings.HasPrefix(path, "/cargo"):
		return "cargo"
	case strings.HasPrefix(path, "/simple"):
		return "pypi"
	case strings.HasPrefix(path, "/raw"):
		return "raw"
	default:
		return "other"
	}
}
