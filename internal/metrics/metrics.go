// Package metrics exposes Prometheus collectors for the admission service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Validation metrics
	ValidationTotal    *prometheus.CounterVec
	ValidationDuration *prometheus.HistogramVec
	CacheLookups       *prometheus.CounterVec

	// Offline sync metrics
	SyncItemsTotal *prometheus.CounterVec
	SnapshotsTotal prometheus.Counter

	// Anchor metrics
	AnchorTransitions *prometheus.CounterVec

	// Storage operation metrics
	StorageOperationTotal *prometheus.CounterVec

	// Audit metrics
	SuspiciousTotal prometheus.Counter
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, creating and registering it on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		ValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_validations_total",
			Help: "Validation decisions by attempt type and result",
		}, []string{"attempt_type", "result"}),

		ValidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admission_validation_duration_seconds",
			Help:    "Validation latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, .8, 1},
		}, []string{"attempt_type"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_cache_lookups_total",
			Help: "Credential cache lookups by outcome",
		}, []string{"outcome"}),

		SyncItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_sync_items_total",
			Help: "Reconciled offline records by resulting status",
		}, []string{"status"}),

		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_snapshots_exported_total",
			Help: "Offline snapshots exported",
		}),

		AnchorTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_anchor_transitions_total",
			Help: "Anchor record transitions by target status",
		}, []string{"status"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage operations",
		}, []string{"operation", "status"}),

		SuspiciousTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_suspicious_attempts_total",
			Help: "Access attempts escalated as suspicious",
		}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.ValidationTotal)
	registerOrGet(m.ValidationDuration)
	registerOrGet(m.CacheLookups)
	registerOrGet(m.SyncItemsTotal)
	registerOrGet(m.SnapshotsTotal)
	registerOrGet(m.AnchorTransitions)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.SuspiciousTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
