// Package metrics provides Prometheus metrics for the package registry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "pub_registry"
)

var (
	// globalMetrics holds the singleton metrics instance
	globalMetrics *Metrics
	once          sync.Once
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry prometheus.Registerer

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Catalog metrics
	PackagesTotal prometheus.Gauge
	VersionsTotal prometheus.Gauge
	ArchiveBytes  prometheus.Gauge

	// Publish metrics
	UploadSessionsCreated prometheus.Counter
	UploadBytes           prometheus.Counter
	PublishesTotal        *prometheus.CounterVec

	// Download metrics
	DownloadsTotal      *prometheus.CounterVec
	DownloadBytes       prometheus.Counter
	ArchiveCacheLookups *prometheus.CounterVec

	// Storage metrics
	StorageOperations        *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Event metrics
	EventsEmitted     *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	EventSinkFailures *prometheus.CounterVec

	// Migration metrics
	MigrationItems *prometheus.CounterVec

	// Database metrics
	DBConnections prometheus.Gauge

	// Authentication metrics
	AuthAttempts *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics (singleton)
// Returns the same instance on subsequent calls
func New() *Metrics {
	once.Do(func() {
		globalMetrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return globalMetrics
}

// NewWithRegistry creates metrics with a custom registry (for testing)
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

// newMetrics creates and registers all Prometheus metrics
func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{registry: reg}

	// HTTP metrics
	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)

	// Catalog metrics
	m.PackagesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "packages_total",
			Help:      "Total number of packages in the catalog",
		},
	)

	m.VersionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "package_versions_total",
			Help:      "Total number of package versions in the catalog",
		},
	)

	m.ArchiveBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archive_bytes",
			Help:      "Total size of all published archives",
		},
	)

	// Publish metrics
	m.UploadSessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_sessions_created_total",
			Help:      "Total number of upload sessions created",
		},
	)

	m.UploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Total archive bytes accepted by uploads",
		},
	)

	m.PublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Total number of finalize attempts by result code",
		},
		[]string{"result"},
	)

	// Download metrics
	m.DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Total number of archive downloads",
		},
		[]string{"mode"},
	)

	m.DownloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Total archive bytes streamed by the server",
		},
	)

	m.ArchiveCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_cache_lookups_total",
			Help:      "Archive cache lookups by result",
		},
		[]string{"result"},
	)

	// Storage metrics
	m.StorageOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Total number of storage operations",
		},
		[]string{"backend", "operation", "status"},
	)

	m.StorageOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Storage operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"backend", "operation"},
	)

	// Event metrics
	m.EventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Total number of registry events queued for delivery",
		},
		[]string{"type"},
	)

	m.EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of registry events dropped because the queue was full",
		},
		[]string{"type"},
	)

	m.EventSinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_failures_total",
			Help:      "Total number of failed event deliveries by sink",
		},
		[]string{"sink"},
	)

	// Migration metrics
	m.MigrationItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_items_total",
			Help:      "Total number of migration items by outcome",
		},
		[]string{"outcome"},
	)

	// Database metrics
	m.DBConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections",
			Help:      "Number of open database connections",
		},
	)

	// Authentication metrics
	m.AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total number of authentication attempts",
		},
		[]string{"method", "result"},
	)

	// Register all metrics
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.PackagesTotal,
		m.VersionsTotal,
		m.ArchiveBytes,
		m.UploadSessionsCreated,
		m.UploadBytes,
		m.PublishesTotal,
		m.DownloadsTotal,
		m.DownloadBytes,
		m.ArchiveCacheLookups,
		m.StorageOperations,
		m.StorageOperationDuration,
		m.EventsEmitted,
		m.EventsDropped,
		m.EventSinkFailures,
		m.MigrationItems,
		m.DBConnections,
		m.AuthAttempts,
	)

	return m
}

// RecordHTTPRequest records metrics for an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordUploadSession records a new upload session
func (m *Metrics) RecordUploadSession() {
	if m == nil {
		return
	}
	m.UploadSessionsCreated.Inc()
}

// RecordUpload records an accepted archive upload
func (m *Metrics) RecordUpload(sizeBytes int64) {
	if m == nil {
		return
	}
	m.UploadBytes.Add(float64(sizeBytes))
}

// RecordPublish records a finalize attempt. result is "ok" or an error code.
func (m *Metrics) RecordPublish(result string) {
	if m == nil {
		return
	}
	m.PublishesTotal.WithLabelValues(result).Inc()
}

// RecordDownload records an archive download served by streaming or redirect
func (m *Metrics) RecordDownload(mode string, sizeBytes int64) {
	if m == nil {
		return
	}
	m.DownloadsTotal.WithLabelValues(mode).Inc()
	if sizeBytes > 0 {
		m.DownloadBytes.Add(float64(sizeBytes))
	}
}

// RecordArchiveCache records an archive cache hit or miss
func (m *Metrics) RecordArchiveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ArchiveCacheLookups.WithLabelValues(result).Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(backend, operation, status string, duration float64) {
	if m == nil {
		return
	}
	m.StorageOperations.WithLabelValues(backend, operation, status).Inc()
	m.StorageOperationDuration.WithLabelValues(backend, operation).Observe(duration)
}

// RecordEvent records a queued or dropped event
func (m *Metrics) RecordEvent(eventType string, dropped bool) {
	if m == nil {
		return
	}
	if dropped {
		m.EventsDropped.WithLabelValues(eventType).Inc()
		return
	}
	m.EventsEmitted.WithLabelValues(eventType).Inc()
}

// RecordEventSinkFailure records a failed delivery to a sink
func (m *Metrics) RecordEventSinkFailure(sink string) {
	if m == nil {
		return
	}
	m.EventSinkFailures.WithLabelValues(sink).Inc()
}

// RecordMigrationItem records the outcome of one migration item
func (m *Metrics) RecordMigrationItem(outcome string) {
	if m == nil {
		return
	}
	m.MigrationItems.WithLabelValues(outcome).Inc()
}

// RecordAuthAttempt records an authentication attempt
func (m *Metrics) RecordAuthAttempt(method, result string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(method, result).Inc()
}

// UpdateCatalogCounts updates the catalog gauge metrics
func (m *Metrics) UpdateCatalogCounts(packages, versions, archiveBytes int64) {
	if m == nil {
		return
	}
	m.PackagesTotal.Set(float64(packages))
	m.VersionsTotal.Set(float64(versions))
	m.ArchiveBytes.Set(float64(archiveBytes))
}

// SetDBConnections sets the number of open database connections
func (m *Metrics) SetDBConnections(open int) {
	if m == nil {
		return
	}
	m.DBConnections.Set(float64(open))
}
