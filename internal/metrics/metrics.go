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

	// Storage operation metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Schema validation metrics
	SchemaValidationTotal    *prometheus.CounterVec
	SchemaValidationDuration *prometheus.HistogramVec

	// Ingestion metrics
	MessagesTotal   *prometheus.CounterVec // by kind and outcome
	BrokerState     *prometheus.GaugeVec   // 1 for the current state, 0 otherwise
	ReconnectsTotal prometheus.Counter

	// Notification metrics
	NotificationBatchesTotal *prometheus.CounterVec

	// Aggregation metrics
	AggregationRunsTotal   *prometheus.CounterVec
	AggregationDuration    prometheus.Histogram
	AggregatedDevicesTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
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

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schema_validation_total",
			Help: "Total number of schema validation operations",
		}, []string{"kind", "status"}),

		SchemaValidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "schema_validation_duration_seconds",
			Help:    "Schema validation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "status"}),

		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_messages_total",
			Help: "Total number of broker messages by kind and outcome",
		}, []string{"kind", "outcome"}),

		BrokerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telemetry_broker_state",
			Help: "Current ingestion engine connection state",
		}, []string{"state"}),

		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_broker_reconnects_total",
			Help: "Total number of broker reconnect attempts",
		}),

		NotificationBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_notification_batches_total",
			Help: "Total number of push notification batches by status",
		}, []string{"status"}),

		AggregationRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_aggregation_runs_total",
			Help: "Total number of batch aggregation runs by status",
		}, []string{"status"}),

		AggregationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "telemetry_aggregation_duration_seconds",
			Help:    "Batch aggregation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
		}),

		AggregatedDevicesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_aggregated_devices_total",
			Help: "Total number of per-device day aggregations by status",
		}, []string{"status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry.
// Fields are replaced with the already-registered collector when one exists.
func registerMetrics(m *Metrics) {
	m.HTTPRequestTotal = registerOrGet(m.HTTPRequestTotal).(*prometheus.CounterVec)
	m.HTTPRequestDuration = registerOrGet(m.HTTPRequestDuration).(*prometheus.HistogramVec)
	m.StorageOperationTotal = registerOrGet(m.StorageOperationTotal).(*prometheus.CounterVec)
	m.StorageOperationDuration = registerOrGet(m.StorageOperationDuration).(*prometheus.HistogramVec)
	m.EventPublishTotal = registerOrGet(m.EventPublishTotal).(*prometheus.CounterVec)
	m.EventPublishDuration = registerOrGet(m.EventPublishDuration).(*prometheus.HistogramVec)
	m.SchemaValidationTotal = registerOrGet(m.SchemaValidationTotal).(*prometheus.CounterVec)
	m.SchemaValidationDuration = registerOrGet(m.SchemaValidationDuration).(*prometheus.HistogramVec)
	m.MessagesTotal = registerOrGet(m.MessagesTotal).(*prometheus.CounterVec)
	m.BrokerState = registerOrGet(m.BrokerState).(*prometheus.GaugeVec)
	m.ReconnectsTotal = registerOrGet(m.ReconnectsTotal).(prometheus.Counter)
	m.NotificationBatchesTotal = registerOrGet(m.NotificationBatchesTotal).(*prometheus.CounterVec)
	m.AggregationRunsTotal = registerOrGet(m.AggregationRunsTotal).(*prometheus.CounterVec)
	m.AggregationDuration = registerOrGet(m.AggregationDuration).(prometheus.Histogram)
	m.AggregatedDevicesTotal = registerOrGet(m.AggregatedDevicesTotal).(*prometheus.CounterVec)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// SetBrokerState marks state as the current broker state among states.
func (m *Metrics) SetBrokerState(state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.BrokerState.WithLabelValues(s).Set(v)
	}
}
