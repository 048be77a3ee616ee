package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/novatra/novatra/events"
)

// PrometheusRecorder collects the service metrics on its own registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	operationTotal     *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	eventsPublished    *prometheus.CounterVec
	subscribersDropped prometheus.Counter
	gatewayConnections *prometheus.GaugeVec
	blobsCollected     prometheus.Counter
	holdersReconciled  prometheus.Counter
	uniqueBlobs        prometheus.Gauge
	storedBytes        prometheus.Gauge
}

// NewPrometheusRecorder creates a recorder and registers its metrics,
// together with the process and go collectors, on a fresh registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	recorder := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),
		operationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novatra_operation_total",
				Help: "Total number of repository manager operations",
			},
			[]string{"operation", "success"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "novatra_operation_duration_seconds",
				Help:    "Duration of repository manager operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"operation", "success"},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novatra_events_published_total",
				Help: "Total number of events published on the bus",
			},
			[]string{"type"},
		),
		subscribersDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "novatra_event_subscribers_dropped_total",
				Help: "Subscriptions closed because their queue was full",
			},
		),
		gatewayConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "novatra_gateway_connections",
				Help: "Number of open notification gateway connections",
			},
			[]string{"transport"},
		),
		blobsCollected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "novatra_blobs_collected_total",
				Help: "Unreferenced blobs removed by the garbage collector",
			},
		),
		holdersReconciled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "novatra_blob_holders_reconciled_total",
				Help: "Orphaned blob references dropped by reconciliation",
			},
		),
		uniqueBlobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "novatra_blobs",
				Help: "Number of unique blobs stored",
			},
		),
		storedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "novatra_blob_stored_bytes",
				Help: "Bytes held by the blob store after deduplication",
			},
		),
	}

	recorder.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		recorder.operationTotal,
		recorder.operationDuration,
		recorder.eventsPublished,
		recorder.subscribersDropped,
		recorder.gatewayConnections,
		recorder.blobsCollected,
		recorder.holdersReconciled,
		recorder.uniqueBlobs,
		recorder.storedBytes,
	)

	return recorder
}

// Registry is served by the metrics endpoint.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// RecordOperation records a manager operation with its outcome
func (r *PrometheusRecorder) RecordOperation(operation string, success bool, duration time.Duration) {
	successLabel := "false"
	if success {
		successLabel = "true"
	}

	r.operationTotal.WithLabelValues(operation, successLabel).Inc()
	r.operationDuration.WithLabelValues(operation, successLabel).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) EventPublished(t events.Type) {
	r.eventsPublished.WithLabelValues(string(t)).Inc()
}

func (r *PrometheusRecorder) SubscriberDropped() {
	r.subscribersDropped.Inc()
}

func (r *PrometheusRecorder) ConnectionOpened(transport string) {
	r.gatewayConnections.WithLabelValues(transport).Inc()
}

func (r *PrometheusRecorder) ConnectionClosed(transport string) {
	r.gatewayConnections.WithLabelValues(transport).Dec()
}

// RecordCollection records one garbage collection pass.
func (r *PrometheusRecorder) RecordCollection(collected, reconciled int, uniqueBlobs, storedBytes int64) {
	r.blobsCollected.Add(float64(collected))
	r.holdersReconciled.Add(float64(reconciled))
	r.uniqueBlobs.Set(float64(uniqueBlobs))
	r.storedBytes.Set(float64(storedBytes))
}
