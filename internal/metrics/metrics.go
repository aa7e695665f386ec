// Package metrics provides Prometheus metrics for quietlane.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "quietlane"
)

// Metrics contains all Prometheus metrics for the daemon.
type Metrics struct {
	// Outbound stream metrics
	StreamsActive  prometheus.Gauge
	StreamsOpened  *prometheus.CounterVec
	StreamsClosed  prometheus.Counter
	ConnectLatency prometheus.Histogram
	ConnectErrors  *prometheus.CounterVec

	// Data transfer metrics
	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec

	// Service metrics
	ServicesRunning      prometheus.Gauge
	ServiceStatusChanges *prometheus.CounterVec
	ServiceReadyLatency  prometheus.Histogram
	RendRequests         *prometheus.CounterVec
	StreamRequests       *prometheus.CounterVec

	// Backend proxy metrics
	ProxyConnections      prometheus.Gauge
	ProxyConnectionsTotal prometheus.Counter
	ProxyDialLatency      prometheus.Histogram
	ProxyErrors           *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Outbound stream metrics
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open outbound streams",
		}),
		StreamsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total outbound streams opened by target type",
		}, []string{"target"}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of outbound streams closed",
		}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Histogram of outbound connect latency in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ConnectErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_errors_total",
			Help:      "Total outbound connect errors by type",
		}, []string{"error_type"}),

		// Data transfer metrics
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by type",
		}, []string{"type"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by type",
		}, []string{"type"}),

		// Service metrics
		ServicesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services_running",
			Help:      "Number of currently published services",
		}),
		ServiceStatusChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_status_changes_total",
			Help:      "Total service status transitions by service and status",
		}, []string{"service", "status"}),
		ServiceReadyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "service_ready_seconds",
			Help:      "Histogram of time from launch until a service reports running",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		RendRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rend_requests_total",
			Help:      "Total rendezvous requests by outcome",
		}, []string{"result"}),
		StreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_requests_total",
			Help:      "Total inbound stream requests by outcome",
		}, []string{"result"}),

		// Backend proxy metrics
		ProxyConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_connections_active",
			Help:      "Number of active backend proxy connections",
		}),
		ProxyConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_connections_total",
			Help:      "Total backend proxy connections",
		}),
		ProxyDialLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_dial_latency_seconds",
			Help:      "Histogram of backend dial latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		ProxyErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_errors_total",
			Help:      "Total backend proxy errors by type",
		}, []string{"error_type"}),
	}

	return m
}

// RecordStreamOpen records an outbound stream being opened.
func (m *Metrics) RecordStreamOpen(target string, latencySeconds float64) {
	m.StreamsActive.Inc()
	m.StreamsOpened.WithLabelValues(target).Inc()
	m.ConnectLatency.Observe(latencySeconds)
}

// RecordStreamClose records an outbound stream being closed.
func (m *Metrics) RecordStreamClose() {
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
}

// RecordConnectError records a failed outbound connect.
func (m *Metrics) RecordConnectError(errorType string) {
	m.ConnectErrors.WithLabelValues(errorType).Inc()
}

// RecordBytesSent records bytes sent.
func (m *Metrics) RecordBytesSent(dataType string, bytes int) {
	m.BytesSent.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordBytesReceived records bytes received.
func (m *Metrics) RecordBytesReceived(dataType string, bytes int) {
	m.BytesReceived.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordServiceUp records a service being published.
func (m *Metrics) RecordServiceUp() {
	m.ServicesRunning.Inc()
}

// RecordServiceDown records a service being stopped.
func (m *Metrics) RecordServiceDown() {
	m.ServicesRunning.Dec()
}

// RecordServiceStatus records a service status transition.
func (m *Metrics) RecordServiceStatus(service, status string) {
	m.ServiceStatusChanges.WithLabelValues(service, status).Inc()
}

// RecordServiceReady records how long a service took to report running.
func (m *Metrics) RecordServiceReady(latencySeconds float64) {
	m.ServiceReadyLatency.Observe(latencySeconds)
}

// RecordRendRequest records a rendezvous request outcome.
func (m *Metrics) RecordRendRequest(result string) {
	m.RendRequests.WithLabelValues(result).Inc()
}

// RecordStreamRequest records an inbound stream request outcome.
func (m *Metrics) RecordStreamRequest(result string) {
	m.StreamRequests.WithLabelValues(result).Inc()
}

// RecordProxyConnect records a backend connection being established.
func (m *Metrics) RecordProxyConnect(dialLatencySeconds float64) {
	m.ProxyConnections.Inc()
	m.ProxyConnectionsTotal.Inc()
	m.ProxyDialLatency.Observe(dialLatencySeconds)
}

// RecordProxyDisconnect records a backend connection ending.
func (m *Metrics) RecordProxyDisconnect() {
	m.ProxyConnections.Dec()
}

// RecordProxyError records a backend proxy error.
func (m *Metrics) RecordProxyError(errorType string) {
	m.ProxyErrors.WithLabelValues(errorType).Inc()
}
