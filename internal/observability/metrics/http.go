package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// HTTPMetrics contains Prometheus metrics for the control API. A nil
// *HTTPMetrics is valid and records nothing.
type HTTPMetrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	monitorActiveConnections prometheus.Gauge
	monitorFramesSent        prometheus.Counter
	monitorFramesDropped     prometheus.Counter

	collectors []prometheus.Collector
}

// NewHTTPMetrics creates and registers HTTP metrics.
func NewHTTPMetrics(registry *prometheus.Registry) (*HTTPMetrics, error) {
	m := &HTTPMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *HTTPMetrics) initMetrics() {
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Time taken for HTTP requests",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
		},
		[]string{"method", "path"},
	)

	m.monitorActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meetrec_monitor_active_connections",
			Help: "Number of connected PCM monitor websockets",
		},
	)

	m.monitorFramesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meetrec_monitor_messages_sent_total",
			Help: "Total number of PCM messages sent to monitors",
		},
	)

	m.monitorFramesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meetrec_monitor_messages_dropped_total",
			Help: "Total number of PCM messages dropped for slow monitors",
		},
	)

	m.collectors = []prometheus.Collector{
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.monitorActiveConnections,
		m.monitorFramesSent,
		m.monitorFramesDropped,
	}
}

// Describe implements the Collector interface
func (m *HTTPMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *HTTPMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordHTTPRequest records a completed request.
func (m *HTTPMetrics) RecordHTTPRequest(method, path, statusCode string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// MonitorConnected tracks a monitor connection until the returned func runs.
func (m *HTTPMetrics) MonitorConnected() (disconnected func()) {
	if m == nil {
		return func() {}
	}
	m.monitorActiveConnections.Inc()
	return m.monitorActiveConnections.Dec
}

// RecordMonitorMessage counts a PCM message sent or dropped.
func (m *HTTPMetrics) RecordMonitorMessage(sent bool) {
	if m == nil {
		return
	}
	if sent {
		m.monitorFramesSent.Inc()
	} else {
		m.monitorFramesDropped.Inc()
	}
}

// ActiveMonitorConnections returns the current number of monitor websockets.
func (m *HTTPMetrics) ActiveMonitorConnections() float64 {
	if m == nil {
		return 0
	}
	metric := &dto.Metric{}
	if err := m.monitorActiveConnections.Write(metric); err != nil {
		return 0
	}
	if metric.Gauge != nil && metric.Gauge.Value != nil {
		return *metric.Gauge.Value
	}
	return 0
}
