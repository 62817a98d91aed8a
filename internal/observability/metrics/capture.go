package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CaptureMetrics contains Prometheus metrics for capture sessions. A nil
// *CaptureMetrics is valid and records nothing.
type CaptureMetrics struct {
	registry *prometheus.Registry

	// Session metrics
	sessionState       *prometheus.GaugeVec
	sessionTransitions *prometheus.CounterVec
	sessionStarts      *prometheus.CounterVec
	teardownStages     *prometheus.CounterVec
	faults             *prometheus.CounterVec

	// Stream metrics
	framesCaptured *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	ringOverflows  *prometheus.CounterVec
	ringUnderflows *prometheus.CounterVec
	ringOccupancy  *prometheus.GaugeVec
	gatedSamples   *prometheus.CounterVec
	peakLevel      *prometheus.GaugeVec

	// Output metrics
	framesWritten  prometheus.Counter
	sinkErrors     prometheus.Counter
	processorError prometheus.Counter
	chunkDuration  prometheus.Histogram

	collectors []prometheus.Collector
}

// NewCaptureMetrics creates and registers capture metrics.
func NewCaptureMetrics(registry *prometheus.Registry) (*CaptureMetrics, error) {
	m := &CaptureMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CaptureMetrics) initMetrics() {
	m.sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meetrec_session_state",
			Help: "1 for the state the capture session is in, 0 otherwise",
		},
		[]string{"state"},
	)

	m.sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetrec_session_transitions_total",
			Help: "Total number of session state transitions",
		},
		[]string{"from", "to"},
	)

	m.sessionStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetrec_session_starts_total",
			Help: "Total number of session start attempts",
		},
		[]string{"status"},
	)

	m.teardownStages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetrec_teardown_stages_total",
			Help: "Total number of teardown stages run",
		},
		[]string{"stage", "status"},
	)

	m.faults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetrec_capture_faults_total",
			Help: "Total number of capture faults",
		},
		[]string{"stream", "reason"},
	)

	m.framesCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetrec_frames_captured_total",
			Help: "Total number of frames delivered by the I/O callback",
		},
		[]string{"stream"},
	)

	m.framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetrec_frames_dropped_total",
			Help: "Total number of frames dropped because the ring was full or the session paused",
		},
		[]string{"stream"},
	)

	m.ringOverflows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetrec_ring_overflows_total",
			Help: "Total number of ring buffer writes rejected for lack of space",
		},
		[]string{"stream"},
	)

	m.ringUnderflows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetrec_ring_underflows_total",
			Help: "Total number of ring buffer reads that timed out",
		},
		[]string{"stream"},
	)

	m.ringOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meetrec_ring_occupancy_ratio",
			Help: "Ring buffer fill level relative to its usable capacity",
		},
		[]string{"stream"},
	)

	m.gatedSamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetrec_gated_samples_total",
			Help: "Total number of samples zeroed by the noise gate",
		},
		[]string{"stream"},
	)

	m.peakLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meetrec_peak_level",
			Help: "Peak absolute sample value of the last processed chunk",
		},
		[]string{"stream"},
	)

	m.framesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meetrec_frames_written_total",
			Help: "Total number of frames written to the output file",
		},
	)

	m.sinkErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meetrec_sink_errors_total",
			Help: "Total number of failed output file writes",
		},
	)

	m.processorError = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meetrec_processor_errors_total",
			Help: "Total number of echo canceller calls that failed",
		},
	)

	m.chunkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meetrec_chunk_processing_seconds",
			Help:    "Time taken to process one consumer chunk",
			Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount12),
		},
	)

	m.collectors = []prometheus.Collector{
		m.sessionState,
		m.sessionTransitions,
		m.sessionStarts,
		m.teardownStages,
		m.faults,
		m.framesCaptured,
		m.framesDropped,
		m.ringOverflows,
		m.ringUnderflows,
		m.ringOccupancy,
		m.gatedSamples,
		m.peakLevel,
		m.framesWritten,
		m.sinkErrors,
		m.processorError,
		m.chunkDuration,
	}
}

// Describe implements the Collector interface
func (m *CaptureMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *CaptureMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordTransition marks to as the current state and counts the transition.
func (m *CaptureMetrics) RecordTransition(from, to string, states []string) {
	if m == nil {
		return
	}
	m.sessionTransitions.WithLabelValues(from, to).Inc()
	for _, s := range states {
		v := 0.0
		if s == to {
			v = 1
		}
		m.sessionState.WithLabelValues(s).Set(v)
	}
}

// RecordStart counts a start attempt.
func (m *CaptureMetrics) RecordStart(status string) {
	if m == nil {
		return
	}
	m.sessionStarts.WithLabelValues(status).Inc()
}

// RecordTeardownStage counts one teardown stage.
func (m *CaptureMetrics) RecordTeardownStage(stage, status string) {
	if m == nil {
		return
	}
	m.teardownStages.WithLabelValues(stage, status).Inc()
}

// RecordFault counts a capture fault.
func (m *CaptureMetrics) RecordFault(stream, reason string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(stream, reason).Inc()
}

// RecordStreamDeltas adds counter increments observed since the last
// telemetry tick.
func (m *CaptureMetrics) RecordStreamDeltas(stream string, captured, dropped, overflows, underflows uint64) {
	if m == nil {
		return
	}
	m.framesCaptured.WithLabelValues(stream).Add(float64(captured))
	m.framesDropped.WithLabelValues(stream).Add(float64(dropped))
	m.ringOverflows.WithLabelValues(stream).Add(float64(overflows))
	m.ringUnderflows.WithLabelValues(stream).Add(float64(underflows))
}

// SetRingOccupancy sets the ring fill ratio. capacity is the usable size.
func (m *CaptureMetrics) SetRingOccupancy(stream string, occupied, capacity int) {
	if m == nil || capacity <= 0 {
		return
	}
	m.ringOccupancy.WithLabelValues(stream).Set(float64(occupied) / float64(capacity))
}

// RecordChunk records the per-chunk processing results of one stream.
func (m *CaptureMetrics) RecordChunk(stream string, gated int, peak float32) {
	if m == nil {
		return
	}
	if gated > 0 {
		m.gatedSamples.WithLabelValues(stream).Add(float64(gated))
	}
	m.peakLevel.WithLabelValues(stream).Set(float64(peak))
}

// RecordWrite records a sink write of frames.
func (m *CaptureMetrics) RecordWrite(frames int, err error, seconds float64) {
	if m == nil {
		return
	}
	if err != nil {
		m.sinkErrors.Inc()
	} else {
		m.framesWritten.Add(float64(frames))
	}
	m.chunkDuration.Observe(seconds)
}

// RecordProcessorError counts a failed echo canceller call.
func (m *CaptureMetrics) RecordProcessorError() {
	if m == nil {
		return
	}
	m.processorError.Inc()
}
