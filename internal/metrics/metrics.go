package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing, so components can take it as an optional dependency.
type Metrics struct {
	// Frame counters
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesDegraded  atomic.Uint64
	FrameErrors     atomic.Uint64 // frames replaced by an error frame
	StreamErrors    atomic.Uint64 // terminal read failures

	// Inference
	DetectionErrors    atomic.Uint64
	QualifyingOverlaps atomic.Uint64
	AccidentsConfirmed atomic.Uint64
	DetectLatencyMs    atomic.Uint64 // Last detection latency in ms

	// Pipelines and viewers
	ActivePipelines atomic.Int64
	ActiveViewers   atomic.Int64
	WebRTCClients   atomic.Int64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	dispatch      *prometheus.CounterVec
	detectLatency prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

type gauge struct {
	name, help string
	value      func() float64
}

func (m *Metrics) registerPrometheusMetrics() {
	u := func(v *atomic.Uint64) func() float64 { return func() float64 { return float64(v.Load()) } }
	i := func(v *atomic.Int64) func() float64 { return func() float64 { return float64(v.Load()) } }

	gauges := []gauge{
		{"rakshak_frames_read_total", "Total frames read from video sources", u(&m.FramesRead)},
		{"rakshak_frames_processed_total", "Total frames emitted by pipelines", u(&m.FramesProcessed)},
		{"rakshak_frames_degraded_total", "Frames emitted without a detector", u(&m.FramesDegraded)},
		{"rakshak_frame_errors_total", "Frames replaced because detection failed", u(&m.FrameErrors)},
		{"rakshak_stream_errors_total", "Terminal video source read failures", u(&m.StreamErrors)},
		{"rakshak_detection_errors_total", "Total detection failures", u(&m.DetectionErrors)},
		{"rakshak_qualifying_overlaps_total", "Frames with a qualifying vehicle overlap", u(&m.QualifyingOverlaps)},
		{"rakshak_accidents_confirmed_total", "Confirmed accidents", u(&m.AccidentsConfirmed)},
		{"rakshak_detect_latency_ms", "Last detection latency in milliseconds", u(&m.DetectLatencyMs)},
		{"rakshak_active_pipelines", "Running pipelines", i(&m.ActivePipelines)},
		{"rakshak_active_viewers", "Connected MJPEG viewers", i(&m.ActiveViewers)},
		{"rakshak_webrtc_clients", "Open WebRTC status channels", i(&m.WebRTCClients)},
		{"rakshak_recording_active", "Recording active (0=inactive, 1=active)", u(&m.RecordingActive)},
		{"rakshak_recording_bytes", "Total bytes written to evidence clips", u(&m.RecordingBytes)},
		{"rakshak_recording_frames", "Total frames written to evidence clips", u(&m.RecordingFrames)},
	}
	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: g.name, Help: g.help}, g.value))
	}

	m.dispatch = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rakshak_dispatch_total",
		Help: "Alert deliveries by channel and result",
	}, []string{"channel", "result"})
	m.detectLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rakshak_detect_duration_seconds",
		Help:    "Detection latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	m.registry.MustRegister(m.dispatch, m.detectLatency)
}

// ObserveDetect records one detection call.
func (m *Metrics) ObserveDetect(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.DetectLatencyMs.Store(uint64(d.Milliseconds()))
	m.detectLatency.Observe(d.Seconds())
	if err != nil {
		m.DetectionErrors.Add(1)
	}
}

// ObserveDispatch records one channel delivery.
func (m *Metrics) ObserveDispatch(channel string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dispatch.WithLabelValues(channel, result).Inc()
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests and additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
