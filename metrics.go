package rfbpanel

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rfbpanel"

// Metrics tracks controller and session activity. Each controller owns
// its own registry so embedders can expose it wherever they already
// serve Prometheus, and so two controllers never collide on metric
// names.
type Metrics struct {
	registry *prometheus.Registry

	Connects         prometheus.Counter
	ConnectFailures  prometheus.Counter
	Connected        prometheus.Gauge
	HandshakeSeconds prometheus.Histogram
	BytesRead        prometheus.Counter
	UpdatesReceived  prometheus.Counter
	RectsApplied     *prometheus.CounterVec
	InputEvents      *prometheus.CounterVec
	Captures         prometheus.Counter
	RecordedFrames   prometheus.Counter
}

// NewMetrics builds and registers the full metric set.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connects_total",
			Help:      "Connection attempts, successful or not.",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connect_failures_total",
			Help:      "Connection attempts that did not reach the active state.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected",
			Help:      "1 while a session is active, 0 otherwise.",
		}),
		HandshakeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from dial to the active state.",
			Buckets:   prometheus.DefBuckets,
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_read_total",
			Help:      "Bytes received from the server.",
		}),
		UpdatesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "updates_received_total",
			Help:      "Complete framebuffer update messages received.",
		}),
		RectsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rectangles_applied_total",
			Help:      "Rectangles applied to the framebuffer, by encoding.",
		}, []string{"encoding"}),
		InputEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "input_events_total",
			Help:      "Input events sent to the server, by kind.",
		}, []string{"kind"}),
		Captures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "captures_total",
			Help:      "Successful screen captures.",
		}),
		RecordedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recorded_frames_total",
			Help:      "Frames appended to session recordings.",
		}),
	}
	m.registry.MustRegister(
		m.Connects, m.ConnectFailures, m.Connected, m.HandshakeSeconds,
		m.BytesRead, m.UpdatesReceived, m.RectsApplied, m.InputEvents,
		m.Captures, m.RecordedFrames,
	)
	return m
}

// Registry returns the controller's private registry for exposition.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// encodingLabel names an encoding for the rectangles-applied metric.
func encodingLabel(e EncodingType) string {
	switch e {
	case EncodingRaw:
		return "raw"
	case EncodingCopyRect:
		return "copyrect"
	case EncodingDesktopSize:
		return "desktopsize"
	default:
		return fmt.Sprintf("%d", e)
	}
}
