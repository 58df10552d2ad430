// Package metrics exposes Prometheus collectors for the streaming client.
//
// All methods are safe on a nil *Metrics so components can run without a
// registry (tests, one-shot CLI commands).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gstream"

type Metrics struct {
	stageDuration   *prometheus.HistogramVec
	stageFailures   *prometheus.CounterVec
	connections     *prometheus.CounterVec
	videoFrames     prometheus.Counter
	videoLost       prometheus.Counter
	videoQueueDrops prometheus.Counter
	idrRequests     prometheus.Counter
	audioPackets    prometheus.Counter
	audioLost       prometheus.Counter
	inputSent       *prometheus.CounterVec
	inputDropped    prometheus.Counter
	keepalives      prometheus.Counter
}

// New registers the collectors with reg. Use a fresh prometheus.NewRegistry()
// per connection in tests to avoid duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each connection stage",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"stage"}),

		stageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Connection attempts that failed, by stage",
		}, []string{"stage"}),

		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connection outcomes (started, failed, terminated)",
		}, []string{"result"}),

		videoFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "video",
			Name:      "frames_total",
			Help:      "Decode units reassembled",
		}),

		videoLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "video",
			Name:      "frames_lost_total",
			Help:      "Access units dropped as lost or corrupt",
		}),

		videoQueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "video",
			Name:      "queue_drops_total",
			Help:      "Decode units evicted because the consumer fell behind",
		}),

		idrRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "video",
			Name:      "idr_requests_total",
			Help:      "Keyframe requests sent to the host",
		}),

		audioPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "packets_total",
			Help:      "Audio packets forwarded to the renderer",
		}),

		audioLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "packets_lost_total",
			Help:      "Audio packets missing from the sequence",
		}),

		inputSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "input",
			Name:      "packets_sent_total",
			Help:      "Input packets sent, by kind",
		}, []string{"kind"}),

		inputDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "input",
			Name:      "packets_dropped_total",
			Help:      "Input packets dropped because the send queue was full",
		}),

		keepalives: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "keepalives_total",
			Help:      "Keepalive frames sent",
		}),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) StageFailed(stage string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage).Inc()
	m.connections.WithLabelValues("failed").Inc()
}

func (m *Metrics) ConnectionStarted() {
	if m == nil {
		return
	}
	m.connections.WithLabelValues("started").Inc()
}

func (m *Metrics) ConnectionTerminated() {
	if m == nil {
		return
	}
	m.connections.WithLabelValues("terminated").Inc()
}

func (m *Metrics) VideoFrame() {
	if m == nil {
		return
	}
	m.videoFrames.Inc()
}

func (m *Metrics) VideoLost(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.videoLost.Add(float64(n))
}

func (m *Metrics) VideoQueueDrop() {
	if m == nil {
		return
	}
	m.videoQueueDrops.Inc()
}

func (m *Metrics) IDRRequested() {
	if m == nil {
		return
	}
	m.idrRequests.Inc()
}

func (m *Metrics) AudioPacket() {
	if m == nil {
		return
	}
	m.audioPackets.Inc()
}

func (m *Metrics) AudioLost(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.audioLost.Add(float64(n))
}

func (m *Metrics) InputSent(kind string) {
	if m == nil {
		return
	}
	m.inputSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) InputDropped() {
	if m == nil {
		return
	}
	m.inputDropped.Inc()
}

func (m *Metrics) Keepalive() {
	if m == nil {
		return
	}
	m.keepalives.Inc()
}
