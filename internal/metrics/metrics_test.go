package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.VideoFrame()
	m.VideoFrame()
	m.VideoLost(3)
	m.VideoLost(0)
	m.InputSent("keyboard")
	m.InputSent("keyboard")
	m.InputSent("controller")
	m.StageFailed("handshake")

	if got := testutil.ToFloat64(m.videoFrames); got != 2 {
		t.Fatalf("frames: got %v", got)
	}
	if got := testutil.ToFloat64(m.videoLost); got != 3 {
		t.Fatalf("lost: got %v", got)
	}
	if got := testutil.ToFloat64(m.inputSent.WithLabelValues("keyboard")); got != 2 {
		t.Fatalf("keyboard sent: got %v", got)
	}
	if got := testutil.ToFloat64(m.stageFailures.WithLabelValues("handshake")); got != 1 {
		t.Fatalf("handshake failures: got %v", got)
	}
	if got := testutil.ToFloat64(m.connections.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed connections: got %v", got)
	}
}

func TestStageHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveStage("launch_app", 20*time.Millisecond)

	if n := testutil.CollectAndCount(m.stageDuration); n != 1 {
		t.Fatalf("expected 1 stage series, got %d", n)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.VideoFrame()
	m.VideoLost(1)
	m.ObserveStage("x", time.Second)
	m.StageFailed("x")
	m.InputDropped()
	m.Keepalive()
}
