package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCallWindowGroupsByOutcome(t *testing.T) {
	w := NewCallWindow(8)
	w.Record(CallRecord{Reason: "session_stop", AgentReady: true, Handshake: 500 * time.Millisecond, HeardAgent: true, FirstAudio: time.Second, Close: 10 * time.Millisecond})
	w.Record(CallRecord{Reason: "session_stop", AgentReady: true, Handshake: 2 * time.Second, Close: 20 * time.Millisecond,
		Dropped: map[DropReason]int{DropPendingOverflow: 3}})
	w.Record(CallRecord{Reason: "handshake_timeout", Failed: true, Close: 5 * time.Millisecond,
		Dropped: map[DropReason]int{DropDiscardedOnClose: 4, DropPendingOverflow: 1}})

	snap := w.Snapshot()
	if snap.WindowSize != 8 || snap.Calls != 3 {
		t.Fatalf("WindowSize, Calls = %d, %d, want 8, 3", snap.WindowSize, snap.Calls)
	}
	if len(snap.Outcomes) != 2 {
		t.Fatalf("len(Outcomes) = %d, want 2", len(snap.Outcomes))
	}
	stop, timeout := snap.Outcomes[0], snap.Outcomes[1]
	if stop.Reason != "session_stop" || stop.Calls != 2 || stop.Failed != 0 {
		t.Fatalf("Outcomes[0] = %+v", stop)
	}
	if timeout.Reason != "handshake_timeout" || timeout.Failed != 1 {
		t.Fatalf("Outcomes[1] = %+v", timeout)
	}
	if len(timeout.Stages) != 1 || timeout.Stages[0].Stage != StageSessionClose {
		t.Fatalf("timeout stages = %+v, want only close", timeout.Stages)
	}

	hs := snap.Stages[0]
	if hs.Stage != StageAgentHandshake || hs.Samples != 2 {
		t.Fatalf("Stages[0] = %+v, want two handshake samples", hs)
	}
	if hs.P50MS != 500 || hs.MaxMS != 2000 || hs.OverTarget != 1 {
		t.Fatalf("handshake stats = %+v", hs)
	}
	if fa := snap.Stages[1]; fa.Stage != StageFirstAgentAudio || fa.Samples != 1 {
		t.Fatalf("Stages[1] = %+v, want one first-audio sample", fa)
	}

	want := []DropStats{
		{Reason: DropDiscardedOnClose, Frames: 4, Calls: 1},
		{Reason: DropPendingOverflow, Frames: 4, Calls: 2},
	}
	if len(snap.Drops) != len(want) {
		t.Fatalf("Drops = %+v, want %+v", snap.Drops, want)
	}
	for i := range want {
		if snap.Drops[i] != want[i] {
			t.Fatalf("Drops[%d] = %+v, want %+v", i, snap.Drops[i], want[i])
		}
	}
}

func TestCallWindowForgetsOldestCall(t *testing.T) {
	w := NewCallWindow(2)
	w.Record(CallRecord{Reason: "a", Close: 10 * time.Millisecond})
	w.Record(CallRecord{Reason: "b", Close: 20 * time.Millisecond})
	w.Record(CallRecord{Reason: "b", Close: 30 * time.Millisecond})

	snap := w.Snapshot()
	if snap.Calls != 2 || len(snap.Outcomes) != 1 || snap.Outcomes[0].Reason != "b" {
		t.Fatalf("snapshot = %+v, want the two most recent calls", snap)
	}
	if c := snap.Stages[0]; c.P50MS != 20 || c.MaxMS != 30 {
		t.Fatalf("close stats = %+v", c)
	}
}

func TestCallWindowEmpty(t *testing.T) {
	snap := NewCallWindow(4).Snapshot()
	if snap.Calls != 0 || len(snap.Stages) != 0 || len(snap.Outcomes) != 0 || snap.Drops != nil {
		t.Fatalf("empty snapshot = %+v", snap)
	}
}

func TestMetricsUseInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("relay_test", reg)
	m.ObserveDrop("signaling", DropUnknownSession)
	m.ObserveDrop("signaling", DropUnknownSession)

	if got := testutil.ToFloat64(m.DroppedFrames.WithLabelValues("signaling", "unknown_session")); got != 2 {
		t.Fatalf("dropped frames = %v, want 2", got)
	}
	// A second set of instruments on a fresh registry must not collide.
	_ = NewMetrics("relay_test", prometheus.NewRegistry())
}
