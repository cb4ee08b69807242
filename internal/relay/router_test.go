package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ent0n29/callrelay/internal/logging"
	"github.com/ent0n29/callrelay/internal/reliability"
	"github.com/ent0n29/callrelay/internal/session"
	"github.com/ent0n29/callrelay/internal/signaling"
)

func newTestRouter(env *testEnv, connector Connector) *Router {
	return NewRouter(env.registry, connector, env.metrics, logging.Discard().WithField("test", true), Options{CloseTimeout: 10 * time.Millisecond})
}

func serve(r *Router, conn *fakeSignaling) chan error {
	out := make(chan error, 1)
	go func() { out <- r.Serve(context.Background(), conn) }()
	return out
}

func TestRouterIgnoresDuplicateStart(t *testing.T) {
	env := newTestEnv()
	a := newFakeAgent()
	connector := newGatedConnector(a, nil)
	close(connector.release)
	router := newTestRouter(env, connector)
	done := serve(router, env.sig)

	env.sig.in <- startEvent("S1", "CA1")
	env.sig.in <- startEvent("S1", "CA2")
	env.sig.in <- media("S1", "p1")
	waitFor(t, "forwarded audio", func() bool { return len(a.forwarded()) == 1 })

	h, ok := env.registry.Get("S1")
	if !ok {
		t.Fatalf("S1 not registered")
	}
	if snap := h.Snapshot(); snap.CallID != "CA1" || snap.State != session.StateStreaming {
		t.Fatalf("snapshot = %+v, want the original streaming session", snap)
	}
	if connector.calls.Load() != 1 {
		t.Fatalf("Connect() calls = %d, want 1", connector.calls.Load())
	}
	if n := testutil.ToFloat64(env.metrics.SessionFailures.WithLabelValues("duplicate_session")); n != 1 {
		t.Fatalf("duplicate failures = %v, want 1", n)
	}

	env.sig.in <- signalingStop("S1")
	close(env.sig.in)
	if err := <-done; err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if env.registry.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", env.registry.ActiveCount())
	}
}

func TestRouterRejectedDuplicateSocketCannotDriveOriginal(t *testing.T) {
	env := newTestEnv()
	a := newFakeAgent()
	connector := newGatedConnector(a, nil)
	close(connector.release)
	router := newTestRouter(env, connector)
	doneA := serve(router, env.sig)

	env.sig.in <- startEvent("S1", "CA1")
	waitFor(t, "streaming", func() bool {
		h, ok := env.registry.Get("S1")
		return ok && h.Snapshot().State == session.StateStreaming
	})

	other := newFakeSignaling()
	doneB := serve(router, other)
	other.in <- startEvent("S1", "CA2")
	other.in <- media("S1", "injected")
	other.in <- signalingStop("S1")
	close(other.in)
	if err := <-doneB; err != nil {
		t.Fatalf("Serve(other) error = %v", err)
	}

	if got := a.forwarded(); len(got) != 0 {
		t.Fatalf("original agent received %v, want nothing", got)
	}
	h, ok := env.registry.Get("S1")
	if !ok || h.Snapshot().State != session.StateStreaming || h.Snapshot().CallID != "CA1" {
		t.Fatalf("original S1 session changed by the rejected connection")
	}
	if n := testutil.ToFloat64(env.metrics.DroppedFrames.WithLabelValues("signaling", "foreign_session")); n != 2 {
		t.Fatalf("foreign_session drops = %v, want 2", n)
	}
	if other.closes.Load() != 1 {
		t.Fatalf("rejected connection closes = %d, want 1", other.closes.Load())
	}

	env.sig.in <- media("S1", "p1")
	waitFor(t, "original audio", func() bool { return len(a.forwarded()) == 1 })
	close(env.sig.in)
	if err := <-doneA; err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
}

func TestRouterStopWithoutStreamIDUsesCurrentSession(t *testing.T) {
	env := newTestEnv()
	a := newFakeAgent()
	connector := newGatedConnector(a, nil)
	close(connector.release)
	done := serve(newTestRouter(env, connector), env.sig)

	env.sig.in <- startEvent("S1", "CA1")
	env.sig.in <- signaling.Event{Kind: signaling.KindSessionStop}
	waitFor(t, "session removed", func() bool {
		_, ok := env.registry.Get("S1")
		return !ok && connector.calls.Load() == 1
	})

	frames := env.sig.sent()
	if len(frames) == 0 || frames[len(frames)-1].kind != "mark" {
		t.Fatalf("frames = %+v, want a trailing completion mark", frames)
	}
	close(env.sig.in)
	<-done
}

func TestRouterDropsFramesForUnknownSessions(t *testing.T) {
	env := newTestEnv()
	done := serve(newTestRouter(env, newGatedConnector(newFakeAgent(), nil)), env.sig)

	env.sig.in <- media("nobody", "p1")
	env.sig.in <- signalingStop("nobody")
	close(env.sig.in)
	if err := <-done; err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if n := testutil.ToFloat64(env.metrics.DroppedFrames.WithLabelValues("signaling", "unknown_session")); n != 2 {
		t.Fatalf("unknown_session drops = %v, want 2", n)
	}
	if env.sig.closes.Load() != 1 {
		t.Fatalf("signaling closes = %d, want 1", env.sig.closes.Load())
	}
}

func TestRouterTransportErrorClosesBridge(t *testing.T) {
	env := newTestEnv()
	a := newFakeAgent()
	connector := newGatedConnector(a, nil)
	close(connector.release)
	env.sig.runErr = fmt.Errorf("%w: connection reset", reliability.ErrTransport)
	done := serve(newTestRouter(env, connector), env.sig)

	env.sig.in <- startEvent("S1", "CA1")
	waitFor(t, "streaming", func() bool {
		h, ok := env.registry.Get("S1")
		return ok && h.Snapshot().State == session.StateStreaming
	})
	close(env.sig.in)

	select {
	case err := <-done:
		if !errors.Is(err, reliability.ErrTransport) {
			t.Fatalf("Serve() error = %v, want ErrTransport", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve() did not return")
	}
	if env.registry.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", env.registry.ActiveCount())
	}
	if a.closes.Load() != 1 {
		t.Fatalf("agent closes = %d, want 1", a.closes.Load())
	}
	for _, f := range env.sig.sent() {
		if f.kind == "mark" {
			t.Fatalf("completion mark sent after the signaling socket failed")
		}
	}
	if n := testutil.ToFloat64(env.metrics.SessionFailures.WithLabelValues("transport")); n != 1 {
		t.Fatalf("transport failures = %v, want 1", n)
	}
}

func TestRouterSessionsAreIndependent(t *testing.T) {
	env := newTestEnv()
	a1, a2 := newFakeAgent(), newFakeAgent()
	c1 := newGatedConnector(a1, nil)
	close(c1.release)
	c2 := newGatedConnector(a2, fmt.Errorf("%w: boom", reliability.ErrTransport))
	close(c2.release)

	sig2 := newFakeSignaling()
	router1 := newTestRouter(env, c1)
	router2 := newTestRouter(env, c2)
	done1 := serve(router1, env.sig)
	done2 := serve(router2, sig2)

	env.sig.in <- startEvent("S1", "CA1")
	sig2.in <- startEvent("S2", "CA2")
	close(sig2.in)
	<-done2

	env.sig.in <- media("S1", "p1")
	waitFor(t, "S1 audio", func() bool { return len(a1.forwarded()) == 1 })
	if _, ok := env.registry.Get("S1"); !ok {
		t.Fatalf("S1 affected by S2's failure")
	}
	close(env.sig.in)
	<-done1
}
