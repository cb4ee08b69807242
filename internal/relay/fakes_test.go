package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/callrelay/internal/agent"
	"github.com/ent0n29/callrelay/internal/logging"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/session"
	"github.com/ent0n29/callrelay/internal/signaling"
)

type sentFrame struct {
	kind    string
	payload string
}

type fakeSignaling struct {
	mu     sync.Mutex
	frames []sentFrame
	dead   bool
	closed bool

	closes atomic.Int64

	// Router-facing side.
	in     chan signaling.Event
	runErr error
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{in: make(chan signaling.Event, 64)}
}

func (f *fakeSignaling) record(kind, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return context.Canceled
	}
	f.frames = append(f.frames, sentFrame{kind: kind, payload: payload})
	return nil
}

func (f *fakeSignaling) SendMedia(_, payload string) error { return f.record("media", payload) }
func (f *fakeSignaling) SendClear(string) error            { return f.record("clear", "") }
func (f *fakeSignaling) SendMark(_, name string) error     { return f.record("mark", name) }

func (f *fakeSignaling) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed || f.dead
}

func (f *fakeSignaling) Close(time.Duration) error {
	f.closes.Add(1)
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaling) ID() string { return "conn-test" }

// Run feeds queued events until in is closed, then reports runErr.
func (f *fakeSignaling) Run(ctx context.Context, handle func(signaling.Event)) error {
	for {
		select {
		case ev, ok := <-f.in:
			if !ok {
				f.mu.Lock()
				f.dead = true
				f.mu.Unlock()
				return f.runErr
			}
			handle(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *fakeSignaling) sent() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.frames...)
}

type fakeAgent struct {
	events chan agent.Event

	mu    sync.Mutex
	audio []string
	pongs []string

	closes atomic.Int64
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{events: make(chan agent.Event, 64)}
}

func (a *fakeAgent) Events() <-chan agent.Event { return a.events }
func (a *fakeAgent) ConversationID() string     { return "conv-test" }

func (a *fakeAgent) SendAudio(payload string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.audio = append(a.audio, payload)
	return nil
}

func (a *fakeAgent) Pong(id protocol.EventID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pongs = append(a.pongs, string(id))
	return nil
}

func (a *fakeAgent) Close(time.Duration) error {
	a.closes.Add(1)
	return nil
}

func (a *fakeAgent) forwarded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.audio...)
}

func (a *fakeAgent) pongIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.pongs...)
}

// gatedConnector returns its transport or error only after release is closed.
type gatedConnector struct {
	release chan struct{}
	agent   *fakeAgent
	err     error
	calls   atomic.Int64
}

func newGatedConnector(a *fakeAgent, err error) *gatedConnector {
	return &gatedConnector{release: make(chan struct{}), agent: a, err: err}
}

func (c *gatedConnector) Connect(ctx context.Context, _ agent.Config) (AgentTransport, error) {
	c.calls.Add(1)
	select {
	case <-c.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.agent, nil
}

type testEnv struct {
	registry *session.Registry
	metrics  *observability.Metrics
	sig      *fakeSignaling
}

func newTestEnv() *testEnv {
	return &testEnv{
		registry: session.NewRegistry(time.Hour),
		metrics:  observability.NewMetrics("test", prometheus.NewRegistry()),
		sig:      newFakeSignaling(),
	}
}

func startEvent(id, callID string) signaling.Event {
	return signaling.Event{
		Kind:      signaling.KindSessionStart,
		StreamSID: id,
		CallSID:   callID,
		Start: &protocol.StreamStarted{
			StreamSID:        id,
			CallSID:          callID,
			CustomParameters: map[string]string{protocol.ParamPrompt: "be brief", protocol.ParamFirstMessage: "hello"},
		},
		ReceivedAt: time.Now().UTC(),
	}
}

func media(id, payload string) signaling.Event {
	return signaling.Event{Kind: signaling.KindInboundAudio, StreamSID: id, Payload: payload}
}

func signalingStop(id string) signaling.Event {
	return signaling.Event{Kind: signaling.KindSessionStop, StreamSID: id}
}

func signalingError(id string, err error) signaling.Event {
	return signaling.Event{Kind: signaling.KindTransportError, StreamSID: id, Err: err}
}

func (e *testEnv) startBridge(t *testing.T, id string, connector Connector, opts Options) *Bridge {
	t.Helper()
	b := NewBridge(startEvent(id, "CA-"+id), e.sig, connector, e.registry, e.metrics, logging.Discard().WithField("test", t.Name()), opts)
	if err := e.registry.Put(id, b); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	b.Start(context.Background())
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDone(t *testing.T, b *Bridge) {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("bridge %s did not finish", b.ID())
	}
}
