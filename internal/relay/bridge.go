// Package relay joins one telephony media stream to one agent conversation.
// Each call gets a Bridge whose state machine runs on a single goroutine; the
// Router feeds it signaling events and the agent connection feeds it agent
// events, so ordering and cleanup never depend on callback timing.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/agent"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/reliability"
	"github.com/ent0n29/callrelay/internal/session"
	"github.com/ent0n29/callrelay/internal/signaling"
)

// CompletionMark names the final mark frame sent when a session ends while
// the telephony socket is still open.
const CompletionMark = "session_complete"

// SignalingTransport is the telephony side of a bridge.
type SignalingTransport interface {
	SendMedia(streamSID, payload string) error
	SendClear(streamSID string) error
	SendMark(streamSID, name string) error
	Closed() bool
	Close(timeout time.Duration) error
}

// AgentTransport is a handshaken agent conversation.
type AgentTransport interface {
	Events() <-chan agent.Event
	SendAudio(payload string) error
	Pong(id protocol.EventID) error
	ConversationID() string
	Close(timeout time.Duration) error
}

type Connector interface {
	Connect(ctx context.Context, cfg agent.Config) (AgentTransport, error)
}

type ConnectorFunc func(ctx context.Context, cfg agent.Config) (AgentTransport, error)

func (f ConnectorFunc) Connect(ctx context.Context, cfg agent.Config) (AgentTransport, error) {
	return f(ctx, cfg)
}

// DialerConnector adapts an agent.Dialer to Connector.
func DialerConnector(d *agent.Dialer) Connector {
	return ConnectorFunc(func(ctx context.Context, cfg agent.Config) (AgentTransport, error) {
		conn, err := d.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

type Options struct {
	ConnectTimeout  time.Duration
	CloseTimeout    time.Duration
	PendingCapacity int
	InboxSize       int
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 2 * time.Second
	}
	if o.PendingCapacity <= 0 {
		o.PendingCapacity = 50
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
	return o
}

// Bridge is one call's state machine. Everything except the fields guarded by
// mu is owned by the run goroutine.
type Bridge struct {
	id             string
	callID         string
	promptOverride string
	openingMessage string
	startedAt      time.Time

	signaling SignalingTransport
	connector Connector
	registry  *session.Registry
	metrics   *observability.Metrics
	log       *logrus.Entry
	opts      Options

	inbox     chan signaling.Event
	terminate chan string
	stopping  chan struct{}
	done      chan struct{}
	startOnce sync.Once

	mu             sync.RWMutex
	state          session.State
	conversationID string
	pendingLen     int

	pending        *pendingAudio
	agent          AgentTransport
	lastInterrupt  int64
	interrupted    bool
	sawAgentAudio  bool
	handshake      time.Duration
	firstAudio     time.Duration
	dropped        map[observability.DropReason]int
	closeReason    string
	closeErr       error
	connectPending <-chan connectResult
}

type connectResult struct {
	transport AgentTransport
	err       error
}

// NewBridge builds a bridge for start. The bridge is inert until Start.
func NewBridge(start signaling.Event, sig SignalingTransport, connector Connector, registry *session.Registry,
	metrics *observability.Metrics, log *logrus.Entry, opts Options) *Bridge {
	opts = opts.withDefaults()
	var prompt, opening string
	if start.Start != nil {
		prompt = start.Start.Prompt()
		opening = start.Start.FirstMessage()
	}
	startedAt := start.ReceivedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Bridge{
		id:             start.StreamSID,
		callID:         start.CallSID,
		promptOverride: prompt,
		openingMessage: opening,
		startedAt:      startedAt,
		signaling:      sig,
		connector:      connector,
		registry:       registry,
		metrics:        metrics,
		log:            log.WithFields(logrus.Fields{"session_id": start.StreamSID, "call_id": start.CallSID}),
		opts:           opts,
		inbox:          make(chan signaling.Event, opts.InboxSize),
		terminate:      make(chan string, 1),
		stopping:       make(chan struct{}),
		done:           make(chan struct{}),
		state:          session.StateCreated,
		pending:        newPendingAudio(opts.PendingCapacity),
		dropped:        make(map[observability.DropReason]int),
	}
}

func (b *Bridge) ID() string { return b.id }

// Start launches the state machine. Later calls are no-ops.
func (b *Bridge) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.metrics.ActiveSessions.Inc()
		b.metrics.SessionEvents.WithLabelValues("session_start").Inc()
		go b.run(ctx)
	})
}

// Deliver hands a signaling event to the bridge. It returns false once the
// bridge has begun shutting down.
func (b *Bridge) Deliver(ev signaling.Event) bool {
	select {
	case <-b.stopping:
		return false
	default:
	}
	select {
	case b.inbox <- ev:
		return true
	case <-b.stopping:
		return false
	}
}

// Terminate asks the bridge to close. It never blocks.
func (b *Bridge) Terminate(reason string) {
	select {
	case b.terminate <- reason:
	default:
	}
}

// Done is closed once the bridge has fully cleaned up.
func (b *Bridge) Done() <-chan struct{} { return b.done }

func (b *Bridge) State() session.State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Bridge) Snapshot() session.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return session.Session{
		ID:             b.id,
		CallID:         b.callID,
		State:          b.state,
		PromptOverride: b.promptOverride,
		OpeningMessage: b.openingMessage,
		ConversationID: b.conversationID,
		PendingAudio:   b.pendingLen,
		StartedAt:      b.startedAt,
	}
}

func (b *Bridge) setState(s session.State) {
	b.mu.Lock()
	prev := b.state
	b.state = s
	if b.pending != nil {
		b.pendingLen = b.pending.Len()
	} else {
		b.pendingLen = 0
	}
	b.mu.Unlock()
	b.log.WithFields(logrus.Fields{"from": prev, "to": s}).Debug("session state")
}

func (b *Bridge) run(ctx context.Context) {
	connectCtx, cancelConnect := context.WithCancel(ctx)
	defer cancelConnect()

	b.setState(session.StateAgentConnecting)
	results := make(chan connectResult, 1)
	b.connectPending = results
	go func() {
		t, err := b.connector.Connect(connectCtx, agent.Config{
			SessionID:      b.id,
			PromptOverride: b.promptOverride,
			OpeningMessage: b.openingMessage,
		})
		results <- connectResult{transport: t, err: err}
	}()

	timer := time.NewTimer(b.opts.ConnectTimeout)
	defer timer.Stop()
	timeout := timer.C

	var agentEvents <-chan agent.Event
	for b.closeReason == "" {
		select {
		case ev := <-b.inbox:
			b.handleSignaling(ev)

		case res := <-b.connectPending:
			b.connectPending = nil
			timeout = nil
			if res.err != nil {
				b.fail("agent_connect_failed", res.err)
				continue
			}
			b.onAgentReady(res.transport)
			agentEvents = res.transport.Events()

		case ev, ok := <-agentEvents:
			if !ok {
				agentEvents = nil
				b.fail("agent_closed", nil)
				continue
			}
			b.handleAgent(ev)

		case <-timeout:
			b.fail("handshake_timeout", fmt.Errorf("%w: agent not ready after %s", reliability.ErrHandshakeTimeout, b.opts.ConnectTimeout))

		case reason := <-b.terminate:
			b.fail(reason, nil)

		case <-ctx.Done():
			b.fail("context_canceled", nil)
		}
	}

	cancelConnect()
	b.shutdown()
}

// fail records why the loop is ending. The first reason wins.
func (b *Bridge) fail(reason string, err error) {
	if b.closeReason != "" {
		return
	}
	b.closeReason = reason
	b.closeErr = err
}

func (b *Bridge) handleSignaling(ev signaling.Event) {
	switch ev.Kind {
	case signaling.KindInboundAudio:
		b.forwardCallerAudio(ev.Payload)
	case signaling.KindSessionStop:
		b.fail("session_stop", nil)
	case signaling.KindTransportError:
		if ev.Err != nil && !reliability.IsFatalToSession(ev.Err) {
			b.log.WithError(ev.Err).Debug("ignoring non-fatal signaling error")
			return
		}
		b.fail("signaling_closed", ev.Err)
	case signaling.KindMark:
		b.log.WithField("mark", ev.Name).Debug("playback mark reached")
	case signaling.KindDTMF:
		b.metrics.SessionEvents.WithLabelValues("dtmf").Inc()
		b.log.WithField("digit", ev.Name).Info("caller pressed key")
	case signaling.KindSessionStart:
		b.log.Warn("ignoring repeated start for live session")
	}
}

func (b *Bridge) forwardCallerAudio(payload string) {
	if b.pending != nil {
		if b.pending.Push(payload) {
			b.drop("signaling", observability.DropPendingOverflow, 1)
			b.log.WithField("capacity", b.pending.Cap()).Debug("pending audio full, evicted oldest chunk")
		}
		b.mu.Lock()
		b.pendingLen = b.pending.Len()
		b.mu.Unlock()
		return
	}
	if b.agent == nil {
		return
	}
	if err := b.agent.SendAudio(payload); err != nil {
		b.log.WithError(err).Debug("caller audio not forwarded")
	}
}

func (b *Bridge) onAgentReady(t AgentTransport) {
	b.agent = t
	b.mu.Lock()
	b.conversationID = t.ConversationID()
	b.mu.Unlock()
	b.setState(session.StateAgentReady)

	elapsed := time.Since(b.startedAt)
	b.handshake = elapsed
	b.metrics.ObserveHandshakeLatency(elapsed)
	b.metrics.SessionEvents.WithLabelValues("agent_ready").Inc()

	buffered := b.pending.Drain()
	b.pending = nil
	b.metrics.PendingAudioDepth.Observe(float64(len(buffered)))
	for _, payload := range buffered {
		if err := t.SendAudio(payload); err != nil {
			b.log.WithError(err).Debug("buffered caller audio not forwarded")
		}
	}
	b.log.WithFields(logrus.Fields{
		"conversation_id": t.ConversationID(),
		"buffered":        len(buffered),
		"handshake_ms":    elapsed.Milliseconds(),
	}).Info("agent ready")
	b.setState(session.StateStreaming)
}

func (b *Bridge) handleAgent(ev agent.Event) {
	switch ev.Kind {
	case agent.KindAudioOut:
		if b.stale(ev.EventID) {
			b.drop("agent", observability.DropStaleAgentAudio, 1)
			return
		}
		if !b.sawAgentAudio {
			b.sawAgentAudio = true
			b.firstAudio = time.Since(b.startedAt)
		}
		if err := b.signaling.SendMedia(b.id, ev.Payload); err != nil {
			b.log.WithError(err).Debug("agent audio not forwarded")
		}
	case agent.KindInterrupt:
		if seq, ok := ev.EventID.Seq(); ok && seq > b.lastInterrupt {
			b.lastInterrupt = seq
		}
		b.interrupted = true
		b.metrics.SessionEvents.WithLabelValues("interruption").Inc()
		if err := b.signaling.SendClear(b.id); err != nil {
			b.log.WithError(err).Warn("clear frame not sent")
		}
	case agent.KindPing:
		if err := b.agent.Pong(ev.EventID); err != nil {
			b.log.WithError(err).Debug("pong not sent")
		}
	case agent.KindTranscript:
		b.metrics.SessionEvents.WithLabelValues("user_transcript").Inc()
		b.logTranscript("user transcript", ev.Text)
	case agent.KindAgentResponse:
		b.metrics.SessionEvents.WithLabelValues("agent_response").Inc()
		b.logTranscript("agent response", ev.Text)
	case agent.KindError:
		if !reliability.IsFatalToSession(ev.Err) {
			b.log.WithError(ev.Err).Warn("ignoring non-fatal agent error")
			return
		}
		b.fail("agent_error", ev.Err)
	case agent.KindClosed:
		b.fail("agent_closed", ev.Err)
	}
}

func (b *Bridge) logTranscript(msg, text string) {
	redacted, changed := policy.RedactPII(text)
	b.log.WithFields(logrus.Fields{"text": redacted, "redacted": changed}).Info(msg)
}

// stale reports whether an agent audio chunk belongs to a response the agent
// has already interrupted.
func (b *Bridge) stale(id protocol.EventID) bool {
	if !b.interrupted {
		return false
	}
	seq, ok := id.Seq()
	return ok && seq <= b.lastInterrupt
}

func (b *Bridge) shutdown() {
	closeStart := time.Now()
	close(b.stopping)
	b.setState(session.StateClosing)

	if b.pending != nil && b.pending.Len() > 0 {
		b.drop("signaling", observability.DropDiscardedOnClose, len(b.pending.Drain()))
	}
	b.pending = nil

	if b.agent != nil {
		if err := b.agent.Close(b.opts.CloseTimeout); err != nil {
			b.log.WithError(err).Debug("agent close")
		}
	} else if b.connectPending != nil {
		// The connect goroutine is being canceled; close whatever it returns.
		go func(results <-chan connectResult, timeout time.Duration) {
			if res := <-results; res.transport != nil {
				_ = res.transport.Close(timeout)
			}
		}(b.connectPending, b.opts.CloseTimeout)
	}

	if !b.signaling.Closed() {
		if err := b.signaling.SendMark(b.id, CompletionMark); err != nil {
			b.log.WithError(err).Debug("completion mark not sent")
		}
	}
	if err := b.signaling.Close(b.opts.CloseTimeout); err != nil {
		b.log.WithError(err).Debug("signaling close")
	}

	b.setState(session.StateClosed)
	b.registry.Remove(b.id)
	b.metrics.ActiveSessions.Dec()
	b.metrics.SessionEvents.WithLabelValues("session_end").Inc()

	fields := logrus.Fields{
		"reason":      b.closeReason,
		"duration_ms": time.Since(b.startedAt).Milliseconds(),
	}
	entry := b.log.WithFields(fields)
	failed := b.closeErr != nil && !errors.Is(b.closeErr, context.Canceled)
	switch {
	case failed:
		b.metrics.SessionFailures.WithLabelValues(reliability.Kind(b.closeErr)).Inc()
		entry.WithError(b.closeErr).WithField("kind", reliability.Kind(b.closeErr)).Warn("session ended with error")
	default:
		entry.Info("session ended")
	}
	b.metrics.ObserveCall(observability.CallRecord{
		Reason:     b.closeReason,
		Failed:     failed,
		AgentReady: b.agent != nil,
		Handshake:  b.handshake,
		HeardAgent: b.sawAgentAudio,
		FirstAudio: b.firstAudio,
		Close:      time.Since(closeStart),
		Dropped:    b.dropped,
	})
	close(b.done)
}

// drop counts n discarded frames for this call and process-wide.
func (b *Bridge) drop(side string, reason observability.DropReason, n int) {
	if n <= 0 {
		return
	}
	b.dropped[reason] += n
	b.metrics.DroppedFrames.WithLabelValues(side, string(reason)).Add(float64(n))
}
