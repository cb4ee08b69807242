// Package agent speaks the conversational agent's websocket protocol: it
// resolves the endpoint, performs the initiation handshake and turns agent
// frames into the relay's agent events.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/reliability"
	"github.com/ent0n29/callrelay/internal/wsio"
)

const side = "agent"

var ErrNotReady = errors.New("agent: conversation not ready")

type Kind string

const (
	KindAudioOut      Kind = "audio-out"
	KindInterrupt     Kind = "interrupt"
	KindPing          Kind = "keepalive-ping"
	KindAgentResponse Kind = "agent-response"
	KindTranscript    Kind = "user-transcript"
	KindError         Kind = "error"
	// KindClosed is always the last event before Events is closed.
	KindClosed Kind = "closed"
)

type Event struct {
	Kind    Kind
	EventID protocol.EventID
	// Payload is opaque base64 agent audio.
	Payload string
	Text    string
	Err     error
}

// Config carries the per-call conversation overrides.
type Config struct {
	SessionID      string
	PromptOverride string
	OpeningMessage string
}

// Conn is one agent conversation socket.
type Conn struct {
	ws      *websocket.Conn
	writer  *wsio.Writer
	log     *logrus.Entry
	metrics *observability.Metrics

	events   chan Event
	readyCh  chan struct{}
	readDone chan struct{}
	closing  chan struct{}

	ready          atomic.Bool
	conversationID atomic.Value
	closeOnce      sync.Once
	readTimeout    time.Duration
}

func newConn(ws *websocket.Conn, opts Options, log *logrus.Entry, metrics *observability.Metrics) *Conn {
	c := &Conn{
		ws:          ws,
		writer:      wsio.NewWriter(ws, wsio.Options{Side: side, QueueSize: opts.QueueSize, WriteTimeout: opts.WriteTimeout}, log, metrics),
		log:         log,
		metrics:     metrics,
		events:      make(chan Event, opts.EventBuffer),
		readyCh:     make(chan struct{}),
		readDone:    make(chan struct{}),
		closing:     make(chan struct{}),
		readTimeout: opts.ReadTimeout,
	}
	c.conversationID.Store("")
	go c.readLoop()
	return c
}

// Events delivers agent events in arrival order. The channel is closed after
// a KindClosed event.
func (c *Conn) Events() <-chan Event { return c.events }

func (c *Conn) ConversationID() string { return c.conversationID.Load().(string) }

// SendAudio forwards one caller audio chunk. Before the handshake completes
// the chunk is dropped with a warning and ErrNotReady.
func (c *Conn) SendAudio(payload string) error {
	if !c.ready.Load() {
		c.metrics.ObserveDrop(side, observability.DropAgentNotReady)
		c.log.Warn("dropping caller audio: agent conversation not ready")
		return ErrNotReady
	}
	return c.writer.Enqueue("user_audio_chunk", protocol.UserAudioChunk{UserAudioChunk: payload})
}

// Pong answers a keepalive ping with its event id unchanged.
func (c *Conn) Pong(id protocol.EventID) error {
	return c.writer.Enqueue(string(protocol.ClientPong), protocol.NewPong(id))
}

// Close is idempotent and bounded by timeout.
func (c *Conn) Close(timeout time.Duration) error {
	c.closeOnce.Do(func() { close(c.closing) })
	return c.writer.Close(timeout)
}

func (c *Conn) initiate(cfg Config) error {
	return c.writer.Enqueue(string(protocol.ClientInitiation), protocol.NewConversationInitiation(cfg.PromptOverride, cfg.OpeningMessage))
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	defer close(c.events)

	for {
		if c.readTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.emit(Event{Kind: KindClosed, Err: c.readError(err)})
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.ParseAgentMessage(data)
		if err != nil {
			c.metrics.ProtocolErrors.WithLabelValues(side).Inc()
			c.log.WithError(err).Debug("dropping agent frame")
			continue
		}

		ev, ok := c.translate(msg)
		if !ok {
			continue
		}
		c.emit(ev)
	}
}

func (c *Conn) translate(msg any) (Event, bool) {
	switch m := msg.(type) {
	case protocol.ConversationReady:
		c.metrics.ObserveMessage(side, "inbound", string(protocol.AgentInitMetadata))
		if c.ready.CompareAndSwap(false, true) {
			c.conversationID.Store(m.ConversationID)
			c.log.WithFields(logrus.Fields{
				"conversation_id": m.ConversationID,
				"output_format":   m.AgentOutputFormat,
				"input_format":    m.UserInputFormat,
			}).Info("agent conversation ready")
			close(c.readyCh)
		}
		return Event{}, false
	case protocol.AgentAudioChunk:
		c.metrics.ObserveMessage(side, "inbound", string(protocol.AgentAudio))
		return Event{Kind: KindAudioOut, EventID: m.EventID, Payload: m.Payload}, true
	case protocol.AgentInterrupted:
		c.metrics.ObserveMessage(side, "inbound", string(protocol.AgentInterruption))
		return Event{Kind: KindInterrupt, EventID: m.EventID}, true
	case protocol.AgentPinged:
		c.metrics.ObserveMessage(side, "inbound", string(protocol.AgentPing))
		return Event{Kind: KindPing, EventID: m.EventID}, true
	case protocol.AgentResponded:
		c.metrics.ObserveMessage(side, "inbound", string(protocol.AgentResponse))
		return Event{Kind: KindAgentResponse, Text: m.Text}, true
	case protocol.UserTranscribed:
		c.metrics.ObserveMessage(side, "inbound", string(protocol.AgentUserTranscript))
		return Event{Kind: KindTranscript, Text: m.Text}, true
	case protocol.AgentFailed:
		c.metrics.ObserveMessage(side, "inbound", string(protocol.AgentError))
		return Event{Kind: KindError, Text: m.Message, Err: fmt.Errorf("%w: agent error %s: %s", reliability.ErrTransport, m.Code, m.Message)}, true
	default:
		return Event{}, false
	}
}

// emit blocks until the consumer takes ev or the connection is closed.
func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closing:
	}
}

func (c *Conn) readError(err error) error {
	if c.writer.Closed() {
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return fmt.Errorf("%w: agent read: %v", reliability.ErrTransport, err)
}

type Options struct {
	ConnectTimeout time.Duration
	QueueSize      int
	EventBuffer    int
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
}

// Dialer opens agent conversations.
type Dialer struct {
	resolver Resolver
	dialer   websocket.Dialer
	opts     Options
	log      *logrus.Entry
	metrics  *observability.Metrics
}

func NewDialer(resolver Resolver, opts Options, log *logrus.Entry, metrics *observability.Metrics) *Dialer {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &Dialer{
		resolver: resolver,
		dialer:   websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout},
		opts:     opts,
		log:      log.WithField("side", side),
		metrics:  metrics,
	}
}

// Connect resolves the endpoint, dials it, sends the initiation frame and
// waits for the conversation metadata. It fails with an error wrapping
// reliability.ErrHandshakeTimeout if readiness does not arrive within the
// connect timeout.
func (d *Dialer) Connect(ctx context.Context, cfg Config) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	target, err := d.resolver.Resolve(ctx)
	if err != nil {
		return nil, handshakeErr(ctx, err)
	}
	ws, resp, err := d.dialer.DialContext(ctx, target.URL, target.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return nil, fmt.Errorf("%w: agent socket rejected with status %d", reliability.ErrConfiguration, resp.StatusCode)
		}
		return nil, handshakeErr(ctx, fmt.Errorf("%w: dial agent: %v", reliability.ErrTransport, err))
	}

	log := d.log
	if cfg.SessionID != "" {
		log = log.WithField("session_id", cfg.SessionID)
	}
	c := newConn(ws, d.opts, log, d.metrics)
	if err := c.initiate(cfg); err != nil {
		_ = c.Close(0)
		return nil, fmt.Errorf("%w: send initiation: %v", reliability.ErrTransport, err)
	}

	if err := c.awaitReady(ctx); err != nil {
		_ = c.Close(0)
		return nil, err
	}
	return c, nil
}

// awaitReady waits for the conversation metadata. A conversation that became
// ready by the time the socket closed or ctx ended still counts as ready; the
// bridge sees KindClosed next if the socket is gone.
func (c *Conn) awaitReady(ctx context.Context) error {
	var expired bool
	select {
	case <-c.readyCh:
		return nil
	case <-c.readDone:
	case <-ctx.Done():
		expired = true
	}
	if c.ready.Load() {
		return nil
	}
	if expired {
		return handshakeErr(ctx, ctx.Err())
	}
	return fmt.Errorf("%w: agent closed before conversation metadata", reliability.ErrTransport)
}

func handshakeErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", reliability.ErrHandshakeTimeout, err)
	}
	return err
}
