package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/reliability"
	"github.com/ent0n29/callrelay/internal/wsio"
)

const side = "signaling"

type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
	// ReadTimeout bounds the silence between inbound frames. Media Streams send
	// audio every 20ms while a call is up.
	ReadTimeout time.Duration
	ReadLimit   int64
}

// Conn is one Media Streams websocket. Reads happen in Run; writes go through
// a bounded queue so callers never block on the network.
type Conn struct {
	id      string
	ws      *websocket.Conn
	writer  *wsio.Writer
	log     *logrus.Entry
	metrics *observability.Metrics
	opts    Options

	readDone chan struct{}
	runOnce  sync.Once
}

func NewConn(ws *websocket.Conn, opts Options, log *logrus.Entry, metrics *observability.Metrics) *Conn {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	id := uuid.NewString()
	log = log.WithFields(logrus.Fields{"side": side, "conn_id": id})
	return &Conn{
		id:       id,
		ws:       ws,
		writer:   wsio.NewWriter(ws, wsio.Options{Side: side, QueueSize: opts.QueueSize, WriteTimeout: opts.WriteTimeout}, log, metrics),
		log:      log,
		metrics:  metrics,
		opts:     opts,
		readDone: make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Run reads frames until the socket fails or ctx ends, passing each decoded
// event to handle on the calling goroutine. Malformed and unsupported frames
// are logged and skipped. A normal close returns nil; anything else returns
// an error wrapping reliability.ErrTransport.
func (c *Conn) Run(ctx context.Context, handle func(Event)) error {
	err := errors.New("signaling: Run called twice")
	c.runOnce.Do(func() {
		err = c.run(ctx, handle)
	})
	return err
}

func (c *Conn) run(ctx context.Context, handle func(Event)) error {
	defer close(c.readDone)

	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()

	c.ws.SetReadLimit(c.opts.ReadLimit)
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.writer.Closed() {
				return nil
			}
			return fmt.Errorf("%w: signaling read: %v", reliability.ErrTransport, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.ParseTwilioMessage(data)
		if err != nil {
			c.metrics.ProtocolErrors.WithLabelValues(side).Inc()
			c.log.WithError(err).Warn("dropping signaling frame")
			continue
		}
		ev, ok := FromMessage(msg, time.Now().UTC())
		if _, connected := msg.(protocol.StreamConnected); connected {
			c.metrics.ObserveMessage(side, "inbound", string(protocol.TwilioConnected))
		}
		if !ok {
			continue
		}
		c.metrics.ObserveMessage(side, "inbound", string(ev.Kind))
		handle(ev)
	}
}

func (c *Conn) SendMedia(streamSID, payload string) error {
	return c.writer.Enqueue(string(protocol.TwilioMedia), protocol.NewMediaFrame(streamSID, payload))
}

func (c *Conn) SendClear(streamSID string) error {
	return c.writer.Enqueue(string(protocol.TwilioClear), protocol.NewClearFrame(streamSID))
}

func (c *Conn) SendMark(streamSID, name string) error {
	return c.writer.Enqueue(string(protocol.TwilioMark), protocol.NewMarkFrame(streamSID, name))
}

// Closed reports whether frames can no longer reach the caller.
func (c *Conn) Closed() bool {
	if c.writer.Closed() || c.writer.Failed() {
		return true
	}
	select {
	case <-c.readDone:
		return true
	default:
		return false
	}
}

// Close flushes queued frames for at most timeout and closes the socket.
// It is idempotent.
func (c *Conn) Close(timeout time.Duration) error {
	return c.writer.Close(timeout)
}
