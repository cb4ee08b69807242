// Package wsio serializes writes to a gorilla websocket through one goroutine
// fed by a bounded queue.
package wsio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/observability"
)

var (
	ErrClosed    = errors.New("wsio: writer closed")
	ErrQueueFull = errors.New("wsio: outbound queue full")
)

type Options struct {
	// Side labels metrics and logs ("signaling" or "agent").
	Side         string
	QueueSize    int
	WriteTimeout time.Duration
}

type frame struct {
	msgType string
	body    any
}

// Writer owns every data write on ws. Close and WriteControl are the only
// other calls gorilla allows concurrently, and Writer uses them only in Close.
type Writer struct {
	ws      *websocket.Conn
	opts    Options
	log     *logrus.Entry
	metrics *observability.Metrics

	mu     sync.Mutex
	closed bool
	queue  chan frame

	done      chan struct{}
	failed    atomic.Bool
	closeOnce sync.Once
}

func NewWriter(ws *websocket.Conn, opts Options, log *logrus.Entry, metrics *observability.Metrics) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	w := &Writer{
		ws:      ws,
		opts:    opts,
		log:     log,
		metrics: metrics,
		queue:   make(chan frame, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// Enqueue schedules body for writing as JSON. It never blocks: a full queue
// drops the frame and returns ErrQueueFull.
func (w *Writer) Enqueue(msgType string, body any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- frame{msgType: msgType, body: body}:
		return nil
	default:
		w.metrics.ObserveDrop(w.opts.Side, observability.DropQueueFull)
		w.log.WithField("type", msgType).Warn("outbound queue full, dropping frame")
		return ErrQueueFull
	}
}

// Failed reports whether a write has failed; the socket is unusable after.
func (w *Writer) Failed() bool {
	return w.failed.Load()
}

// Closed reports whether Close has been called.
func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Close stops accepting frames, gives queued frames up to timeout to flush,
// then sends a normal close frame and closes the socket. Only the first call
// does any work.
func (w *Writer) Close(timeout time.Duration) error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-w.done:
		case <-timer.C:
			w.log.WithField("timeout", timeout).Warn("outbound flush timed out, forcing close")
		}

		if !w.failed.Load() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeFrameDeadline(timeout)))
		}
		if cerr := w.ws.Close(); cerr != nil && !errors.Is(cerr, websocket.ErrCloseSent) {
			err = cerr
		}
	})
	return err
}

func (w *Writer) loop() {
	defer close(w.done)
	for f := range w.queue {
		if w.failed.Load() {
			w.metrics.ObserveDrop(w.opts.Side, observability.DropWriteFailed)
			continue
		}
		_ = w.ws.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout))
		if err := w.ws.WriteJSON(f.body); err != nil {
			w.failed.Store(true)
			w.metrics.WSWriteErrors.WithLabelValues(w.opts.Side).Inc()
			w.log.WithError(err).Warn("websocket write failed")
			// Unblock the reader so the failure surfaces as a transport error.
			_ = w.ws.Close()
			continue
		}
		w.metrics.ObserveMessage(w.opts.Side, "outbound", f.msgType)
	}
}

func closeFrameDeadline(timeout time.Duration) time.Duration {
	if timeout <= 0 || timeout > time.Second {
		return time.Second
	}
	return timeout
}
