package relay

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/reliability"
	"github.com/ent0n29/callrelay/internal/session"
	"github.com/ent0n29/callrelay/internal/signaling"
)

// SignalingConn is a signaling socket the Router can drive.
type SignalingConn interface {
	SignalingTransport
	ID() string
	Run(ctx context.Context, handle func(signaling.Event)) error
}

// Router turns the event stream of each signaling socket into bridge
// lifecycles, using the Registry to find the bridge for every frame.
type Router struct {
	registry  *session.Registry
	connector Connector
	metrics   *observability.Metrics
	log       *logrus.Entry
	opts      Options
}

func NewRouter(registry *session.Registry, connector Connector, metrics *observability.Metrics, log *logrus.Entry, opts Options) *Router {
	return &Router{
		registry:  registry,
		connector: connector,
		metrics:   metrics,
		log:       log,
		opts:      opts.withDefaults(),
	}
}

// Serve reads conn until it closes. Bridges started on conn are told about
// the closure so they can clean up; the socket itself is closed on return.
func (r *Router) Serve(ctx context.Context, conn SignalingConn) error {
	log := r.log.WithField("conn_id", conn.ID())
	owned := make(map[string]*Bridge)
	var current string
	// Bridges outlive a canceled read; they end through the transport error
	// below or through Registry.TerminateAll.
	bridgeCtx := context.WithoutCancel(ctx)

	err := conn.Run(ctx, func(ev signaling.Event) {
		if ev.Kind == signaling.KindSessionStart {
			if b, ok := r.start(bridgeCtx, conn, ev, log); ok {
				owned[b.ID()] = b
				current = b.ID()
			}
			return
		}
		id := ev.StreamSID
		if id == "" {
			id = current
		}
		r.route(id, owned[id], ev, log)
	})

	for _, b := range owned {
		b.Deliver(signaling.Event{Kind: signaling.KindTransportError, StreamSID: b.ID(), Err: err})
	}
	for _, b := range owned {
		<-b.Done()
	}
	if len(owned) == 0 {
		_ = conn.Close(r.opts.CloseTimeout)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).WithField("kind", reliability.Kind(err)).Warn("signaling connection failed")
		return err
	}
	return nil
}

func (r *Router) start(ctx context.Context, conn SignalingConn, ev signaling.Event, log *logrus.Entry) (*Bridge, bool) {
	if ev.StreamSID == "" {
		r.metrics.ProtocolErrors.WithLabelValues("signaling").Inc()
		log.Warn("ignoring start without stream id")
		return nil, false
	}
	b := NewBridge(ev, conn, r.connector, r.registry, r.metrics, log, r.opts)
	if err := r.registry.Put(ev.StreamSID, b); err != nil {
		r.metrics.SessionFailures.WithLabelValues(reliability.Kind(err)).Inc()
		log.WithError(err).WithField("session_id", ev.StreamSID).Warn("ignoring duplicate session start")
		return nil, false
	}
	b.Start(ctx)
	return b, true
}

// route delivers ev to the live bridge for id, provided this socket started
// it. Frames naming another socket's session are dropped.
func (r *Router) route(id string, mine *Bridge, ev signaling.Event, log *logrus.Entry) {
	h, ok := r.registry.Get(id)
	if !ok {
		r.metrics.ObserveDrop("signaling", observability.DropUnknownSession)
		log.WithFields(logrus.Fields{"session_id": id, "event": ev.Kind}).Debug("no live session for frame")
		return
	}
	if mine == nil || h != session.Handle(mine) {
		r.metrics.ObserveDrop("signaling", observability.DropForeignSession)
		log.WithFields(logrus.Fields{"session_id": id, "event": ev.Kind}).Warn("dropping frame for a session owned by another connection")
		return
	}
	mine.Deliver(ev)
}
