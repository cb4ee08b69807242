package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/relay"
	"github.com/ent0n29/callrelay/internal/session"
	"github.com/ent0n29/callrelay/internal/signaling"
)

// MediaRouter drives one media-stream socket until it closes.
type MediaRouter interface {
	Serve(ctx context.Context, conn relay.SignalingConn) error
}

// CallPlacer starts outbound calls.
type CallPlacer interface {
	PlaceCall(ctx context.Context, to, controlURL, statusCallbackURL string) (string, error)
}

type Server struct {
	cfg      config.Config
	sessions *session.Registry
	router   MediaRouter
	calls    CallPlacer
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

type Options struct {
	// Calls may be nil when outbound calling is not configured.
	Calls CallPlacer
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
}

func New(cfg config.Config, sessions *session.Registry, router MediaRouter, metrics *observability.Metrics, log *logrus.Entry, opts Options) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		router:   router,
		calls:    opts.Calls,
		metrics:  metrics,
		gatherer: opts.Gatherer,
		log:      log.WithField("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Media Streams connect server-to-server without an Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.handleMetrics)

	r.Get("/twiml", s.handleTwiML)
	r.Post("/twiml", s.handleTwiML)
	r.Post("/outbound-call", s.handleOutboundCall)
	r.Post("/call-status", s.handleCallStatus)
	r.Get("/media-stream", s.handleMediaStream)

	r.Get("/v1/sessions", s.handleListSessions)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/perf/calls", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, s.metrics.RecentCalls())
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	agentConfigured := s.cfg.ElevenLabsAgentID != ""
	status := http.StatusOK
	state := "ready"
	if !agentConfigured {
		status = http.StatusServiceUnavailable
		state = "agent_not_configured"
	}
	respondJSON(w, status, map[string]any{
		"status":           state,
		"agent_configured": agentConfigured,
		"outbound_enabled": s.calls != nil,
		"agent_auth_mode":  s.cfg.ElevenLabsAuthMode,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.gatherer != nil {
		observability.HandlerFor(s.gatherer).ServeHTTP(w, r)
		return
	}
	observability.MetricsHandler().ServeHTTP(w, r)
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "media router not configured")
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("media stream upgrade failed")
		return
	}

	conn := signaling.NewConn(ws, signaling.Options{QueueSize: s.cfg.OutboundQueueSize}, s.log, s.metrics)
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	log := s.log.WithFields(logrus.Fields{"conn_id": conn.ID(), "remote": r.RemoteAddr})
	log.Debug("media stream connected")

	if err := s.router.Serve(r.Context(), conn); err != nil {
		log.WithError(err).Debug("media stream ended with error")
	}
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"active_sessions": s.sessions.ActiveCount(),
		"sessions":        s.sessions.List(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	h, ok := s.sessions.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "no live session "+id)
		return
	}
	snap := h.Snapshot()
	if !snap.State.Forwarding() {
		// Already winding down; the first reason stands.
		respondJSON(w, http.StatusAccepted, snap)
		return
	}
	h.Terminate("ended_by_operator")
	s.metrics.SessionEvents.WithLabelValues("ended_by_operator").Inc()
	respondJSON(w, http.StatusAccepted, h.Snapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
