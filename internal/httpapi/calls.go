package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/reliability"
	"github.com/ent0n29/callrelay/internal/telephony"
)

type outboundCallRequest struct {
	To           string `json:"to"`
	Prompt       string `json:"prompt"`
	FirstMessage string `json:"first_message"`
}

type outboundCallResponse struct {
	CallSID   string `json:"call_sid"`
	RequestID string `json:"request_id"`
}

// handleTwiML serves the control document for both inbound calls (Twilio
// webhook POST) and outbound calls (GET with overrides in the query).
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	streamURL, err := telephony.MediaStreamURL(s.publicURL(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "invalid_public_url", err.Error())
		return
	}
	doc, err := telephony.StreamTwiML(streamURL, map[string]string{
		protocol.ParamPrompt:       strings.TrimSpace(r.Form.Get(protocol.ParamPrompt)),
		protocol.ParamFirstMessage: strings.TrimSpace(r.Form.Get(protocol.ParamFirstMessage)),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_failed", err.Error())
		return
	}
	s.log.WithFields(logrus.Fields{
		"call_id": r.Form.Get("CallSid"),
		"stream":  streamURL,
	}).Debug("served control document")
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		respondError(w, http.StatusServiceUnavailable, "outbound_disabled", "telephony credentials are not configured")
		return
	}
	if s.cfg.PublicURL == "" {
		respondError(w, http.StatusServiceUnavailable, "public_url_missing", "APP_PUBLIC_URL is required for outbound calls")
		return
	}

	var req outboundCallRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" {
		respondError(w, http.StatusBadRequest, "missing_to", "field to is required")
		return
	}

	requestID := uuid.NewString()
	controlURL := telephony.ControlURL(s.cfg.PublicURL, map[string]string{
		protocol.ParamPrompt:       strings.TrimSpace(req.Prompt),
		protocol.ParamFirstMessage: strings.TrimSpace(req.FirstMessage),
	})
	log := s.log.WithFields(logrus.Fields{"request_id": requestID, "to": policy.MaskNumber(req.To)})

	callSID, err := s.calls.PlaceCall(r.Context(), req.To, controlURL, s.cfg.PublicURL+"/call-status")
	if err != nil {
		kind := reliability.Kind(err)
		log.WithError(err).WithField("kind", kind).Warn("outbound call failed")
		status := http.StatusBadGateway
		if errors.Is(err, reliability.ErrConfiguration) {
			status = http.StatusServiceUnavailable
		}
		respondError(w, status, "call_failed", err.Error())
		return
	}

	s.metrics.SessionEvents.WithLabelValues("outbound_call").Inc()
	log.WithField("call_id", callSID).Info("outbound call placed")
	respondJSON(w, http.StatusCreated, outboundCallResponse{CallSID: callSID, RequestID: requestID})
}

// terminalCallStatuses end any session still attached to the call.
var terminalCallStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"failed":    true,
	"no-answer": true,
	"canceled":  true,
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	callSID := strings.TrimSpace(r.PostForm.Get("CallSid"))
	status := strings.ToLower(strings.TrimSpace(r.PostForm.Get("CallStatus")))
	if status == "" {
		status = "unknown"
	}
	s.metrics.CallStatus.WithLabelValues(status).Inc()
	s.log.WithFields(logrus.Fields{
		"call_id":  callSID,
		"status":   status,
		"duration": r.PostForm.Get("CallDuration"),
	}).Info("call status")

	if terminalCallStatuses[status] && callSID != "" {
		for _, snap := range s.sessions.List() {
			if snap.CallID != callSID {
				continue
			}
			if h, ok := s.sessions.Get(snap.ID); ok {
				h.Terminate("call_" + status)
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// publicURL is the configured public base URL, or one derived from the
// request when unset.
func (s *Server) publicURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return s.cfg.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return scheme + "://" + r.Host
}
