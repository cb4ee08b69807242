package app

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/agent"
	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/httpapi"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/relay"
	"github.com/ent0n29/callrelay/internal/session"
	"github.com/ent0n29/callrelay/internal/telephony"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Registry
	Router   *relay.Router
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	// Telephony is nil when Twilio credentials are not configured.
	Telephony *telephony.Client
}

// Build wires the relay. Missing agent or telephony credentials do not fail
// the build: agent problems surface per session as configuration errors and
// outbound calling is disabled.
func Build(_ context.Context, cfg config.Config, logger *logrus.Logger) (*BuildResult, error) {
	log := logrus.NewEntry(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	sessions := session.NewRegistry(cfg.MaxCallDuration)
	sessions.SetExpireHook(func(s session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		log.WithFields(logrus.Fields{"session_id": s.ID, "call_id": s.CallID}).Warn("session exceeded max call duration")
	})

	connector := agentConnector(cfg, log, metrics)
	router := relay.NewRouter(sessions, connector, metrics, log.WithField("component", "relay"), relay.Options{
		ConnectTimeout:  cfg.ConnectTimeout,
		CloseTimeout:    cfg.CloseTimeout,
		PendingCapacity: cfg.PendingAudioCapacity,
	})

	var (
		calls    httpapi.CallPlacer
		twilioCl *telephony.Client
	)
	if cfg.TwilioConfigured() {
		c, err := telephony.New(telephony.Config{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
			BaseURL:    cfg.TwilioAPIBaseURL,
		})
		if err != nil {
			return nil, err
		}
		twilioCl = c
		calls = c
	} else {
		log.Info("twilio credentials not set; outbound calling disabled")
	}

	api := httpapi.New(cfg, sessions, router, metrics, log, httpapi.Options{Calls: calls, Gatherer: reg})

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Sessions:  sessions,
		Router:    router,
		Metrics:   metrics,
		Gatherer:  reg,
		Telephony: twilioCl,
	}, nil
}

func agentConnector(cfg config.Config, log *logrus.Entry, metrics *observability.Metrics) relay.Connector {
	resolver, err := agent.NewResolver(agent.ResolverConfig{
		Mode:       cfg.ElevenLabsAuthMode,
		APIKey:     cfg.ElevenLabsAPIKey,
		AgentID:    cfg.ElevenLabsAgentID,
		APIBaseURL: cfg.ElevenLabsAPIBaseURL,
		WSBaseURL:  cfg.ElevenLabsWSBaseURL,
		HTTPClient: &http.Client{Timeout: cfg.ConnectTimeout},
	})
	if err != nil {
		log.WithError(err).Warn("agent not configured; calls will end at session start")
		return relay.ConnectorFunc(func(context.Context, agent.Config) (relay.AgentTransport, error) {
			return nil, err
		})
	}
	dialer := agent.NewDialer(resolver, agent.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		QueueSize:      cfg.OutboundQueueSize,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    2 * time.Minute,
	}, log.WithField("component", "agent"), metrics)
	return relay.DialerConnector(dialer)
}
