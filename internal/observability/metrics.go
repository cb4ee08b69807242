package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	SessionFailures   *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ProtocolErrors    *prometheus.CounterVec
	WSWriteErrors     *prometheus.CounterVec
	DroppedFrames     *prometheus.CounterVec
	HandshakeLatency  prometheus.Histogram
	PendingAudioDepth prometheus.Histogram
	CallStatus        *prometheus.CounterVec

	calls *CallWindow
}

// NewMetrics registers the instruments on reg. A nil reg uses the default
// registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of calls currently bridged.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		SessionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Sessions ended by an error, by error kind.",
		}, []string{"kind"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by side, direction and type.",
		}, []string{"side", "direction", "type"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Malformed or unsupported frames dropped, by side.",
		}, []string{"side"}),
		WSWriteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "Failed websocket writes, by side.",
		}, []string{"side"}),
		DroppedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Audio or control frames dropped, by side and reason.",
		}, []string{"side", "reason"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_handshake_latency_ms",
			Help:      "Latency from session start to agent readiness in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000, 10000},
		}),
		PendingAudioDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pending_audio_frames",
			Help:      "Frames buffered before agent readiness, observed at drain time.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		CallStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_status_callbacks_total",
			Help:      "Telephony status callbacks by call status.",
		}, []string{"status"}),
		calls: NewCallWindow(256),
	}
}

func (m *Metrics) ObserveHandshakeLatency(d time.Duration) {
	m.HandshakeLatency.Observe(float64(d.Milliseconds()))
}

// ObserveCall adds a finished call to the recent-call window.
func (m *Metrics) ObserveCall(rec CallRecord) {
	m.calls.Record(rec)
}

func (m *Metrics) RecentCalls() CallWindowSnapshot {
	return m.calls.Snapshot()
}

func (m *Metrics) ObserveMessage(side, direction, msgType string) {
	m.WSMessages.WithLabelValues(side, direction, msgType).Inc()
}

func (m *Metrics) ObserveDrop(side string, reason DropReason) {
	m.DroppedFrames.WithLabelValues(side, string(reason)).Inc()
}

// MetricsHandler serves the default gatherer.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves g, used when metrics live on a custom registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
