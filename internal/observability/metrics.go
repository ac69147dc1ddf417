package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/voxlink/internal/reliability"
)

// Metrics groups all Prometheus instruments used by the engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionState     prometheus.Gauge
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	DroppedFrames    *prometheus.CounterVec
	Errors           *prometheus.CounterVec
	HandshakeLatency prometheus.Histogram

	Stages *StageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SessionState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state (0 idle, 1 connecting, 2 awaiting handshake, 3 active, 4 draining).",
		}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of non-idle realtime sessions (0 or 1).",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		DroppedFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Audio frames or inbound messages dropped, by reason.",
		}, []string{"reason"}),
		Errors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by class.",
		}, []string{"class"}),
		HandshakeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_ms",
			Help:      "Latency from trigger to session.created in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 7000, 10000},
		}),
		Stages: NewStageWindow(256),
	}
}

func (m *Metrics) SetSessionState(state int) {
	if m == nil {
		return
	}
	m.SessionState.Set(float64(state))
	if state == 0 {
		m.ActiveSessions.Set(0)
	} else {
		m.ActiveSessions.Set(1)
	}
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveDropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedFrames.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveError(err error) {
	if m == nil || err == nil {
		return
	}
	m.Errors.WithLabelValues(reliability.Classify(err)).Inc()
}

func (m *Metrics) ObserveHandshakeLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(float64(d.Milliseconds()))
	m.Stages.Observe(StageHandshake, float64(d)/float64(time.Millisecond))
}

// ObserveStage records a stage duration in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.Stages.Observe(stage, float64(d)/float64(time.Millisecond))
}

// ObserveStageFailure counts a stage that did not complete.
func (m *Metrics) ObserveStageFailure(stage string) {
	if m == nil {
		return
	}
	m.Stages.ObserveFailure(stage)
}

// StageSnapshot returns the rolling stage stats; empty for a nil receiver.
func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return NewStageWindow(1).Snapshot()
	}
	return m.Stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
