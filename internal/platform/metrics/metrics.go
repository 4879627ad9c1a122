package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the camera relay.
// Every method is safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter

	framesCaptured prometheus.Counter
	framesRelayed  prometheus.Counter
	framesEvicted  prometheus.Counter
	sinkErrors     prometheus.Counter

	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	activeSessions  prometheus.Gauge

	controlMessages    *prometheus.CounterVec
	controlMalformed   prometheus.Counter
	heartbeatsSent     prometheus.Counter
	controlConnections prometheus.Gauge
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		framesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_frames_captured_total",
			Help: "Total number of frames read from camera sources",
		}),
		framesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_frames_relayed_total",
			Help: "Total number of frames accepted by the outbound sink",
		}),
		framesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_frames_evicted_total",
			Help: "Total number of buffered frames evicted because a camera buffer was full",
		}),
		sinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_sink_errors_total",
			Help: "Total number of frames the outbound sink failed to accept",
		}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_sessions_started_total",
			Help: "Total number of capture sessions whose source opened successfully",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_sessions_ended_total",
			Help: "Total number of capture sessions removed from the registry, by reason",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_active_sessions",
			Help: "Number of cameras with an active session",
		}),
		controlMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_control_messages_total",
			Help: "Total number of well-formed control messages, by action",
		}, []string{"action"}),
		controlMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_control_malformed_total",
			Help: "Total number of control messages discarded as malformed",
		}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_heartbeats_sent_total",
			Help: "Total number of heartbeat messages written to control connections",
		}),
		controlConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_control_connections",
			Help: "Number of open control connections",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.framesCaptured,
		m.framesRelayed,
		m.framesEvicted,
		m.sinkErrors,
		m.sessionsStarted,
		m.sessionsEnded,
		m.activeSessions,
		m.controlMessages,
		m.controlMalformed,
		m.heartbeatsSent,
		m.controlConnections,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncFramesCaptured increments the captured frames counter.
func (m *Metrics) IncFramesCaptured() {
	if m == nil {
		return
	}
	m.framesCaptured.Inc()
}

// IncFramesRelayed increments the relayed frames counter.
func (m *Metrics) IncFramesRelayed() {
	if m == nil {
		return
	}
	m.framesRelayed.Inc()
}

// IncFramesEvicted increments the evicted frames counter.
func (m *Metrics) IncFramesEvicted() {
	if m == nil {
		return
	}
	m.framesEvicted.Inc()
}

// IncSinkErrors increments the sink errors counter.
func (m *Metrics) IncSinkErrors() {
	if m == nil {
		return
	}
	m.sinkErrors.Inc()
}

// IncSessionsStarted increments the started sessions counter.
func (m *Metrics) IncSessionsStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

// IncSessionsEnded increments the ended sessions counter for reason.
func (m *Metrics) IncSessionsEnded(reason string) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// IncControlMessages increments the control message counter for action.
func (m *Metrics) IncControlMessages(action string) {
	if m == nil {
		return
	}
	m.controlMessages.WithLabelValues(action).Inc()
}

// IncControlMalformed increments the malformed control message counter.
func (m *Metrics) IncControlMalformed() {
	if m == nil {
		return
	}
	m.controlMalformed.Inc()
}

// IncHeartbeats increments the heartbeat counter.
func (m *Metrics) IncHeartbeats() {
	if m == nil {
		return
	}
	m.heartbeatsSent.Inc()
}

// AddControlConnections adjusts the open control connections gauge by delta.
func (m *Metrics) AddControlConnections(delta int) {
	if m == nil {
		return
	}
	m.controlConnections.Add(float64(delta))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
