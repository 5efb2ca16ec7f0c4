package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Inbound message outcomes
const (
	InboundAccepted  = "accepted"
	InboundMalformed = "malformed"
)

// SessionMetrics holds the Prometheus metrics of the conversation transport
type SessionMetrics struct {
	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	InboundMessages  *prometheus.CounterVec
	OutboundEvents   *prometheus.CounterVec
	SnapshotWrites   *prometheus.CounterVec
	LiveConversation prometheus.GaugeFunc
}

// NewSessionMetrics creates and registers the session metrics with reg.
// liveConversations is sampled at scrape time and may be nil.
func NewSessionMetrics(reg prometheus.Registerer, liveConversations func() float64) *SessionMetrics {
	factory := promauto.With(reg)
	m := &SessionMetrics{}

	m.SessionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_orchestrator_sessions_active",
			Help: "Number of open conversation sessions",
		},
	)

	m.SessionsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "app_orchestrator_sessions_total",
			Help: "Total number of conversation sessions opened",
		},
	)

	m.InboundMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_orchestrator_inbound_messages_total",
			Help: "Total number of client messages by outcome",
		},
		[]string{"outcome"},
	)

	m.OutboundEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_orchestrator_outbound_events_total",
			Help: "Total number of events written to clients by type",
		},
		[]string{"type"},
	)

	m.SnapshotWrites = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_orchestrator_snapshot_writes_total",
			Help: "Total number of snapshot writes by outcome",
		},
		[]string{"outcome"},
	)

	if liveConversations != nil {
		m.LiveConversation = factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "app_orchestrator_live_conversations",
				Help: "Number of conversations held in the live registry",
			},
			liveConversations,
		)
	}

	return m
}

// SessionOpened records a new session
func (m *SessionMetrics) SessionOpened() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// SessionClosed records a session ending
func (m *SessionMetrics) SessionClosed() {
	m.SessionsActive.Dec()
}

// InboundMessage records a client message
func (m *SessionMetrics) InboundMessage(outcome string) {
	m.InboundMessages.WithLabelValues(outcome).Inc()
}

// OutboundEvent records an event written to a client
func (m *SessionMetrics) OutboundEvent(eventType string) {
	m.OutboundEvents.WithLabelValues(eventType).Inc()
}

// ObserveSnapshotWrite records a snapshot write outcome
func (m *SessionMetrics) ObserveSnapshotWrite(outcome string) {
	m.SnapshotWrites.WithLabelValues(outcome).Inc()
}
