package cemear

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the connection and the store. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connectionState   *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	eventsReceived    *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	emitFailures      *prometheus.CounterVec
	messagesApplied   *prometheus.CounterVec
	unreadTotal       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cemear",
			Name:      "connection_state",
			Help:      "1 for the current realtime connection state, 0 otherwise",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cemear",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnection attempts",
		}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cemear",
			Name:      "events_received_total",
			Help:      "Realtime events received by name",
		}, []string{"event"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cemear",
			Name:      "events_dropped_total",
			Help:      "Realtime events dropped by reason",
		}, []string{"reason"}),
		emitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cemear",
			Name:      "emit_failures_total",
			Help:      "Outgoing events that could not be sent",
		}, []string{"event"}),
		messagesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cemear",
			Name:      "messages_applied_total",
			Help:      "Messages merged into the store by result",
		}, []string{"result"}),
		unreadTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cemear",
			Name:      "unread_total",
			Help:      "Unread messages across all conversations",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connectionState,
			m.reconnectAttempts,
			m.eventsReceived,
			m.eventsDropped,
			m.emitFailures,
			m.messagesApplied,
			m.unreadTotal,
		)
	}
	return m
}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) eventReceived(name string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(name).Inc()
}

func (m *Metrics) eventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) emitFailed(event string) {
	if m == nil {
		return
	}
	m.emitFailures.WithLabelValues(event).Inc()
}

func (m *Metrics) messageApplied(result string) {
	if m == nil {
		return
	}
	m.messagesApplied.WithLabelValues(result).Inc()
}

func (m *Metrics) setUnread(n int) {
	if m == nil {
		return
	}
	m.unreadTotal.Set(float64(n))
}
