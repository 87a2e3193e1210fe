package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the sync core. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	framesReceived    *prometheus.CounterVec
	framesDropped     prometheus.Counter
	framesSent        *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	connectionState   prometheus.Gauge
	storedMessages    *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
// Pass nil to get unregistered collectors (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamchat",
			Name:      "frames_received_total",
			Help:      "Inbound frames decoded, by type",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "teamchat",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped because they did not decode",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamchat",
			Name:      "frames_sent_total",
			Help:      "Outbound frames queued, by type",
		}, []string{"type"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "teamchat",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made after losing the connection",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "teamchat",
			Name:      "connection_state",
			Help:      "0 = disconnected, 1 = connecting, 2 = connected",
		}),
		storedMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "teamchat",
			Name:      "store_messages",
			Help:      "Messages in the merged top-level view, by channel",
		}, []string{"channel"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.framesReceived,
			m.framesDropped,
			m.framesSent,
			m.reconnectAttempts,
			m.connectionState,
			m.storedMessages,
		)
	}

	return m
}

func (m *Metrics) RecordFrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Metrics) RecordFrameSent(frameType string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) SetConnectionState(state ConnectionState) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

func (m *Metrics) SetStoredMessages(channelID string, n int) {
	if m == nil {
		return
	}
	m.storedMessages.WithLabelValues(channelID).Set(float64(n))
}

// ForgetChannel drops the per-channel series once a channel is torn down
func (m *Metrics) ForgetChannel(channelID string) {
	if m == nil {
		return
	}
	m.storedMessages.DeleteLabelValues(channelID)
}
