// Package metrics holds the prometheus collectors of the chat server. A nil
// *Metrics is valid and records nothing, which keeps the collectors optional
// for tests and tools.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chat"

// Metrics groups every collector exported on /metrics.
type Metrics struct {
	connectedClients   prometheus.Gauge
	activeSessions     *prometheus.GaugeVec
	publishedFrames    *prometheus.CounterVec
	droppedSubscribers prometheus.Counter
	inboundEvents      *prometheus.CounterVec

	reg prometheus.Registerer
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Number of open websocket connections.",
		}),
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of accepted sessions by endpoint kind.",
		}, []string{"kind"}),
		publishedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_frames_total",
			Help:      "Frames published to broadcast groups, by group kind.",
		}, []string{"kind"}),
		droppedSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers disconnected because their send buffer was full.",
		}),
		inboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Client events received, by event type.",
		}, []string{"type"}),
		reg: reg,
	}
	reg.MustRegister(
		m.connectedClients,
		m.activeSessions,
		m.publishedFrames,
		m.droppedSubscribers,
		m.inboundEvents,
	)
	return m
}

// TrackSubscribers exports count as the number of hub subscribers. Call it
// once per registry.
func (m *Metrics) TrackSubscribers(count func() int) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers",
		Help:      "Connections attached to at least one broadcast group.",
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.connectedClients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.connectedClients.Dec()
}

func (m *Metrics) SessionStarted(kind string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionEnded(kind string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(kind).Dec()
}

func (m *Metrics) FramePublished(kind string) {
	if m == nil {
		return
	}
	m.publishedFrames.WithLabelValues(kind).Inc()
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.droppedSubscribers.Inc()
}

func (m *Metrics) EventReceived(eventType string) {
	if m == nil {
		return
	}
	m.inboundEvents.WithLabelValues(eventType).Inc()
}
