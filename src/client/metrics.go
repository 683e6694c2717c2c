package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	dispatches       *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	droppedFrames    *prometheus.CounterVec
	heartbeats       prometheus.Counter
	heartbeatLatency prometheus.Histogram
	connected        prometheus.Gauge
}

// NewMetrics registers the collectors with reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "discord"
	}
	factory := promauto.With(reg)

	return &Metrics{
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "dispatch_events_total",
			Help:      "DISPATCH frames delivered to the event sink",
		}, []string{"event"}),

		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts, by handshake mode",
		}, []string{"mode"}),

		droppedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped without ending the connection",
		}, []string{"reason"}),

		heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeats written to the gateway",
		}),

		heartbeatLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "heartbeat_ack_latency_seconds",
			Help:      "Time between a heartbeat and its acknowledgement",
			Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connected",
			Help:      "1 while the shard has a READY or RESUMED session",
		}),
	}
}

func (m *Metrics) dispatched(event string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(event).Inc()
}

func (m *Metrics) reconnecting(resume bool) {
	if m == nil {
		return
	}
	mode := "identify"
	if resume {
		mode = "resume"
	}
	m.reconnects.WithLabelValues(mode).Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.droppedFrames.WithLabelValues(reason).Inc()
}

func (m *Metrics) heartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *Metrics) heartbeatAcked(latency time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatLatency.Observe(latency.Seconds())
}

func (m *Metrics) setConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}
