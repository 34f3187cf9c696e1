// Package metrics exposes Prometheus collectors describing the bridge session
// and command execution. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wxbridge"

type Metrics struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
	connected       prometheus.Gauge
	reconnects      prometheus.Counter
	sent            prometheus.Counter
	sendRetries     prometheus.Counter
	inbound         *prometheus.CounterVec
	inboundDropped  prometheus.Counter
}

// MustNew builds the collectors and registers them with reg, panicking on a
// registration conflict. A nil reg uses the default registerer.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "total",
			Help:      "Commands answered, by action and terminal status.",
		}, []string{"action", "status"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Time from command receipt to its terminal result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "outbound_queue_depth",
			Help:      "Envelopes waiting to be written to the connection.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connected",
			Help:      "1 while the websocket connection is open.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Connection attempts made after the first one.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "sent_total",
			Help:      "Envelopes written to the connection.",
		}),
		sendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "send_retries_total",
			Help:      "Times the sender backed off because it could not write the queue head.",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "inbound_total",
			Help:      "Decoded inbound envelopes, by type.",
		}, []string{"type"}),
		inboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "inbound_dropped_total",
			Help:      "Inbound messages dropped because they failed to decode.",
		}),
	}
	reg.MustRegister(
		m.commands,
		m.commandDuration,
		m.queueDepth,
		m.connected,
		m.reconnects,
		m.sent,
		m.sendRetries,
		m.inbound,
		m.inboundDropped,
	)
	return m
}

func (m *Metrics) ObserveCommand(action, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(action, status).Inc()
	m.commandDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) IncSent() {
	if m == nil {
		return
	}
	m.sent.Inc()
}

func (m *Metrics) IncSendRetry() {
	if m == nil {
		return
	}
	m.sendRetries.Inc()
}

func (m *Metrics) IncInbound(typ string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(typ).Inc()
}

func (m *Metrics) IncInboundDropped() {
	if m == nil {
		return
	}
	m.inboundDropped.Inc()
}
