package stream

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts subscription trouble. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reconnects prometheus.Counter
	failures   prometheus.Counter
	malformeds prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun",
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after an abnormal close.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun",
			Subsystem: "stream",
			Name:      "failures_total",
			Help:      "Subscriptions that gave up after exhausting reconnect attempts.",
		}),
		malformeds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun",
			Subsystem: "stream",
			Name:      "malformed_messages_total",
			Help:      "Inbound messages skipped because they could not be decoded.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(m.reconnects, m.failures, m.malformeds)
	}

	return m
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) failed() {
	if m != nil {
		m.failures.Inc()
	}
}

func (m *Metrics) malformed() {
	if m != nil {
		m.malformeds.Inc()
	}
}
