package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeHit       = "hit"
	outcomeMiss      = "miss"
	outcomeShared    = "shared"
	outcomeCancelled = "cancelled"
	outcomeError     = "error"
)

type metrics struct {
	requests *prometheus.CounterVec
	inflight prometheus.Gauge
	evicted  prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun",
			Subsystem: "coordinator",
			Name:      "requests_total",
			Help:      "Outbound operation requests by outcome (hit, miss, shared, cancelled, error).",
		}, []string{"operation", "outcome"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentrun",
			Subsystem: "coordinator",
			Name:      "inflight_calls",
			Help:      "Underlying calls currently in flight.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun",
			Subsystem: "coordinator",
			Name:      "cache_evictions_total",
			Help:      "Cache entries removed by the TTL sweep.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(m.requests, m.inflight, m.evicted)
	}

	return m
}
