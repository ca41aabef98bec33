package rpc

import (
	"github.com/Lubby-ch/protorpc-channel/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects channel counters. A nil *Metrics records nothing.
type Metrics struct {
	pending  prometheus.Gauge
	requests *prometheus.CounterVec
	rejected prometheus.Counter
}

// NewMetrics creates the channel metrics and registers them on reg, or on the
// default registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "pending_requests",
			Help:      "Requests admitted and awaiting their outcome",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "requests_total",
			Help:      "Requests by call kind and outcome",
		}, []string{"kind", "outcome"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "rejected_requests_total",
			Help:      "Requests refused because too many were in flight",
		}),
	}
	for _, c := range []prometheus.Collector{m.pending, m.requests, m.rejected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) setPending(n uint32) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

func (m *Metrics) observe(kind wire.RpcKind, outcome string) {
	if m != nil {
		m.requests.WithLabelValues(kind.String(), outcome).Inc()
	}
}

func (m *Metrics) reject() {
	if m != nil {
		m.rejected.Inc()
	}
}
