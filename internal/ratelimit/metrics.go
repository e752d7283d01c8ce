package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes limiter decision counters.
type Metrics struct {
	decisions *prometheus.CounterVec
}

// NewMetrics builds the limiter counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncd",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by endpoint class and outcome.",
		}, []string{"class", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.decisions)
	}
	return m
}

func (m *Metrics) observe(class Class, outcome string) {
	m.decisions.WithLabelValues(string(class), outcome).Inc()
}
