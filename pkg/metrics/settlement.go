package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics tracks charges issued during reconciliation.
type SettlementMetrics struct {
	attempts *prometheus.CounterVec
	settled  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func NewSettlementMetrics(reg prometheus.Registerer) *SettlementMetrics {
	if reg == nil {
		return &SettlementMetrics{}
	}
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "attempts_total",
		Help:      "Settlement charges by provider, entry kind and outcome.",
	}, []string{"provider", "kind", "outcome"})
	settled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "settled_minor_units_total",
		Help:      "Minor currency units settled.",
	}, []string{"provider", "kind"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "charge_duration_seconds",
		Help:      "Latency of provider charge calls.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"provider"})
	reg.MustRegister(attempts, settled, latency)
	return &SettlementMetrics{attempts: attempts, settled: settled, latency: latency}
}

// ObserveCharge records one provider call. Successful charges also add the
// amount to the settled counter.
func (m *SettlementMetrics) ObserveCharge(provider, kind string, success bool, amount int64, took time.Duration) {
	if m == nil || m.attempts == nil {
		return
	}
	provider, kind = normalizeLabel(provider), normalizeLabel(kind)
	outcome := "failure"
	if success {
		outcome = "success"
		m.settled.WithLabelValues(provider, kind).Add(float64(amount))
	}
	m.attempts.WithLabelValues(provider, kind, outcome).Inc()
	m.latency.WithLabelValues(provider).Observe(took.Seconds())
}
