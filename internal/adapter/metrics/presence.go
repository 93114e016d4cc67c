package metrics

import "github.com/prometheus/client_golang/prometheus"

// PresenceMetrics covers the reconciliation pass over the active-user registry.
type PresenceMetrics struct {
	ActiveUsers       prometheus.Gauge
	Evictions         *prometheus.CounterVec
	ReconcileRuns     *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
}

func NewPresenceMetrics(reg prometheus.Registerer) *PresenceMetrics {
	m := &PresenceMetrics{
		ActiveUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "active_users",
			Help:      "Number of users considered active after the last reconciliation.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "evictions_total",
			Help:      "Total number of evicted presence entries, by reason.",
		}, []string{"reason"}),
		ReconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "reconcile_runs_total",
			Help:      "Total number of reconciliation passes, by result.",
		}, []string{"result"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation passes in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}

	reg.MustRegister(m.ActiveUsers, m.Evictions, m.ReconcileRuns, m.ReconcileDuration)
	return m
}
