package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulerMetrics holds Prometheus metrics for recurring job firings and executions.
type SchedulerMetrics struct {
	Firings           *prometheus.CounterVec
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	Retries           *prometheus.CounterVec
	Reclaimed         prometheus.Counter
	Leader            prometheus.Gauge
}

func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		Firings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "firings_total",
			Help:      "Total number of job firings enqueued, by job.",
		}, []string{"job"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "executions_total",
			Help:      "Total number of handler executions, by job and outcome.",
		}, []string{"job", "outcome"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "execution_duration_seconds",
			Help:      "Duration of handler executions in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "retries_total",
			Help:      "Total number of firings scheduled for another attempt, by job.",
		}, []string{"job"}),
		Reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "reclaimed_total",
			Help:      "Total number of firings reclaimed from crashed or stalled workers.",
		}),
		Leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "leader",
			Help:      "1 if this instance currently drives the schedule clock, 0 otherwise.",
		}),
	}

	reg.MustRegister(m.Firings, m.Executions, m.ExecutionDuration, m.Retries, m.Reclaimed, m.Leader)
	return m
}
