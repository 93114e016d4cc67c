package metrics

import "github.com/prometheus/client_golang/prometheus"

type ProximityMetrics struct {
	Queries        *prometheus.CounterVec
	QueryDuration  prometheus.Histogram
	LocationWrites *prometheus.CounterVec
}

func NewProximityMetrics(reg prometheus.Registerer) *ProximityMetrics {
	m := &ProximityMetrics{
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proximity",
			Name:      "queries_total",
			Help:      "Total number of nearby-candidate computations, by whether the result was shared with a concurrent caller.",
		}, []string{"shared"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proximity",
			Name:      "query_duration_seconds",
			Help:      "Duration of nearby-candidate computations in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		LocationWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proximity",
			Name:      "location_writes_total",
			Help:      "Total number of location updates, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.Queries, m.QueryDuration, m.LocationWrites)
	return m
}
