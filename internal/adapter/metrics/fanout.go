package metrics

import "github.com/prometheus/client_golang/prometheus"

// FanoutMetrics holds Prometheus metrics for event fan-out and connected observers.
type FanoutMetrics struct {
	Observers         prometheus.Gauge
	EventsPublished   *prometheus.CounterVec
	MessagesDelivered prometheus.Counter
	SlowObservers     prometheus.Counter
	RelayErrors       prometheus.Counter
}

func NewFanoutMetrics(reg prometheus.Registerer) *FanoutMetrics {
	m := &FanoutMetrics{
		Observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "observers",
			Help:      "Number of connected observers on this instance.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "events_published_total",
			Help:      "Total number of events published, by event type.",
		}, []string{"type"}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "messages_delivered_total",
			Help:      "Total number of messages queued to observers.",
		}),
		SlowObservers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "slow_observers_total",
			Help:      "Total number of observers disconnected for not keeping up.",
		}),
		RelayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "relay_errors_total",
			Help:      "Total number of failures relaying events between instances.",
		}),
	}

	reg.MustRegister(m.Observers, m.EventsPublished, m.MessagesDelivered, m.SlowObservers, m.RelayErrors)
	return m
}
