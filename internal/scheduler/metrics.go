package scheduler

import "github.com/prometheus/client_golang/prometheus"

// schedulerMetrics tracks fan-in queue health. measurementsDropped counts
// every time the queue had to evict an unwritten measurement to make room
// for a new one.
type schedulerMetrics struct {
	measurementsDropped prometheus.Counter
}

func newSchedulerMetrics(reg prometheus.Registerer) *schedulerMetrics {
	m := &schedulerMetrics{
		measurementsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bufferbane",
			Subsystem: "scheduler",
			Name:      "measurements_dropped_total",
			Help:      "Measurements evicted from the fan-in queue before the writer could persist them.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.measurementsDropped)
	}
	return m
}

func (m *schedulerMetrics) onDrop() {
	m.measurementsDropped.Inc()
}
