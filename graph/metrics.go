package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors an Executor reports to.
type Metrics struct {
	computes     *prometheus.CounterVec
	tasks        *prometheus.CounterVec
	taskDuration prometheus.Histogram
	activeTasks  prometheus.Gauge
}

// NewMetrics creates executor collectors and registers them with reg. A nil
// registerer creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		computes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lazyarray",
			Name:      "compute_calls_total",
			Help:      "Number of graph compute calls by outcome.",
		}, []string{"status"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lazyarray",
			Name:      "tasks_total",
			Help:      "Number of task executions by outcome.",
		}, []string{"status"}),
		taskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lazyarray",
			Name:      "task_duration_seconds",
			Help:      "Time spent executing a single task.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		activeTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "lazyarray",
			Name:      "active_tasks",
			Help:      "Number of tasks currently executing.",
		}),
	}
}
