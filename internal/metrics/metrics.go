package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	runs         *prometheus.CounterVec
	deliverables prometheus.Counter
	dependencies prometheus.Counter
	duration     *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commitline",
			Name:      "orchestration_runs_total",
			Help:      "Orchestration runs by outcome.",
		}, []string{"outcome"}),
		deliverables: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commitline",
			Name:      "deliverables_created_total",
			Help:      "Deliverables created by orchestration runs.",
		}),
		dependencies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commitline",
			Name:      "dependencies_created_total",
			Help:      "Dependency edges created by orchestration runs.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "commitline",
			Name:      "orchestration_run_duration_seconds",
			Help:      "Wall time of orchestration runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.runs, m.deliverables, m.dependencies, m.duration)
	return m
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(outcome string, deliverables, dependencies int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if deliverables > 0 {
		m.deliverables.Add(float64(deliverables))
	}
	if dependencies > 0 {
		m.dependencies.Add(float64(dependencies))
	}
}
