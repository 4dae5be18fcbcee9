package workflow

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var stepBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// StepMetrics exports step durations and results to Prometheus.
type StepMetrics struct {
	duration *prometheus.HistogramVec
	results  *prometheus.CounterVec
}

// NewStepMetrics registers step collectors with reg, reusing collectors that already exist.
func NewStepMetrics(reg prometheus.Registerer) *StepMetrics {
	m := &StepMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kubemooc_ops",
			Subsystem: "provisioner",
			Name:      "step_duration_seconds",
			Help:      "Duration of workflow steps",
			Buckets:   stepBuckets,
		}, []string{"workflow", "step", "outcome"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kubemooc_ops",
			Subsystem: "provisioner",
			Name:      "step_results_total",
			Help:      "Number of workflow step outcomes",
		}, []string{"workflow", "step", "outcome"}),
	}
	if reg == nil {
		return m
	}
	if err := reg.Register(m.duration); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				m.duration = existing
			}
		}
	}
	if err := reg.Register(m.results); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				m.results = existing
			}
		}
	}
	return m
}

// ObserveStep implements Observer.
func (m *StepMetrics) ObserveStep(workflow, step string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	labels := prometheus.Labels{"workflow": workflow, "step": step, "outcome": outcome}
	m.duration.With(labels).Observe(duration.Seconds())
	m.results.With(labels).Inc()
}
