package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

type metrics struct {
	requestTotal     *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	rateLimitHits    *prometheus.CounterVec
	workflowOutcomes *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provisioner",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "provisioner",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provisioner",
			Subsystem: "http",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited workflow requests by quota scope",
		}, []string{"workflow", "scope"}),
		workflowOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provisioner",
			Subsystem: "workflow",
			Name:      "outcomes_total",
			Help:      "Workflow results by final status",
		}, []string{"workflow", "status"}),
	}
	if reg == nil {
		return m
	}
	m.requestTotal = registerCounter(reg, m.requestTotal)
	m.requestLatency = registerHistogram(reg, m.requestLatency)
	m.rateLimitHits = registerCounter(reg, m.rateLimitHits)
	m.workflowOutcomes = registerCounter(reg, m.workflowOutcomes)
	return m
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogram(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.metrics.requestTotal.With(labels).Inc()
	r.metrics.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(workflow, scope string) {
	r.metrics.rateLimitHits.With(prometheus.Labels{"workflow": workflow, "scope": scope}).Inc()
}

func (r *Router) recordOutcome(workflow, status string) {
	r.metrics.workflowOutcomes.With(prometheus.Labels{"workflow": workflow, "status": status}).Inc()
}
