// Package metrics exposes poller counters for Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jobwatch"

// Request outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeNotFound     = "not_found"
	OutcomeTimeout      = "timeout"
	OutcomeUnauthorized = "unauthorized"
	OutcomeError        = "error"
)

// Metrics groups the poller's collectors. A nil *Metrics records nothing.
type Metrics struct {
	StatusRequests *prometheus.CounterVec
	Terminal       *prometheus.CounterVec
	Retries        prometheus.Counter
	ActiveJobs     prometheus.Gauge
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StatusRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_requests_total",
			Help:      "Job status requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
		Terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_terminal_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"status"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_retries_total",
			Help:      "Per-job status checks delayed by backoff.",
		}),
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs still pending or processing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.StatusRequests, m.Terminal, m.Retries, m.ActiveJobs)
	}
	return m
}

func (m *Metrics) Request(mode, outcome string) {
	if m == nil {
		return
	}
	m.StatusRequests.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) JobTerminal(status string) {
	if m == nil {
		return
	}
	m.Terminal.WithLabelValues(status).Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveJobs.Set(float64(n))
}
