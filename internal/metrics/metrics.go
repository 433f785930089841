// Package metrics exposes the daemon's Prometheus metrics: delegation
// run outcomes, permission grant activity, and progress delivery. The
// collector implements the approval observer, progress sink, and run
// observer interfaces so wiring it up is a matter of registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vkode/conductor/pkg/approval"
	"github.com/vkode/conductor/pkg/delegate"
	"github.com/vkode/conductor/pkg/progress"
)

// Metrics holds all Prometheus metrics for the daemon
type Metrics struct {
	registry *prometheus.Registry

	// Delegation metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	// Approval metrics
	ApprovalsResolvedTotal *prometheus.CounterVec
	ApprovalsPending       prometheus.Gauge

	// Progress metrics
	SnapshotsPublishedTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_runs_total",
				Help: "Total number of finished delegation runs",
			},
			[]string{"agent", "status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_run_duration_seconds",
				Help:    "Duration of delegation runs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"agent"},
		),

		ApprovalsResolvedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_approvals_resolved_total",
				Help: "Total number of resolved permission grants",
			},
			[]string{"decision"},
		),
		ApprovalsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_approvals_pending",
				Help: "Number of permission grants awaiting a decision",
			},
		),

		SnapshotsPublishedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_progress_snapshots_published_total",
				Help: "Total number of progress snapshots emitted to sinks",
			},
		),
	}

	registry.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ApprovalsResolvedTotal,
		m.ApprovalsPending,
		m.SnapshotsPublishedTotal,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunFinished implements the delegation run observer
func (m *Metrics) RunFinished(agentName string, status delegate.RunStatus, duration time.Duration) {
	m.RunsTotal.WithLabelValues(agentName, string(status)).Inc()
	m.RunDuration.WithLabelValues(agentName).Observe(duration.Seconds())
}

// ApprovalPending implements approval.Observer
func (m *Metrics) ApprovalPending(_ approval.Pending) {
	m.ApprovalsPending.Inc()
}

// ApprovalResolved implements approval.Observer
func (m *Metrics) ApprovalResolved(_ string, approved bool) {
	m.ApprovalsPending.Dec()
	decision := "denied"
	if approved {
		decision = "approved"
	}
	m.ApprovalsResolvedTotal.WithLabelValues(decision).Inc()
}

// Publish implements the progress sink
func (m *Metrics) Publish(_ progress.Snapshot) error {
	m.SnapshotsPublishedTotal.Inc()
	return nil
}
