// Package metrics exposes attestd's Prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/worker"
)

const namespace = "attestd"

// Metrics holds the collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	submitted    prometheus.Counter
	completed    *prometheus.CounterVec
	failures     *prometheus.CounterVec
	verifyTime   prometheus.Histogram
	signatureDur *prometheus.HistogramVec
	trustScore   prometheus.Histogram
	events       *prometheus.CounterVec
	policyLoads  prometheus.Counter
	retries      prometheus.Counter
}

// New creates collectors on a private registry together with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reports_submitted_total",
			Help: "Attestation reports accepted for verification.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reports_completed_total",
			Help: "Reports that reached a terminal status.",
		}, []string{"status", "compliance"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "report_failures_total",
			Help: "Failed reports by reason.",
		}, []string{"reason"}),
		verifyTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "verification_duration_seconds",
			Help:    "Time from verification start to commit.",
			Buckets: prometheus.DefBuckets,
		}),
		signatureDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "signature_check_duration_seconds",
			Help:    "Signature verification latency by algorithm.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .5, 1, 5, 30},
		}, []string{"algorithm"}),
		trustScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "trust_score",
			Help:    "Distribution of computed trust scores.",
			Buckets: []float64{0, 25, 50, 70, 80, 90, 95, 100},
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "security_events_total",
			Help: "Security events by type and severity.",
		}, []string{"type", "severity"}),
		policyLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "policy_reloads_total",
			Help: "Successful policy set loads.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "storage_retries_total",
			Help: "Retried storage writes.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submitted, m.completed, m.failures, m.verifyTime, m.signatureDur,
		m.trustScore, m.events, m.policyLoads, m.retries,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchPool exports worker pool load as gauges.
func (m *Metrics) WatchPool(stats func() worker.Stats) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "workers_running",
			Help: "Verification tasks currently running.",
		}, func() float64 { return float64(stats().Running) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "workers_queued",
			Help: "Verification tasks waiting for a worker.",
		}, func() float64 { return float64(stats().Queued) }),
	)
}

// ReportSubmitted counts an accepted submission.
func (m *Metrics) ReportSubmitted() {
	if m == nil {
		return
	}
	m.submitted.Inc()
}

// ReportCompleted records a terminal report.
func (m *Metrics) ReportCompleted(r *attest.Report, took time.Duration) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(string(r.VerificationStatus), string(r.ComplianceStatus)).Inc()
	if r.FailureReason != "" {
		m.failures.WithLabelValues(r.FailureReason).Inc()
	}
	if r.VerificationStatus == attest.VerificationVerified {
		m.trustScore.Observe(float64(r.TrustScore))
	}
	m.verifyTime.Observe(took.Seconds())
}

// SignatureChecked records signature verification latency.
func (m *Metrics) SignatureChecked(algorithm string, took time.Duration) {
	if m == nil {
		return
	}
	m.signatureDur.WithLabelValues(algorithm).Observe(took.Seconds())
}

// PolicyReloaded counts a policy set load.
func (m *Metrics) PolicyReloaded() {
	if m == nil {
		return
	}
	m.policyLoads.Inc()
}

// StorageRetried counts one retried storage write.
func (m *Metrics) StorageRetried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// Append counts a security event. It lets Metrics act as an audit sink.
func (m *Metrics) Append(_ context.Context, e attest.SecurityEvent) error {
	if m == nil {
		return nil
	}
	m.events.WithLabelValues(e.EventType, string(e.Severity)).Inc()
	return nil
}
