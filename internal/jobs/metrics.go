// Package jobmetrics holds the Prometheus collectors shared by the worker
// jobs and the API's manual audit trigger.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes recorded on tutorly_jobs_total.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	// StatusSkipped marks a run abandoned because another instance held the lease.
	StatusSkipped = "skipped"
)

// Metrics exposes Prometheus collectors for background jobs. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	unguarded     *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	rows          *prometheus.CounterVec
	discrepancies prometheus.Counter
	integrity     prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors on registerer, or once on the default
// registerer when it is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer != nil {
		return buildMetrics(registerer)
	}
	defaultOnce.Do(func() {
		defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// Tracker times one job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts timing a run of job.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records the run outcome and duration and hands err back.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	m := t.metrics
	if err != nil {
		m.failures.WithLabelValues(t.job).Inc()
		m.runs.WithLabelValues(t.job, StatusFailure).Inc()
	} else {
		m.runs.WithLabelValues(t.job, StatusSuccess).Inc()
	}
	m.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// Skipped counts a run that found the lease taken.
func (m *Metrics) Skipped(job string) {
	if m == nil || job == "" {
		return
	}
	m.runs.WithLabelValues(job, StatusSkipped).Inc()
}

// Unguarded counts a run that went ahead without a lease because redis failed.
func (m *Metrics) Unguarded(job string) {
	if m == nil || job == "" {
		return
	}
	m.unguarded.WithLabelValues(job).Inc()
}

// AddDiscrepancies records wallets found out of balance by a ledger audit run.
func (m *Metrics) AddDiscrepancies(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.discrepancies.Add(float64(count))
}

// AddIntegrityWarnings records unrecognised ledger rows seen during an audit.
func (m *Metrics) AddIntegrityWarnings(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.integrity.Add(float64(count))
}

// ObserveBatch records row outcomes of a time-driven transition batch.
func (m *Metrics) ObserveBatch(job string, applied, conflicts, failed int) {
	if m == nil || job == "" {
		return
	}
	for outcome, n := range map[string]int{"applied": applied, "conflict": conflicts, "failed": failed} {
		if n > 0 {
			m.rows.WithLabelValues(job, outcome).Add(float64(n))
		}
	}
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorly_jobs_total",
			Help: "Job runs by job name and status (success, failure, skipped).",
		}, []string{"job", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorly_jobs_failures_total",
			Help: "Job runs that returned an error.",
		}, []string{"job"}),
		unguarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorly_jobs_unguarded_total",
			Help: "Job runs executed without a lease because redis was unreachable.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tutorly_job_duration_seconds",
			Help:    "Job run duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"job"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorly_job_rows_total",
			Help: "Rows touched by time-driven transition jobs by outcome.",
		}, []string{"job", "outcome"}),
		discrepancies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tutorly_ledger_discrepancies_total",
			Help: "Wallets whose cached balance drifted from the ledger.",
		}),
		integrity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tutorly_ledger_integrity_warnings_total",
			Help: "Ledger rows with unrecognised transaction types.",
		}),
	}
	registerer.MustRegister(m.runs, m.failures, m.unguarded, m.duration, m.rows, m.discrepancies, m.integrity)
	return m
}
