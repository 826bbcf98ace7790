package jobmetrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes recorded by Tracker.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	// StatusSkipped marks runs that found the singleton lock taken.
	StatusSkipped = "skipped"
)

// Metrics exposes Prometheus collectors for the posting worker jobs.
type Metrics struct {
	runs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	anomalies *prometheus.CounterVec
}

// NewMetrics registers the job collectors. Registering twice against the same
// registerer reuses the collectors already there, so several jobs in one
// process share them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_jobs_total",
			Help: "Job executions partitioned by job name and outcome.",
		}, []string{"job", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odyssey_job_duration_seconds",
			Help:    "Duration in seconds of job executions that ran.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_posting_anomalies_total",
			Help: "Ledger and stock integrity violations grouped by check and company.",
		}, []string{"check", "company"}),
	}
	m.runs = register(registerer, m.runs)
	m.duration = register(registerer, m.duration)
	m.anomalies = register(registerer, m.anomalies)
	return m
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Tracker instruments one job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts a tracker for job. A nil Metrics yields a no-op tracker.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records the outcome and duration and returns err untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil {
		return err
	}
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// Skip records a run that did not execute.
func (t *Tracker) Skip() {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.runs.WithLabelValues(t.job, StatusSkipped).Inc()
}

// AddAnomalies counts integrity violations found by check. Company zero
// labels cross-company scans.
func (m *Metrics) AddAnomalies(check string, companyID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.anomalies.WithLabelValues(check, strconv.FormatInt(companyID, 10)).Add(float64(count))
}
