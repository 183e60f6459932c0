// Package jobs provides metrics for the scheduled offboarding tasks.
package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricJobsTotal      = "offboard_jobs_total"
	MetricJobsDuration   = "offboard_jobs_duration_seconds"
	MetricJobErrorsTotal = "offboard_job_errors_total"
	MetricJobLastSuccess = "offboard_job_last_success_timestamp_seconds"
	MetricJobsRunning    = "offboard_jobs_running"
)

// Job type constants for labeling. They double as scheduler task names.
const (
	JobTypeBackgroundScan   = "background_scan"
	JobTypeRemediationCheck = "remediation_check"
	JobTypeDailyScan        = "daily_scan"
	JobTypeNotifications    = "notifications"
)

// Status constants for job completion.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Reporter is the job metrics surface consumed by the scheduler.
type Reporter interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
	SetRunning(jobType string, running bool)
}

// Metrics contains Prometheus metrics for scheduled jobs.
// All operations are thread-safe.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobsDuration *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
	lastSuccess  *prometheus.GaugeVec
	running      *prometheus.GaugeVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobsTotal,
				Help: "Total number of scheduled job executions by type and status",
			},
			[]string{"job_type", "status"},
		),
		jobsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricJobsDuration,
				Help:    "Histogram of scheduled job duration in seconds by job type",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"job_type"},
		),
		jobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobErrorsTotal,
				Help: "Total number of scheduled job errors by type and error type",
			},
			[]string{"job_type", "error_type"},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricJobLastSuccess,
				Help: "Unix time of the last successful run per job type",
			},
			[]string{"job_type"},
		),
		running: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricJobsRunning,
				Help: "1 while a job of this type is executing",
			},
			[]string{"job_type"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncJobsTotal increments the jobs total counter. A success also stamps the
// last-success gauge.
func (m *Metrics) IncJobsTotal(jobType, status string) {
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
	if status == StatusSuccess {
		m.lastSuccess.WithLabelValues(jobType).SetToCurrentTime()
	}
}

// ObserveJobDuration records a job duration sample.
func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	m.jobsDuration.WithLabelValues(jobType).Observe(seconds)
}

// IncJobErrors increments the job errors counter.
// errorType is e.g. "task_error" or "state_error".
func (m *Metrics) IncJobErrors(jobType, errorType string) {
	m.jobErrors.WithLabelValues(jobType, errorType).Inc()
}

// SetRunning flags whether a job type is executing.
func (m *Metrics) SetRunning(jobType string, running bool) {
	v := 0.0
	if running {
		v = 1
	}
	m.running.WithLabelValues(jobType).Set(v)
}

// Track marks jobType running and returns a func that records the outcome.
// A nil Reporter is allowed.
//
//	done := jobs.Track(reporter, jobs.JobTypeDailyScan, time.Now)
//	defer func() { done(err) }()
func Track(r Reporter, jobType string, now func() time.Time) func(error) {
	if r == nil {
		return func(error) {}
	}
	start := now()
	r.SetRunning(jobType, true)
	return func(err error) {
		r.SetRunning(jobType, false)
		r.ObserveJobDuration(jobType, now().Sub(start).Seconds())
		if err != nil {
			r.IncJobsTotal(jobType, StatusFailure)
			r.IncJobErrors(jobType, "task_error")
			return
		}
		r.IncJobsTotal(jobType, StatusSuccess)
	}
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.jobsTotal,
		m.jobsDuration,
		m.jobErrors,
		m.lastSuccess,
		m.running,
	}
}
