package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricScansTotal           = "offboard_scans_total"
	MetricScanDuration         = "offboard_scan_duration_seconds"
	MetricFindingsCreatedTotal = "offboard_findings_created_total"
	MetricRemediationsTotal    = "offboard_remediations_total"
	MetricAlertsTotal          = "offboard_alerts_total"
	MetricCaseReopensTotal     = "offboard_case_reopens_total"
)

// Outcome label values.
const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeSkipped  = "skipped"
	outcomeDegraded = "degraded"
)

// Metrics contains Prometheus metrics for the reconciliation engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	scansTotal      *prometheus.CounterVec
	scanDuration    prometheus.Histogram
	findingsCreated *prometheus.CounterVec
	remediations    *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	reopens         prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		scansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricScansTotal,
				Help: "Total number of case scans by outcome",
			},
			[]string{"outcome"},
		),
		scanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricScanDuration,
				Help:    "Histogram of case scan duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
		),
		findingsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricFindingsCreatedTotal,
				Help: "Total number of findings opened by kind and severity",
			},
			[]string{"kind", "severity"},
		),
		remediations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRemediationsTotal,
				Help: "Total number of remediation actions by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAlertsTotal,
				Help: "Total number of critical-finding alerts by delivery outcome",
			},
			[]string{"outcome"},
		),
		reopens: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricCaseReopensTotal,
				Help: "Total number of remediated or closed cases reopened by a rescan",
			},
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

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.scansTotal,
		m.scanDuration,
		m.findingsCreated,
		m.remediations,
		m.alerts,
		m.reopens,
	}
}

func (m *Metrics) observeScan(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.scansTotal.WithLabelValues(outcome).Inc()
	m.scanDuration.Observe(seconds)
}

func (m *Metrics) incFinding(kind, severity string) {
	if m == nil {
		return
	}
	m.findingsCreated.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) incRemediation(action, outcome string) {
	if m == nil {
		return
	}
	m.remediations.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) incAlert(outcome string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incReopen() {
	if m == nil {
		return
	}
	m.reopens.Inc()
}
