package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for ingestion runs.
type Metrics struct {
	// Records persisted by source and resolution status
	Records *prometheus.CounterVec

	// Pages by source and result (persisted, skipped)
	Pages *prometheus.CounterVec

	// Companies created by the resolver
	CompaniesCreated prometheus.Counter

	// Source outcomes per run
	SourceOutcomes *prometheus.CounterVec

	// Run duration by dry-run flag
	RunDuration *prometheus.HistogramVec
}

// New registers the pipeline metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Records: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "influence_records_ingested_total",
			Help: "Normalized records persisted by source and resolution status",
		}, []string{"source", "status"}),

		Pages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "influence_pages_total",
			Help: "Source pages by result",
		}, []string{"source", "result"}),

		CompaniesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "influence_companies_created_total",
			Help: "Companies created while resolving records",
		}),

		SourceOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "influence_source_outcomes_total",
			Help: "How each source's part of a run ended",
		}, []string{"source", "outcome"}),

		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "influence_run_duration_seconds",
			Help:    "Duration of ingestion runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"dry_run"}),
	}
}

// ObserveRecords counts the records of one persisted page.
func (m *Metrics) ObserveRecords(source string, resolved, unresolved int) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(source, "resolved").Add(float64(resolved))
	m.Records.WithLabelValues(source, "unresolved").Add(float64(unresolved))
}

// IncPage counts one page with its result.
func (m *Metrics) IncPage(source, result string) {
	if m != nil {
		m.Pages.WithLabelValues(source, result).Inc()
	}
}

// AddCompaniesCreated counts created companies.
func (m *Metrics) AddCompaniesCreated(n int) {
	if m != nil && n > 0 {
		m.CompaniesCreated.Add(float64(n))
	}
}

// IncSourceOutcome records how a source ended.
func (m *Metrics) IncSourceOutcome(source, outcome string) {
	if m != nil {
		m.SourceOutcomes.WithLabelValues(source, outcome).Inc()
	}
}

// ObserveRun records a run's duration in seconds.
func (m *Metrics) ObserveRun(dryRun bool, seconds float64) {
	if m == nil {
		return
	}
	label := "false"
	if dryRun {
		label = "true"
	}
	m.RunDuration.WithLabelValues(label).Observe(seconds)
}
