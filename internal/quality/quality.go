// Package quality reports how complete and well linked the persisted
// records are. It only reads.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"influence/internal/models"
	"influence/internal/resilience"
	"influence/internal/storage"
	id "influence/pkg/domain"
	"influence/pkg/platform/circuit"
	"influence/pkg/requestcontext"
)

// DefaultTimeout bounds one report.
const DefaultTimeout = 10 * time.Second

// CallStatsReader exposes per-source call counters.
type CallStatsReader interface {
	Stats() map[models.SourceID]resilience.CallStats
}

// CompanyStats counts companies and the identifiers they carry.
type CompanyStats struct {
	Total      int `json:"total"`
	WithTicker int `json:"with_ticker"`
	WithCIK    int `json:"with_cik"`
}

// LinkStats counts resolved companies by how many sources their records
// come from. A company is linked once two or more sources resolve to it.
type LinkStats struct {
	Linked       int `json:"linked"`
	SingleSource int `json:"single_source"`
	// BySourceCount maps a number of sources to the companies seen in that many.
	BySourceCount map[int]int `json:"by_source_count"`
}

// CircuitStatus is one breaker's state at report time.
type CircuitStatus struct {
	State        string     `json:"state"`
	FailureCount int        `json:"failure_count"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
}

// Report is a point-in-time data quality summary.
type Report struct {
	GeneratedAt time.Time                                `json:"generated_at"`
	PerSource   map[models.SourceID]models.SourceStats   `json:"per_source"`
	Calls       map[models.SourceID]resilience.CallStats `json:"calls,omitempty"`
	Circuits    map[string]CircuitStatus                 `json:"circuits,omitempty"`
	Companies   *CompanyStats                            `json:"companies,omitempty"`
	Linkage     LinkStats                                `json:"linkage"`
}

// Monitor builds reports.
type Monitor struct {
	repo     storage.Repository
	calls    CallStatsReader
	breakers *circuit.Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures the Monitor.
type Option func(*Monitor)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithCallStats adds call counters to the report.
func WithCallStats(calls CallStatsReader) Option {
	return func(m *Monitor) {
		m.calls = calls
	}
}

// WithBreakers adds circuit states to the report.
func WithBreakers(r *circuit.Registry) Option {
	return func(m *Monitor) {
		m.breakers = r
	}
}

func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// New creates a Monitor.
func New(repo storage.Repository, opts ...Option) (*Monitor, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	m := &Monitor{repo: repo, timeout: DefaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Report computes the current summary. Every known source appears, with
// zero counters when it has no records.
func (m *Monitor) Report(ctx context.Context) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	start := time.Now()

	stats, err := storage.CollectStats(ctx, m.repo)
	if err != nil {
		return nil, fmt.Errorf("collect record stats: %w", err)
	}
	r := &Report{
		GeneratedAt: requestcontext.Now(ctx),
		PerSource:   make(map[models.SourceID]models.SourceStats, len(models.AllSources)),
	}
	for _, s := range models.AllSources {
		r.PerSource[s] = stats[s]
	}
	for s, st := range stats {
		r.PerSource[s] = st
	}

	if r.Linkage, err = linkage(ctx, m.repo); err != nil {
		return nil, err
	}

	if m.calls != nil {
		r.Calls = m.calls.Stats()
	}
	if m.breakers != nil {
		r.Circuits = make(map[string]CircuitStatus)
		for _, snap := range m.breakers.Snapshot() {
			cs := CircuitStatus{State: snap.State.String(), FailureCount: snap.FailureCount}
			if !snap.OpenedAt.IsZero() {
				openedAt := snap.OpenedAt
				cs.OpenedAt = &openedAt
			}
			r.Circuits[snap.Name] = cs
		}
	}
	if lister, ok := m.repo.(storage.CompanyLister); ok {
		companies, err := lister.ListCompanies(ctx)
		if err != nil {
			return nil, fmt.Errorf("list companies: %w", err)
		}
		cs := &CompanyStats{Total: len(companies)}
		for _, c := range companies {
			if c.Ticker != "" {
				cs.WithTicker++
			}
			if c.CIK != "" {
				cs.WithCIK++
			}
		}
		r.Companies = cs
	}

	m.logger.DebugContext(ctx, "quality report generated",
		"duration", time.Since(start),
		"sources", len(r.PerSource),
		"linked_companies", r.Linkage.Linked,
	)
	return r, nil
}

func linkage(ctx context.Context, repo storage.Repository) (LinkStats, error) {
	resolved := true
	sources := make(map[id.CompanyID]map[models.SourceID]struct{})
	for rec, err := range repo.QueryRecords(ctx, models.RecordFilter{Resolved: &resolved}) {
		if err != nil {
			return LinkStats{}, fmt.Errorf("scan resolved records: %w", err)
		}
		if rec.CompanyID == nil {
			continue
		}
		seen, ok := sources[*rec.CompanyID]
		if !ok {
			seen = make(map[models.SourceID]struct{})
			sources[*rec.CompanyID] = seen
		}
		seen[rec.Source] = struct{}{}
	}
	ls := LinkStats{BySourceCount: make(map[int]int)}
	for _, seen := range sources {
		ls.BySourceCount[len(seen)]++
		if len(seen) > 1 {
			ls.Linked++
		} else {
			ls.SingleSource++
		}
	}
	return ls, nil
}
