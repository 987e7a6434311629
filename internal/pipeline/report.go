package pipeline

import (
	"time"

	"influence/internal/models"
	id "influence/pkg/domain"
)

// Outcome is how a source's part of a run ended.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeFailed      Outcome = "failed"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeCancelled   Outcome = "cancelled"
)

// SourceReport counts what one source contributed to a run.
type SourceReport struct {
	Source           models.SourceID `json:"source"`
	Live             bool            `json:"live"`
	Outcome          Outcome         `json:"outcome"`
	Pages            int             `json:"pages"`
	PageErrors       int             `json:"page_errors"`
	Records          int             `json:"records"`
	Resolved         int             `json:"resolved"`
	Unresolved       int             `json:"unresolved"`
	CompaniesCreated int             `json:"companies_created"`
	// NextCursor restarts the source where this run stopped; empty when
	// the source was read to the end.
	NextCursor string        `json:"next_cursor,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// RunReport summarizes one ingestion run.
type RunReport struct {
	RunID      id.RunID        `json:"run_id"`
	DryRun     bool            `json:"dry_run"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Sources    []*SourceReport `json:"sources"`
	// StagedCompanies and StagedRecords count what a dry run would have written.
	StagedCompanies int `json:"staged_companies,omitempty"`
	StagedRecords   int `json:"staged_records,omitempty"`
}

// Source returns the report of one source, or nil.
func (r *RunReport) Source(s models.SourceID) *SourceReport {
	for _, sr := range r.Sources {
		if sr.Source == s {
			return sr
		}
	}
	return nil
}

// Records totals records over every source.
func (r *RunReport) Records() int {
	n := 0
	for _, sr := range r.Sources {
		n += sr.Records
	}
	return n
}
