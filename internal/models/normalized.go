package models

import (
	"time"

	"github.com/shopspring/decimal"

	id "influence/pkg/domain"
)

// NormalizedRecord is a RawRecord linked to a company (or marked unresolved)
// and, for grants, classified. It is the unit persisted.
type NormalizedRecord struct {
	ID               id.RecordID
	Source           SourceID
	Kind             RecordKind
	ExternalID       string
	CompanyID        *id.CompanyID
	Unresolved       bool
	UnresolvedReason string
	SpendingCategory SpendingCategory
	GrantCategory    GrantCategory
	Amount           decimal.Decimal
	OccurredOn       time.Time
	PeriodYear       int
	PeriodQuarter    int
	HasKeyField      bool
	Fields           map[string]string
	FetchedAt        time.Time
	IngestedAt       time.Time
}

// IsSpend reports whether the record counts toward spending aggregates.
func (r NormalizedRecord) IsSpend() bool {
	return !r.Unresolved && r.CompanyID != nil && r.SpendingCategory != ""
}

// RecordFilter selects persisted records. Zero values mean "no constraint".
type RecordFilter struct {
	CompanyID        *id.CompanyID
	Sources          []SourceID
	Kinds            []RecordKind
	SpendingCategory SpendingCategory
	// Resolved restricts to resolved (true) or unresolved (false) records.
	Resolved *bool
	// Start and End bound OccurredOn, both inclusive.
	Start *time.Time
	End   *time.Time
}

// Matches applies the filter in memory.
func (f RecordFilter) Matches(r NormalizedRecord) bool {
	if f.CompanyID != nil && (r.CompanyID == nil || *r.CompanyID != *f.CompanyID) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, r.Source) {
		return false
	}
	if len(f.Kinds) > 0 && !contains(f.Kinds, r.Kind) {
		return false
	}
	if f.SpendingCategory != "" && f.SpendingCategory != SpendingAll && r.SpendingCategory != f.SpendingCategory {
		return false
	}
	if f.Resolved != nil && *f.Resolved == r.Unresolved {
		return false
	}
	if f.Start != nil && r.OccurredOn.Before(*f.Start) {
		return false
	}
	if f.End != nil && r.OccurredOn.After(*f.End) {
		return false
	}
	return true
}

func contains[T comparable](values []T, v T) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// SourceStats are the completeness counters for one source.
type SourceStats struct {
	Total           int `json:"total"`
	WithKeyField    int `json:"with_key_field"`
	ResolvedCount   int `json:"resolved_count"`
	UnresolvedCount int `json:"unresolved_count"`
}

// Add counts one record.
func (s *SourceStats) Add(r NormalizedRecord) {
	s.Total++
	if r.HasKeyField {
		s.WithKeyField++
	}
	if r.Unresolved {
		s.UnresolvedCount++
	} else {
		s.ResolvedCount++
	}
}

// BatchEvent announces one persisted page.
type BatchEvent struct {
	RunID      id.RunID       `json:"run_id"`
	Source     SourceID       `json:"source"`
	Page       int            `json:"page"`
	Records    int            `json:"records"`
	Unresolved int            `json:"unresolved"`
	CompanyIDs []id.CompanyID `json:"company_ids"`
	OccurredAt time.Time      `json:"occurred_at"`
}
