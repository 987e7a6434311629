package models

import (
	"maps"
	"time"
)

// SourceID names one external provider.
type SourceID string

const (
	SourceContributions SourceID = "contributions"
	SourceLobbying      SourceID = "lobbying"
	SourceGrants        SourceID = "grants"
	SourceFinancials    SourceID = "financials"
)

// AllSources lists every provider in a fixed order.
var AllSources = []SourceID{SourceContributions, SourceLobbying, SourceGrants, SourceFinancials}

func (s SourceID) String() string { return string(s) }

// IsValid reports whether s is a known provider.
func (s SourceID) IsValid() bool {
	switch s {
	case SourceContributions, SourceLobbying, SourceGrants, SourceFinancials:
		return true
	}
	return false
}

// KeyField is the field whose presence marks a record of s as complete
// for quality reporting.
func (s SourceID) KeyField() string {
	switch s {
	case SourceGrants:
		return FieldRecipientEIN
	case SourceFinancials:
		return FieldRevenue
	default:
		return FieldAmount
	}
}

// RecordKind is the shape of a provider record.
type RecordKind string

const (
	KindContribution RecordKind = "contribution"
	KindLobbying     RecordKind = "lobbying"
	KindGrant        RecordKind = "grant"
	KindFiling       RecordKind = "filing"
)

// Well-known RawRecord field keys. Adapters set the subset their provider carries.
const (
	FieldCompanyName   = "company_name"
	FieldTicker        = "ticker"
	FieldCIK           = "cik"
	FieldHeadquarters  = "headquarters"
	FieldAmount        = "amount"
	FieldDate          = "date"
	FieldYear          = "year"
	FieldQuarter       = "quarter"
	FieldContributor   = "contributor"
	FieldRecipient     = "recipient"
	FieldRecipientEIN  = "recipient_ein"
	FieldParty         = "party"
	FieldCommitteeID   = "committee_id"
	FieldRegistrant    = "registrant"
	FieldIssues        = "issues"
	FieldFoundation    = "foundation"
	FieldFoundationEIN = "foundation_ein"
	FieldDescription   = "description"
	FieldRevenue       = "revenue"
	FieldNetIncome     = "net_income"
	FieldFilingURL     = "filing_url"
	FieldFormType      = "form_type"
	FieldAccession     = "accession_number"
)

// RawRecord is one provider record as fetched. Its fields cannot be changed
// after construction.
type RawRecord struct {
	Source     SourceID
	Kind       RecordKind
	ExternalID string
	FetchedAt  time.Time
	fields     map[string]string
}

// NewRawRecord copies fields, dropping empty values.
func NewRawRecord(source SourceID, kind RecordKind, externalID string, fetchedAt time.Time, fields map[string]string) RawRecord {
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		if v != "" {
			cp[k] = v
		}
	}
	return RawRecord{
		Source:     source,
		Kind:       kind,
		ExternalID: externalID,
		FetchedAt:  fetchedAt,
		fields:     cp,
	}
}

// Get returns a field value, or "" when absent.
func (r RawRecord) Get(key string) string {
	return r.fields[key]
}

// Has reports whether the field is present.
func (r RawRecord) Has(key string) bool {
	_, ok := r.fields[key]
	return ok
}

// Fields returns a copy of the payload.
func (r RawRecord) Fields() map[string]string {
	return maps.Clone(r.fields)
}
