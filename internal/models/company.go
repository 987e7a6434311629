package models

import (
	"strings"
	"time"

	id "influence/pkg/domain"
)

// CompanyKeyKind is the identifier a CompanyKey matches on.
type CompanyKeyKind string

const (
	KeyExactName CompanyKeyKind = "exact_name"
	KeyTicker    CompanyKeyKind = "ticker"
	KeyCIK       CompanyKeyKind = "cik"
)

// CompanyKey is the unit the resolver matches on. For KeyExactName the
// value is a normalized name key, for KeyTicker an upper-case ticker, for
// KeyCIK the CIK exactly as filed.
type CompanyKey struct {
	Kind  CompanyKeyKind
	Value string
}

func NameKey(normalized string) CompanyKey { return CompanyKey{Kind: KeyExactName, Value: normalized} }
func TickerKey(ticker string) CompanyKey {
	return CompanyKey{Kind: KeyTicker, Value: strings.ToUpper(strings.TrimSpace(ticker))}
}
func CIKKey(cik string) CompanyKey { return CompanyKey{Kind: KeyCIK, Value: strings.TrimSpace(cik)} }

func (k CompanyKey) String() string { return string(k.Kind) + ":" + k.Value }

// Company is a canonical entity. Companies are created or enriched, never deleted.
type Company struct {
	ID                   id.CompanyID `json:"id"`
	CanonicalName        string       `json:"canonical_name"`
	NameKey              string       `json:"name_key"`
	Ticker               string       `json:"ticker,omitempty"`
	CIK                  string       `json:"cik,omitempty"`
	HeadquartersLocation string       `json:"headquarters_location,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// CompanySeed carries the identifying fields of a company about to be created.
type CompanySeed struct {
	CanonicalName        string
	NameKey              string
	Ticker               string
	CIK                  string
	HeadquartersLocation string
}

// CompanyFields is an enrichment patch. Empty fields are left untouched and
// existing values are never overwritten.
type CompanyFields struct {
	Ticker               string
	CIK                  string
	HeadquartersLocation string
}

// IsEmpty reports whether the patch sets nothing.
func (f CompanyFields) IsEmpty() bool {
	return f.Ticker == "" && f.CIK == "" && f.HeadquartersLocation == ""
}

// Apply fills blank fields of c from f and reports whether anything changed.
func (f CompanyFields) Apply(c *Company) bool {
	changed := false
	if c.Ticker == "" && f.Ticker != "" {
		c.Ticker = strings.ToUpper(f.Ticker)
		changed = true
	}
	if c.CIK == "" && f.CIK != "" {
		c.CIK = f.CIK
		changed = true
	}
	if c.HeadquartersLocation == "" && f.HeadquartersLocation != "" {
		c.HeadquartersLocation = f.HeadquartersLocation
		changed = true
	}
	return changed
}
