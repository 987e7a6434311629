// Package domain holds typed identifiers shared across packages.
package domain

import (
	"fmt"

	"github.com/google/uuid"

	"influence/pkg/platform/sentinel"
)

// Typed IDs so a CompanyID can never be passed where a RecordID is expected.
type (
	CompanyID uuid.UUID
	RecordID  uuid.UUID
	RunID     uuid.UUID
)

// recordNamespace seeds deterministic record IDs.
var recordNamespace = uuid.MustParse("6f1c3b0e-7f5a-4d8e-9a53-2b8f4c1d0e77")

func NewCompanyID() CompanyID { return CompanyID(uuid.New()) }
func NewRunID() RunID         { return RunID(uuid.New()) }

// RecordIDFor derives a stable record ID from a source and its external ID,
// so the same upstream record always maps to the same row.
func RecordIDFor(source, externalID string) RecordID {
	return RecordID(uuid.NewSHA1(recordNamespace, []byte(source+":"+externalID)))
}

// ParseCompanyID validates and parses a company ID.
func ParseCompanyID(s string) (CompanyID, error) {
	u, err := parseUUID(s)
	return CompanyID(u), err
}

// ParseRecordID validates and parses a record ID.
func ParseRecordID(s string) (RecordID, error) {
	u, err := parseUUID(s)
	return RecordID(u), err
}

func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, fmt.Errorf("empty id: %w", sentinel.ErrInvalidInput)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, sentinel.ErrInvalidInput)
	}
	if u == uuid.Nil {
		return uuid.Nil, fmt.Errorf("nil id: %w", sentinel.ErrInvalidInput)
	}
	return u, nil
}

func (id CompanyID) String() string { return uuid.UUID(id).String() }
func (id CompanyID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id RecordID) String() string  { return uuid.UUID(id).String() }
func (id RecordID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id RunID) String() string     { return uuid.UUID(id).String() }

// MarshalText lets IDs appear as map keys and JSON strings.
func (id CompanyID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *CompanyID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = CompanyID(u)
	return nil
}

func (id RecordID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *RecordID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = RecordID(u)
	return nil
}

func (id RunID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *RunID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = RunID(u)
	return nil
}
