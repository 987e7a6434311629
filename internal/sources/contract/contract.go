// Package contract holds the behavioural checks every source adapter must pass.
package contract

import (
	"context"
	"testing"

	"influence/internal/models"
	"influence/internal/sources"
)

// Suite validates one adapter against the Adapter contract.
type Suite struct {
	Source   models.SourceID
	Kind     models.RecordKind
	Adapter  sources.Adapter
	PageSize int
	// MinRecords is the least number of records a full fetch must yield.
	MinRecords int
	// RequiredFields must be present on every record.
	RequiredFields []string
	// ValidateFunc runs custom checks on every record.
	ValidateFunc func(r models.RawRecord) error
}

// Run executes all contract checks.
func (s *Suite) Run(t *testing.T) {
	t.Helper()
	if s.PageSize < 1 {
		s.PageSize = 2
	}

	t.Run("declares its source", func(t *testing.T) {
		if s.Adapter.Source() != s.Source {
			t.Fatalf("expected source %s, got %s", s.Source, s.Adapter.Source())
		}
	})

	var first []sources.Page
	t.Run("yields well-formed pages", func(t *testing.T) {
		first = s.fetchAll(t, sources.Cursor{})
		seen := make(map[string]struct{})
		total := 0
		for i, page := range first {
			if len(page.Records) > s.PageSize {
				t.Errorf("page %d has %d records, page size %d", page.Number, len(page.Records), s.PageSize)
			}
			if last := i == len(first)-1; last != (page.Next == nil) {
				t.Errorf("page %d: next cursor presence does not match position", page.Number)
			}
			for _, r := range page.Records {
				total++
				s.checkRecord(t, r)
				if _, dup := seen[r.ExternalID]; dup {
					t.Errorf("duplicate external ID %q", r.ExternalID)
				}
				seen[r.ExternalID] = struct{}{}
			}
		}
		if total < s.MinRecords {
			t.Errorf("expected at least %d records, got %d", s.MinRecords, total)
		}
	})

	t.Run("restarts from a page cursor", func(t *testing.T) {
		if len(first) < 2 || first[0].Next == nil {
			t.Skip("single page")
		}
		restarted := s.fetchAll(t, *first[0].Next)
		if len(restarted) != len(first)-1 {
			t.Fatalf("expected %d pages after restart, got %d", len(first)-1, len(restarted))
		}
		if got, want := ids(restarted[0]), ids(first[1]); !equal(got, want) {
			t.Errorf("restart page mismatch: got %v want %v", got, want)
		}
	})

	t.Run("is deterministic", func(t *testing.T) {
		again := s.fetchAll(t, sources.Cursor{})
		if len(again) != len(first) {
			t.Fatalf("expected %d pages, got %d", len(first), len(again))
		}
		for i := range again {
			if !equal(ids(again[i]), ids(first[i])) {
				t.Errorf("page %d differs between runs", i+1)
			}
		}
	})
}

func (s *Suite) fetchAll(t *testing.T, cursor sources.Cursor) []sources.Page {
	t.Helper()
	var pages []sources.Page
	for page, err := range s.Adapter.Fetch(context.Background(), cursor, s.PageSize) {
		if err != nil {
			t.Fatalf("fetch page %d: %v", page.Number, err)
		}
		pages = append(pages, page)
	}
	return pages
}

func (s *Suite) checkRecord(t *testing.T, r models.RawRecord) {
	t.Helper()
	if r.Source != s.Source {
		t.Errorf("record %q: source %s", r.ExternalID, r.Source)
	}
	if r.Kind != s.Kind {
		t.Errorf("record %q: kind %s, expected %s", r.ExternalID, r.Kind, s.Kind)
	}
	if r.ExternalID == "" {
		t.Error("record without external ID")
	}
	if r.FetchedAt.IsZero() {
		t.Errorf("record %q: FetchedAt not set", r.ExternalID)
	}
	for _, f := range s.RequiredFields {
		if !r.Has(f) {
			t.Errorf("record %q: missing field %s", r.ExternalID, f)
		}
	}
	if s.ValidateFunc != nil {
		if err := s.ValidateFunc(r); err != nil {
			t.Errorf("record %q: custom validation failed: %v", r.ExternalID, err)
		}
	}
}

func ids(p sources.Page) []string {
	out := make([]string, len(p.Records))
	for i, r := range p.Records {
		out[i] = r.ExternalID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
