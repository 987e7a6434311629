// Package sources defines the contract every provider adapter implements
// and the paging rules they share.
package sources

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"influence/internal/models"
	"influence/internal/resilience"
)

// Adapter turns one provider's wire format into RawRecords.
type Adapter interface {
	// Source returns the provider this adapter reads.
	Source() models.SourceID

	// IsConfigured is false for fixture adapters.
	IsConfigured() bool

	// Fetch lazily yields pages starting at cursor. Pages within one
	// source are fetched sequentially; consumers may stop early.
	Fetch(ctx context.Context, cursor Cursor, pageSize int) iter.Seq2[Page, error]
}

// Doer is the slice of the resilience client adapters need.
type Doer interface {
	Do(ctx context.Context, source models.SourceID, build resilience.RequestBuilder) (*resilience.Response, error)
}

// Page is one provider page.
type Page struct {
	Number  int
	Records []models.RawRecord
	// Next is nil on the last page.
	Next *Cursor
}

// Cursor is where a fetch starts. It is restartable at page granularity.
type Cursor struct {
	Page  int
	Since time.Time
}

// StartPage returns the 1-based page to start from.
func (c Cursor) StartPage() int {
	if c.Page < 1 {
		return 1
	}
	return c.Page
}

// String renders "page=3;since=2024-01-01", omitting unset parts.
func (c Cursor) String() string {
	var parts []string
	if c.Page > 1 {
		parts = append(parts, "page="+strconv.Itoa(c.Page))
	}
	if !c.Since.IsZero() {
		parts = append(parts, "since="+c.Since.Format(time.DateOnly))
	}
	return strings.Join(parts, ";")
}

// ParseCursor parses the String form. A bare date is accepted as since.
func ParseCursor(s string) (Cursor, error) {
	var c Cursor
	s = strings.TrimSpace(s)
	if s == "" {
		return c, nil
	}
	for _, part := range strings.Split(s, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			key, value = "since", key
		}
		switch key {
		case "page":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return Cursor{}, fmt.Errorf("invalid cursor page %q", value)
			}
			c.Page = n
		case "since":
			t, err := time.Parse(time.DateOnly, value)
			if err != nil {
				return Cursor{}, fmt.Errorf("invalid cursor date %q: %w", value, err)
			}
			c.Since = t
		default:
			return Cursor{}, fmt.Errorf("unknown cursor field %q", key)
		}
	}
	return c, nil
}

// Registry maintains the adapters available to a run.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.SourceID]Adapter
}

// NewRegistry creates a new empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.SourceID]Adapter)}
}

// Register adds an adapter to the registry
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := a.Source()
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("adapter %s already registered", id)
	}
	r.adapters[id] = a
	return nil
}

// Get retrieves an adapter by source
func (r *Registry) Get(id models.SourceID) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Sources returns the registered sources in a stable order.
func (r *Registry) Sources() []models.SourceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.SourceID, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// All returns all registered adapters
func (r *Registry) All() []Adapter {
	ids := r.Sources()
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Adapter, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.adapters[id])
	}
	return result
}
