// Package aggregate computes spending totals over persisted records.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"influence/internal/models"
	"influence/internal/storage"
	id "influence/pkg/domain"
	"influence/pkg/platform/sentinel"
)

// TotalPeriod labels the single bucket of an ungrouped query.
const TotalPeriod = "total"

// Query selects the records of one company to aggregate. Nil bounds are
// unbounded; both are inclusive.
type Query struct {
	CompanyID     id.CompanyID
	Category      models.SpendingCategory
	GrantCategory models.GrantCategory
	Start         *time.Time
	End           *time.Time
	GroupBy       models.Period
}

// Bucket is the spend of one period.
type Bucket struct {
	Period string          `json:"period"`
	Start  *time.Time      `json:"start,omitempty"`
	End    *time.Time      `json:"end,omitempty"`
	Amount decimal.Decimal `json:"amount"`
	Count  int             `json:"count"`
}

// Aggregator reads records through the repository and never writes.
type Aggregator struct {
	repo   storage.Repository
	cache  Cache
	logger *slog.Logger
}

// Option configures the Aggregator.
type Option func(*Aggregator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithCache serves repeated queries from c until the company's records change.
func WithCache(c Cache) Option {
	return func(a *Aggregator) {
		a.cache = c
	}
}

// New creates an Aggregator.
func New(repo storage.Repository, opts ...Option) (*Aggregator, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	a := &Aggregator{repo: repo, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (q Query) validate() error {
	if q.CompanyID.IsNil() {
		return fmt.Errorf("company id is required: %w", sentinel.ErrInvalidInput)
	}
	if _, err := models.ParseSpendingCategory(string(q.Category)); err != nil {
		return fmt.Errorf("%w: %w", err, sentinel.ErrInvalidInput)
	}
	if _, err := models.ParsePeriod(string(q.GroupBy)); err != nil {
		return fmt.Errorf("%w: %w", err, sentinel.ErrInvalidInput)
	}
	if q.GrantCategory != "" {
		if _, err := models.ParseGrantCategory(string(q.GrantCategory)); err != nil {
			return fmt.Errorf("%w: %w", err, sentinel.ErrInvalidInput)
		}
	}
	if q.Start != nil && q.End != nil && q.End.Before(*q.Start) {
		return fmt.Errorf("end before start: %w", sentinel.ErrInvalidInput)
	}
	return nil
}

// Aggregate sums the company's spend. Without GroupBy it returns exactly
// one "total" bucket, zero when nothing matches. With GroupBy it returns
// one bucket per period holding records, ordered by period, and every
// period between the bounds when both are given. So a grouped query that
// matches nothing returns an empty slice unless both bounds are set, while
// the ungrouped form still returns its zero total.
func (a *Aggregator) Aggregate(ctx context.Context, q Query) ([]Bucket, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	var out []Bucket
	key := cacheKey("aggregate", q)
	hit, slot := a.cached(ctx, q.CompanyID.String(), key, &out)
	if hit {
		return out, nil
	}

	companyID := q.CompanyID
	filter := spendFilter(&companyID, q.Category, q.Start, q.End)

	var grouped map[string]*Bucket
	total := Bucket{Period: TotalPeriod, Start: q.Start, End: q.End, Amount: decimal.Zero}
	if q.GroupBy != "" {
		grouped = make(map[string]*Bucket)
	}
	err := a.eachSpend(ctx, filter, func(rec models.NormalizedRecord) {
		if q.GrantCategory != "" && rec.GrantCategory != q.GrantCategory {
			return
		}
		if grouped == nil {
			total.Amount = total.Amount.Add(rec.Amount)
			total.Count++
			return
		}
		b := bucketFor(grouped, q.GroupBy, rec.OccurredOn)
		b.Amount = b.Amount.Add(rec.Amount)
		b.Count++
	})
	if err != nil {
		return nil, err
	}

	if grouped == nil {
		out = []Bucket{total}
	} else {
		if q.Start != nil && q.End != nil {
			for t := q.GroupBy.Start(*q.Start); !t.After(*q.End); t = q.GroupBy.Next(t) {
				bucketFor(grouped, q.GroupBy, t)
			}
		}
		out = make([]Bucket, 0, len(grouped))
		for _, b := range grouped {
			out = append(out, *b)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(*out[j].Start) })
	}
	a.store(ctx, slot, out)
	return out, nil
}

func bucketFor(grouped map[string]*Bucket, p models.Period, t time.Time) *Bucket {
	label := p.Label(t)
	if b, ok := grouped[label]; ok {
		return b
	}
	start := p.Start(t)
	end := p.Next(start).AddDate(0, 0, -1)
	b := &Bucket{Period: label, Start: &start, End: &end, Amount: decimal.Zero}
	grouped[label] = b
	return b
}

func spendFilter(companyID *id.CompanyID, category models.SpendingCategory, start, end *time.Time) models.RecordFilter {
	resolved := true
	if category == "" {
		category = models.SpendingAll
	}
	return models.RecordFilter{
		CompanyID:        companyID,
		SpendingCategory: category,
		Resolved:         &resolved,
		Start:            start,
		End:              end,
	}
}

// eachSpend calls fn once per matching spend record. Records are keyed by
// ID, so a record is never counted twice however the partitions overlap.
func (a *Aggregator) eachSpend(ctx context.Context, filter models.RecordFilter, fn func(models.NormalizedRecord)) error {
	seen := make(map[id.RecordID]struct{})
	for rec, err := range a.repo.QueryRecords(ctx, filter) {
		if err != nil {
			return fmt.Errorf("query records: %w", err)
		}
		if !rec.IsSpend() {
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		fn(rec)
	}
	return nil
}

// cacheKey is stable for equal queries.
func cacheKey(view string, q any) string {
	b, _ := json.Marshal(q)
	return view + ":" + string(b)
}

// cacheSlot remembers the generation a lookup missed under, so the computed
// view is stored there and not under a generation bumped meanwhile.
type cacheSlot struct {
	scope string
	key   string
	gen   int64
}

// cached decodes a hit into dst. On a miss it returns the slot to store the
// computed view in; the slot is nil when there is no usable cache.
func (a *Aggregator) cached(ctx context.Context, scope, key string, dst any) (hit bool, slot *cacheSlot) {
	if a.cache == nil {
		return false, nil
	}
	b, gen, ok, err := a.cache.Get(ctx, scope, key)
	if err != nil {
		a.logger.WarnContext(ctx, "aggregate cache read failed", "scope", scope, "error", err)
		return false, nil
	}
	slot = &cacheSlot{scope: scope, key: key, gen: gen}
	if !ok {
		return false, slot
	}
	if err := json.Unmarshal(b, dst); err != nil {
		a.logger.WarnContext(ctx, "aggregate cache entry unreadable", "scope", scope, "error", err)
		return false, slot
	}
	return true, nil
}

func (a *Aggregator) store(ctx context.Context, slot *cacheSlot, v any) {
	if a.cache == nil || slot == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, slot.scope, slot.key, slot.gen, b); err != nil {
		a.logger.WarnContext(ctx, "aggregate cache write failed", "scope", slot.scope, "error", err)
	}
}
