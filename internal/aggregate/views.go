package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"influence/internal/models"
	"influence/internal/storage"
	id "influence/pkg/domain"
	"influence/pkg/platform/sentinel"
)

// Total is an amount and the number of records behind it.
type Total struct {
	Amount decimal.Decimal `json:"amount"`
	Count  int             `json:"count"`
}

func (t *Total) add(amount decimal.Decimal) {
	t.Amount = t.Amount.Add(amount)
	t.Count++
}

// Breakdown splits one company's spend by spending and grant category.
type Breakdown struct {
	CompanyID       id.CompanyID                      `json:"company_id"`
	Total           Total                             `json:"total"`
	BySpending      map[models.SpendingCategory]Total `json:"by_spending_category"`
	ByGrantCategory map[models.GrantCategory]Total    `json:"by_grant_category"`
}

// Breakdown totals a company's spend per category. Every spending category
// is present, zero when empty.
func (a *Aggregator) Breakdown(ctx context.Context, companyID id.CompanyID, start, end *time.Time) (*Breakdown, error) {
	if companyID.IsNil() {
		return nil, fmt.Errorf("company id is required: %w", sentinel.ErrInvalidInput)
	}
	out := &Breakdown{}
	key := cacheKey("breakdown", struct {
		CompanyID  id.CompanyID
		Start, End *time.Time
	}{companyID, start, end})
	hit, slot := a.cached(ctx, companyID.String(), key, out)
	if hit {
		return out, nil
	}

	out = &Breakdown{
		CompanyID:       companyID,
		Total:           Total{Amount: decimal.Zero},
		BySpending:      make(map[models.SpendingCategory]Total, len(models.SpendingCategories)),
		ByGrantCategory: make(map[models.GrantCategory]Total),
	}
	for _, c := range models.SpendingCategories {
		out.BySpending[c] = Total{Amount: decimal.Zero}
	}
	err := a.eachSpend(ctx, spendFilter(&companyID, models.SpendingAll, start, end), func(rec models.NormalizedRecord) {
		out.Total.add(rec.Amount)
		t := out.BySpending[rec.SpendingCategory]
		t.add(rec.Amount)
		out.BySpending[rec.SpendingCategory] = t
		if rec.SpendingCategory == models.SpendingCharitable {
			g := out.ByGrantCategory[rec.GrantCategory]
			if g.Count == 0 {
				g.Amount = decimal.Zero
			}
			g.add(rec.Amount)
			out.ByGrantCategory[rec.GrantCategory] = g
		}
	})
	if err != nil {
		return nil, err
	}
	a.store(ctx, slot, out)
	return out, nil
}

// TopQuery ranks companies by spend.
type TopQuery struct {
	Category models.SpendingCategory
	Start    *time.Time
	End      *time.Time
	Limit    int
}

// Spender is one ranked company.
type Spender struct {
	CompanyID     id.CompanyID    `json:"company_id"`
	CanonicalName string          `json:"canonical_name"`
	Amount        decimal.Decimal `json:"amount"`
	Count         int             `json:"count"`
}

// DefaultTopLimit applies when TopQuery.Limit is not positive.
const DefaultTopLimit = 10

// topScope is the cache scope of the cross-company ranking.
const topScope = "top"

// TopSpenders ranks companies by total spend, largest first, ties broken
// by name.
func (a *Aggregator) TopSpenders(ctx context.Context, q TopQuery) ([]Spender, error) {
	if _, err := models.ParseSpendingCategory(string(q.Category)); err != nil {
		return nil, fmt.Errorf("%w: %w", err, sentinel.ErrInvalidInput)
	}
	if q.Limit <= 0 {
		q.Limit = DefaultTopLimit
	}
	var out []Spender
	key := cacheKey("top", q)
	hit, slot := a.cached(ctx, topScope, key, &out)
	if hit {
		return out, nil
	}

	totals, err := a.companyTotals(ctx, spendFilter(nil, q.Category, q.Start, q.End))
	if err != nil {
		return nil, err
	}
	if out, err = a.rank(ctx, totals); err != nil {
		return nil, err
	}
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	a.store(ctx, slot, out)
	return out, nil
}

func (a *Aggregator) companyTotals(ctx context.Context, filter models.RecordFilter) (map[id.CompanyID]*Total, error) {
	totals := make(map[id.CompanyID]*Total)
	err := a.eachSpend(ctx, filter, func(rec models.NormalizedRecord) {
		t, ok := totals[*rec.CompanyID]
		if !ok {
			t = &Total{Amount: decimal.Zero}
			totals[*rec.CompanyID] = t
		}
		t.add(rec.Amount)
	})
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// rank names each company and orders them largest first, ties by name.
func (a *Aggregator) rank(ctx context.Context, totals map[id.CompanyID]*Total) ([]Spender, error) {
	out := make([]Spender, 0, len(totals))
	for companyID, t := range totals {
		s := Spender{CompanyID: companyID, Amount: t.Amount, Count: t.Count}
		company, err := a.repo.GetCompany(ctx, companyID)
		switch {
		case err == nil:
			s.CanonicalName = company.CanonicalName
		case errors.Is(err, sentinel.ErrNotFound):
		default:
			return nil, fmt.Errorf("get company: %w", err)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Amount.Cmp(out[j].Amount); c != 0 {
			return c > 0
		}
		return out[i].CanonicalName < out[j].CanonicalName
	})
	return out, nil
}

// SpendRange selects companies whose total spend in the date range lies
// between Min and Max, both inclusive. A nil bound is open.
type SpendRange struct {
	Category models.SpendingCategory
	Start    *time.Time
	End      *time.Time
	Min      *decimal.Decimal
	Max      *decimal.Decimal
}

func (r SpendRange) validate() error {
	if _, err := models.ParseSpendingCategory(string(r.Category)); err != nil {
		return fmt.Errorf("%w: %w", err, sentinel.ErrInvalidInput)
	}
	if r.Min != nil && r.Max != nil && r.Max.LessThan(*r.Min) {
		return fmt.Errorf("max spend below min spend: %w", sentinel.ErrInvalidInput)
	}
	if r.Start != nil && r.End != nil && r.End.Before(*r.Start) {
		return fmt.Errorf("end before start: %w", sentinel.ErrInvalidInput)
	}
	return nil
}

func (r SpendRange) contains(amount decimal.Decimal) bool {
	if r.Min != nil && amount.LessThan(*r.Min) {
		return false
	}
	if r.Max != nil && amount.GreaterThan(*r.Max) {
		return false
	}
	return true
}

// FilterBySpend returns the companies whose spend falls in r, ordered as
// TopSpenders orders them. When the repository can list companies and r
// admits zero, companies without spend in the range are included at zero.
func (a *Aggregator) FilterBySpend(ctx context.Context, r SpendRange) ([]Spender, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	var out []Spender
	key := cacheKey("filter", r)
	hit, slot := a.cached(ctx, topScope, key, &out)
	if hit {
		return out, nil
	}

	totals, err := a.companyTotals(ctx, spendFilter(nil, r.Category, r.Start, r.End))
	if err != nil {
		return nil, err
	}
	if lister, ok := a.repo.(storage.CompanyLister); ok && r.contains(decimal.Zero) {
		companies, err := lister.ListCompanies(ctx)
		if err != nil {
			return nil, fmt.Errorf("list companies: %w", err)
		}
		for _, c := range companies {
			if _, ok := totals[c.ID]; !ok {
				totals[c.ID] = &Total{Amount: decimal.Zero}
			}
		}
	}
	for companyID, t := range totals {
		if !r.contains(t.Amount) {
			delete(totals, companyID)
		}
	}
	if out, err = a.rank(ctx, totals); err != nil {
		return nil, err
	}
	a.store(ctx, slot, out)
	return out, nil
}

// CategoryStatistics is the platform-wide spend of one category.
type CategoryStatistics struct {
	Total             Total           `json:"total"`
	Companies         int             `json:"companies"`
	AveragePerCompany decimal.Decimal `json:"average_per_company"`
}

// Statistics summarises resolved spend across every company.
type Statistics struct {
	Start      *time.Time                                     `json:"start,omitempty"`
	End        *time.Time                                     `json:"end,omitempty"`
	Total      CategoryStatistics                             `json:"total"`
	ByCategory map[models.SpendingCategory]CategoryStatistics `json:"by_category"`
}

// averageScale is the number of decimal places kept in averages.
const averageScale = 2

// Statistics totals spend per category over the range, counts the
// companies with spend in each, and averages over those companies. Every
// spending category is present.
func (a *Aggregator) Statistics(ctx context.Context, start, end *time.Time) (*Statistics, error) {
	if start != nil && end != nil && end.Before(*start) {
		return nil, fmt.Errorf("end before start: %w", sentinel.ErrInvalidInput)
	}
	out := &Statistics{}
	key := cacheKey("statistics", struct{ Start, End *time.Time }{start, end})
	hit, slot := a.cached(ctx, topScope, key, out)
	if hit {
		return out, nil
	}

	type acc struct {
		total     Total
		companies map[id.CompanyID]struct{}
	}
	newAcc := func() *acc {
		return &acc{total: Total{Amount: decimal.Zero}, companies: make(map[id.CompanyID]struct{})}
	}
	all := newAcc()
	per := make(map[models.SpendingCategory]*acc, len(models.SpendingCategories))
	for _, c := range models.SpendingCategories {
		per[c] = newAcc()
	}
	err := a.eachSpend(ctx, spendFilter(nil, models.SpendingAll, start, end), func(rec models.NormalizedRecord) {
		for _, x := range []*acc{all, per[rec.SpendingCategory]} {
			if x == nil {
				continue
			}
			x.total.add(rec.Amount)
			x.companies[*rec.CompanyID] = struct{}{}
		}
	})
	if err != nil {
		return nil, err
	}

	summarise := func(x *acc) CategoryStatistics {
		cs := CategoryStatistics{Total: x.total, Companies: len(x.companies), AveragePerCompany: decimal.Zero}
		if cs.Companies > 0 {
			cs.AveragePerCompany = x.total.Amount.DivRound(decimal.NewFromInt(int64(cs.Companies)), averageScale)
		}
		return cs
	}
	out = &Statistics{
		Start:      start,
		End:        end,
		Total:      summarise(all),
		ByCategory: make(map[models.SpendingCategory]CategoryStatistics, len(per)),
	}
	for c, x := range per {
		out.ByCategory[c] = summarise(x)
	}
	a.store(ctx, slot, out)
	return out, nil
}
