package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"influence/internal/aggregate"
	"influence/internal/models"
	"influence/internal/resolver"
	id "influence/pkg/domain"
)

// rangeFlags are the inclusive date bounds shared by the read commands.
type rangeFlags struct {
	start string
	end   string
}

func (r *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.start, "start", "", "first day included (YYYY-MM-DD)")
	cmd.Flags().StringVar(&r.end, "end", "", "last day included (YYYY-MM-DD)")
}

func (r *rangeFlags) parse() (start, end *time.Time, err error) {
	if start, err = parseDay("--start", r.start); err != nil {
		return nil, nil, err
	}
	if end, err = parseDay("--end", r.end); err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

func parseDay(flag, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", flag, err)
	}
	return &t, nil
}

// companyRef accepts a company ID, or a name, ticker or CIK of a company
// that already exists.
func (a *app) companyRef(ctx context.Context, ref string) (id.CompanyID, error) {
	if ref == "" {
		return id.CompanyID{}, fmt.Errorf("--company is required")
	}
	if companyID, err := id.ParseCompanyID(ref); err == nil {
		return companyID, nil
	}
	r, err := resolver.New(a.store, resolver.WithVariants(a.variants), resolver.WithLogger(a.logger))
	if err != nil {
		return id.CompanyID{}, err
	}
	company, err := r.Lookup(ctx, ref)
	if err != nil {
		return id.CompanyID{}, err
	}
	return company.ID, nil
}

func newAggregateCommand(g *globals) *cobra.Command {
	var (
		company       string
		category      string
		grantCategory string
		groupBy       string
		bounds        rangeFlags
	)
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Total one company's spend, optionally per period",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&company, "company", "", "company ID, name, ticker or CIK")
	cmd.Flags().StringVar(&category, "category", string(models.SpendingAll), "lobbying, political, charitable or all")
	cmd.Flags().StringVar(&grantCategory, "grant-category", "", "only grants of this category")
	cmd.Flags().StringVar(&groupBy, "group-by", "", "month, quarter or year")
	bounds.register(cmd)

	cmd.RunE = runWithApp(g, func(ctx context.Context, a *app) error {
		start, end, err := bounds.parse()
		if err != nil {
			return err
		}
		companyID, err := a.companyRef(ctx, company)
		if err != nil {
			return err
		}
		if err := a.withCache(ctx); err != nil {
			return err
		}
		agg, err := a.aggregator()
		if err != nil {
			return err
		}
		buckets, err := agg.Aggregate(ctx, aggregate.Query{
			CompanyID:     companyID,
			Category:      models.SpendingCategory(category),
			GrantCategory: models.GrantCategory(grantCategory),
			Start:         start,
			End:           end,
			GroupBy:       models.Period(groupBy),
		})
		if err != nil {
			return err
		}
		return writeJSON(g.stdout, buckets)
	})
	return cmd
}

func newBreakdownCommand(g *globals) *cobra.Command {
	var (
		company string
		bounds  rangeFlags
	)
	cmd := &cobra.Command{
		Use:   "breakdown",
		Short: "Split one company's spend by category",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&company, "company", "", "company ID, name, ticker or CIK")
	bounds.register(cmd)

	cmd.RunE = runWithApp(g, func(ctx context.Context, a *app) error {
		start, end, err := bounds.parse()
		if err != nil {
			return err
		}
		companyID, err := a.companyRef(ctx, company)
		if err != nil {
			return err
		}
		if err := a.withCache(ctx); err != nil {
			return err
		}
		agg, err := a.aggregator()
		if err != nil {
			return err
		}
		b, err := agg.Breakdown(ctx, companyID, start, end)
		if err != nil {
			return err
		}
		return writeJSON(g.stdout, b)
	})
	return cmd
}

func newTopCommand(g *globals) *cobra.Command {
	var (
		category string
		limit    int
		bounds   rangeFlags
	)
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Rank companies by spend",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&category, "category", string(models.SpendingAll), "lobbying, political, charitable or all")
	cmd.Flags().IntVar(&limit, "limit", aggregate.DefaultTopLimit, "number of companies")
	bounds.register(cmd)

	cmd.RunE = runWithApp(g, func(ctx context.Context, a *app) error {
		start, end, err := bounds.parse()
		if err != nil {
			return err
		}
		if err := a.withCache(ctx); err != nil {
			return err
		}
		agg, err := a.aggregator()
		if err != nil {
			return err
		}
		top, err := agg.TopSpenders(ctx, aggregate.TopQuery{
			Category: models.SpendingCategory(category),
			Start:    start,
			End:      end,
			Limit:    limit,
		})
		if err != nil {
			return err
		}
		return writeJSON(g.stdout, top)
	})
	return cmd
}

func parseAmount(flag, s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", flag, err)
	}
	return &d, nil
}

func newFilterCommand(g *globals) *cobra.Command {
	var (
		category string
		minSpend string
		maxSpend string
		bounds   rangeFlags
	)
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "List companies whose spend lies between two amounts",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&category, "category", string(models.SpendingAll), "lobbying, political, charitable or all")
	cmd.Flags().StringVar(&minSpend, "min", "", "smallest total included")
	cmd.Flags().StringVar(&maxSpend, "max", "", "largest total included")
	bounds.register(cmd)

	cmd.RunE = runWithApp(g, func(ctx context.Context, a *app) error {
		start, end, err := bounds.parse()
		if err != nil {
			return err
		}
		r := aggregate.SpendRange{Category: models.SpendingCategory(category), Start: start, End: end}
		if r.Min, err = parseAmount("--min", minSpend); err != nil {
			return err
		}
		if r.Max, err = parseAmount("--max", maxSpend); err != nil {
			return err
		}
		if err := a.withCache(ctx); err != nil {
			return err
		}
		agg, err := a.aggregator()
		if err != nil {
			return err
		}
		out, err := agg.FilterBySpend(ctx, r)
		if err != nil {
			return err
		}
		return writeJSON(g.stdout, out)
	})
	return cmd
}

func newStatsCommand(g *globals) *cobra.Command {
	var bounds rangeFlags
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise spend per category across every company",
		Args:  cobra.NoArgs,
	}
	bounds.register(cmd)

	cmd.RunE = runWithApp(g, func(ctx context.Context, a *app) error {
		start, end, err := bounds.parse()
		if err != nil {
			return err
		}
		if err := a.withCache(ctx); err != nil {
			return err
		}
		agg, err := a.aggregator()
		if err != nil {
			return err
		}
		st, err := agg.Statistics(ctx, start, end)
		if err != nil {
			return err
		}
		return writeJSON(g.stdout, st)
	})
	return cmd
}

func newQualityCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "quality",
		Short: "Report record completeness and resolution per source",
		Args:  cobra.NoArgs,
		RunE: runWithApp(g, func(ctx context.Context, a *app) error {
			m, err := a.monitor()
			if err != nil {
				return err
			}
			r, err := m.Report(ctx)
			if err != nil {
				return err
			}
			return writeJSON(g.stdout, r)
		}),
	}
}
