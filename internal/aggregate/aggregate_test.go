package aggregate

//go:generate mockgen -source=cache.go -destination=mocks/mocks.go -package=mocks Cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"influence/internal/aggregate/mocks"
	"influence/internal/models"
	"influence/internal/storage"
	id "influence/pkg/domain"
	"influence/pkg/platform/sentinel"
)

type AggregateSuite struct {
	suite.Suite
	ctx   context.Context
	repo  *storage.Memory
	agg   *Aggregator
	apple *models.Company
	msft  *models.Company
}

func TestAggregateSuite(t *testing.T) {
	suite.Run(t, new(AggregateSuite))
}

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
func ptr[T any](v T) *T                         { return &v }

func (s *AggregateSuite) SetupTest() {
	s.ctx = context.Background()
	s.repo = storage.NewMemory()
	var err error
	s.apple, err = s.repo.CreateCompany(s.ctx, models.CompanySeed{CanonicalName: "Apple Inc.", NameKey: "apple"})
	s.Require().NoError(err)
	s.msft, err = s.repo.CreateCompany(s.ctx, models.CompanySeed{CanonicalName: "Microsoft Corporation", NameKey: "microsoft"})
	s.Require().NoError(err)
	s.agg, err = New(s.repo)
	s.Require().NoError(err)
}

func (s *AggregateSuite) add(company *models.Company, kind models.RecordKind, on time.Time, amount string, grant models.GrantCategory) {
	ext := string(kind) + on.String() + amount + string(grant)
	rec := models.NormalizedRecord{
		ID:            id.RecordIDFor("test", ext),
		Kind:          kind,
		ExternalID:    ext,
		Amount:        decimal.RequireFromString(amount),
		OccurredOn:    on,
		GrantCategory: grant,
	}
	if c, ok := models.SpendingCategoryFor(kind); ok {
		rec.SpendingCategory = c
	}
	if company == nil {
		rec.Unresolved = true
		rec.UnresolvedReason = "no company"
	} else {
		rec.CompanyID = &company.ID
	}
	s.Require().NoError(s.repo.UpsertNormalizedRecord(s.ctx, rec))
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (s *AggregateSuite) TestAllCategoriesByQuarter() {
	s.add(s.apple, models.KindLobbying, date(2024, 10, 1), "2500000", "")
	s.add(s.apple, models.KindGrant, date(2024, 11, 15), "5000000", models.CategoryEducation)

	buckets, err := s.agg.Aggregate(s.ctx, Query{CompanyID: s.apple.ID, Category: models.SpendingAll, GroupBy: models.PeriodQuarter})
	s.Require().NoError(err)
	s.Require().Len(buckets, 1)
	s.Equal("2024-Q4", buckets[0].Period)
	s.True(buckets[0].Amount.Equal(amount("7500000")), buckets[0].Amount.String())
	s.Equal(2, buckets[0].Count)
	s.Equal(date(2024, 12, 31), *buckets[0].End)
}

func (s *AggregateSuite) TestEmptyRangeIsZero() {
	s.add(s.apple, models.KindLobbying, date(2024, 10, 1), "2500000", "")

	buckets, err := s.agg.Aggregate(s.ctx, Query{CompanyID: s.apple.ID, Start: ptr(date(2099, 1, 1))})
	s.Require().NoError(err)
	s.Require().Len(buckets, 1)
	s.Equal(TotalPeriod, buckets[0].Period)
	s.True(buckets[0].Amount.IsZero())
	s.Zero(buckets[0].Count)
}

func (s *AggregateSuite) TestGroupedEmptyRangeWithOpenBound() {
	s.add(s.apple, models.KindLobbying, date(2024, 10, 1), "2500000", "")

	buckets, err := s.agg.Aggregate(s.ctx, Query{CompanyID: s.apple.ID, Start: ptr(date(2099, 1, 1)), GroupBy: models.PeriodYear})
	s.Require().NoError(err)
	s.NotNil(buckets)
	s.Empty(buckets)

	buckets, err = s.agg.Aggregate(s.ctx, Query{
		CompanyID: s.apple.ID,
		Start:     ptr(date(2099, 1, 1)),
		End:       ptr(date(2100, 12, 31)),
		GroupBy:   models.PeriodYear,
	})
	s.Require().NoError(err)
	s.Require().Len(buckets, 2, "closed range zero-fills")
	s.True(buckets[0].Amount.IsZero())
}

func (s *AggregateSuite) TestExactDecimalSums() {
	for i := range 10 {
		s.add(s.apple, models.KindContribution, date(2024, 3, 1+i), "0.10", "")
	}
	buckets, err := s.agg.Aggregate(s.ctx, Query{CompanyID: s.apple.ID, Category: models.SpendingPolitical})
	s.Require().NoError(err)
	s.Equal("1", buckets[0].Amount.String())
	s.Equal(10, buckets[0].Count)
}

func (s *AggregateSuite) TestFiltersAndExclusions() {
	s.add(s.apple, models.KindLobbying, date(2024, 1, 1), "100", "")
	s.add(s.apple, models.KindGrant, date(2024, 2, 1), "10", models.CategoryReligious)
	s.add(s.apple, models.KindGrant, date(2024, 2, 2), "20", models.CategoryHealthcare)
	s.add(s.apple, models.KindFiling, date(2024, 2, 3), "391035000000", "")
	s.add(s.msft, models.KindLobbying, date(2024, 1, 1), "999", "")
	s.add(nil, models.KindLobbying, date(2024, 1, 1), "555", "")

	total := func(q Query) Bucket {
		q.CompanyID = s.apple.ID
		b, err := s.agg.Aggregate(s.ctx, q)
		s.Require().NoError(err)
		s.Require().Len(b, 1)
		return b[0]
	}

	all := total(Query{})
	s.True(all.Amount.Equal(amount("130")), "filings, other companies and unresolved records are excluded: %s", all.Amount)
	s.Equal(3, all.Count)

	s.True(total(Query{Category: models.SpendingCharitable}).Amount.Equal(amount("30")))
	s.True(total(Query{Category: models.SpendingCharitable, GrantCategory: models.CategoryHealthcare}).Amount.Equal(amount("20")))
	s.True(total(Query{End: ptr(date(2024, 1, 31))}).Amount.Equal(amount("100")))
}

func (s *AggregateSuite) TestZeroFillBetweenBounds() {
	s.add(s.apple, models.KindLobbying, date(2024, 1, 1), "100", "")
	s.add(s.apple, models.KindLobbying, date(2024, 7, 1), "300", "")

	buckets, err := s.agg.Aggregate(s.ctx, Query{
		CompanyID: s.apple.ID,
		GroupBy:   models.PeriodQuarter,
		Start:     ptr(date(2024, 1, 1)),
		End:       ptr(date(2024, 12, 31)),
	})
	s.Require().NoError(err)

	var labels []string
	for _, b := range buckets {
		labels = append(labels, b.Period)
	}
	s.Equal([]string{"2024-Q1", "2024-Q2", "2024-Q3", "2024-Q4"}, labels)
	s.True(buckets[1].Amount.IsZero())
	s.Zero(buckets[3].Count)

	s.Run("unbounded keeps only populated periods", func() {
		buckets, err := s.agg.Aggregate(s.ctx, Query{CompanyID: s.apple.ID, GroupBy: models.PeriodYear})
		s.Require().NoError(err)
		s.Require().Len(buckets, 1)
		s.Equal("2024", buckets[0].Period)
		s.True(buckets[0].Amount.Equal(amount("400")))
	})
}

func (s *AggregateSuite) TestValidation() {
	_, err := s.agg.Aggregate(s.ctx, Query{})
	s.ErrorIs(err, sentinel.ErrInvalidInput)

	_, err = s.agg.Aggregate(s.ctx, Query{CompanyID: s.apple.ID, GroupBy: "week"})
	s.ErrorIs(err, sentinel.ErrInvalidInput)

	_, err = s.agg.Aggregate(s.ctx, Query{CompanyID: s.apple.ID, Start: ptr(date(2024, 2, 1)), End: ptr(date(2024, 1, 1))})
	s.ErrorIs(err, sentinel.ErrInvalidInput)
}

func (s *AggregateSuite) TestBreakdown() {
	s.add(s.apple, models.KindLobbying, date(2024, 1, 1), "100", "")
	s.add(s.apple, models.KindGrant, date(2024, 2, 1), "10", models.CategoryReligious)
	s.add(s.apple, models.KindGrant, date(2024, 2, 2), "20", models.CategoryReligious)

	b, err := s.agg.Breakdown(s.ctx, s.apple.ID, nil, nil)
	s.Require().NoError(err)
	s.True(b.Total.Amount.Equal(amount("130")))
	s.Equal(3, b.Total.Count)
	s.True(b.BySpending[models.SpendingLobbying].Amount.Equal(amount("100")))
	s.True(b.BySpending[models.SpendingPolitical].Amount.IsZero())
	s.Equal(2, b.ByGrantCategory[models.CategoryReligious].Count)
	s.True(b.ByGrantCategory[models.CategoryReligious].Amount.Equal(amount("30")))
}

func (s *AggregateSuite) TestTopSpenders() {
	s.add(s.apple, models.KindLobbying, date(2024, 1, 1), "100", "")
	s.add(s.msft, models.KindLobbying, date(2024, 1, 1), "300", "")
	s.add(s.msft, models.KindGrant, date(2024, 1, 1), "1000", models.CategoryOther)

	top, err := s.agg.TopSpenders(s.ctx, TopQuery{Category: models.SpendingLobbying})
	s.Require().NoError(err)
	s.Require().Len(top, 2)
	s.Equal("Microsoft Corporation", top[0].CanonicalName)
	s.True(top[0].Amount.Equal(amount("300")))
	s.Equal("Apple Inc.", top[1].CanonicalName)

	top, err = s.agg.TopSpenders(s.ctx, TopQuery{Limit: 1})
	s.Require().NoError(err)
	s.Require().Len(top, 1)
	s.True(top[0].Amount.Equal(amount("1300")))
}

func (s *AggregateSuite) TestStatistics() {
	s.add(s.apple, models.KindLobbying, date(2024, 1, 1), "100", "")
	s.add(s.apple, models.KindGrant, date(2024, 2, 1), "50", models.CategoryEducation)
	s.add(s.apple, models.KindFiling, date(2024, 2, 2), "391035000000", "")
	s.add(s.msft, models.KindLobbying, date(2024, 3, 1), "300", "")
	s.add(s.msft, models.KindContribution, date(2024, 3, 2), "30", "")
	s.add(nil, models.KindLobbying, date(2024, 1, 1), "999", "")

	st, err := s.agg.Statistics(s.ctx, nil, nil)
	s.Require().NoError(err)
	s.True(st.Total.Total.Amount.Equal(amount("480")), st.Total.Total.Amount.String())
	s.Equal(4, st.Total.Total.Count)
	s.Equal(2, st.Total.Companies)
	s.True(st.Total.AveragePerCompany.Equal(amount("240")))

	s.Require().Len(st.ByCategory, len(models.SpendingCategories))
	lobbying := st.ByCategory[models.SpendingLobbying]
	s.True(lobbying.Total.Amount.Equal(amount("400")))
	s.Equal(2, lobbying.Companies)
	s.True(lobbying.AveragePerCompany.Equal(amount("200")))
	charitable := st.ByCategory[models.SpendingCharitable]
	s.True(charitable.Total.Amount.Equal(amount("50")))
	s.Equal(1, charitable.Companies)
	s.True(st.ByCategory[models.SpendingPolitical].AveragePerCompany.Equal(amount("30")))

	st, err = s.agg.Statistics(s.ctx, ptr(date(2024, 2, 1)), ptr(date(2024, 2, 29)))
	s.Require().NoError(err)
	s.True(st.Total.Total.Amount.Equal(amount("50")))
	s.Equal(1, st.Total.Companies)
	s.Zero(st.ByCategory[models.SpendingLobbying].Companies)
	s.True(st.ByCategory[models.SpendingLobbying].AveragePerCompany.IsZero())

	_, err = s.agg.Statistics(s.ctx, ptr(date(2024, 2, 1)), ptr(date(2024, 1, 1)))
	s.ErrorIs(err, sentinel.ErrInvalidInput)
}

func (s *AggregateSuite) TestFilterBySpend() {
	initech, err := s.repo.CreateCompany(s.ctx, models.CompanySeed{CanonicalName: "Initech", NameKey: "initech"})
	s.Require().NoError(err)
	s.add(s.apple, models.KindLobbying, date(2024, 1, 1), "100", "")
	s.add(s.msft, models.KindLobbying, date(2024, 3, 1), "300", "")

	names := func(r SpendRange) []string {
		out, err := s.agg.FilterBySpend(s.ctx, r)
		s.Require().NoError(err)
		var ns []string
		for _, sp := range out {
			ns = append(ns, sp.CanonicalName)
		}
		return ns
	}

	s.Equal([]string{"Microsoft Corporation"}, names(SpendRange{Min: ptr(amount("150"))}))
	s.Equal([]string{"Apple Inc.", "Initech"}, names(SpendRange{Max: ptr(amount("150"))}))
	s.Equal([]string{"Microsoft Corporation", "Apple Inc."}, names(SpendRange{Min: ptr(amount("100")), Max: ptr(amount("300"))}),
		"bounds are inclusive")
	s.Equal([]string{"Microsoft Corporation", "Apple Inc.", "Initech"}, names(SpendRange{}))
	s.Equal([]string{"Apple Inc."}, names(SpendRange{Min: ptr(amount("1")), End: ptr(date(2024, 1, 31))}))
	s.Empty(names(SpendRange{Category: models.SpendingPolitical, Min: ptr(amount("1"))}))

	out, err := s.agg.FilterBySpend(s.ctx, SpendRange{Max: ptr(decimal.Zero)})
	s.Require().NoError(err)
	s.Require().Len(out, 1)
	s.Equal(initech.ID, out[0].CompanyID)
	s.True(out[0].Amount.IsZero())

	_, err = s.agg.FilterBySpend(s.ctx, SpendRange{Min: ptr(amount("200")), Max: ptr(amount("100"))})
	s.ErrorIs(err, sentinel.ErrInvalidInput)
	_, err = s.agg.FilterBySpend(s.ctx, SpendRange{Category: "weather"})
	s.ErrorIs(err, sentinel.ErrInvalidInput)
}

func TestAggregate_ServesFromCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockCache(ctrl)
	repo := storage.NewMemory()
	ctx := context.Background()
	company, err := repo.CreateCompany(ctx, models.CompanySeed{CanonicalName: "Apple Inc.", NameKey: "apple"})
	require.NoError(t, err)

	agg, err := New(repo, WithCache(cache))
	require.NoError(t, err)

	cached, err := json.Marshal([]Bucket{{Period: TotalPeriod, Amount: decimal.NewFromInt(42), Count: 1}})
	require.NoError(t, err)

	gomock.InOrder(
		cache.EXPECT().Get(gomock.Any(), company.ID.String(), gomock.Any()).Return(nil, int64(0), false, nil),
		cache.EXPECT().Set(gomock.Any(), company.ID.String(), gomock.Any(), int64(0), gomock.Any()).Return(nil),
		cache.EXPECT().Get(gomock.Any(), company.ID.String(), gomock.Any()).Return(cached, int64(0), true, nil),
	)

	first, err := agg.Aggregate(ctx, Query{CompanyID: company.ID})
	require.NoError(t, err)
	assert.True(t, first[0].Amount.IsZero())

	second, err := agg.Aggregate(ctx, Query{CompanyID: company.ID})
	require.NoError(t, err)
	assert.True(t, second[0].Amount.Equal(decimal.NewFromInt(42)))
}

func TestAggregate_StoresUnderGenerationOfTheMiss(t *testing.T) {
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockCache(ctrl)
	repo := storage.NewMemory()
	ctx := context.Background()
	company, err := repo.CreateCompany(ctx, models.CompanySeed{CanonicalName: "Apple Inc.", NameKey: "apple"})
	require.NoError(t, err)

	agg, err := New(repo, WithCache(cache))
	require.NoError(t, err)

	gomock.InOrder(
		cache.EXPECT().Get(gomock.Any(), company.ID.String(), gomock.Any()).Return(nil, int64(7), false, nil),
		cache.EXPECT().Set(gomock.Any(), company.ID.String(), gomock.Any(), int64(7), gomock.Any()).Return(nil),
		cache.EXPECT().Get(gomock.Any(), topScope, gomock.Any()).Return(nil, int64(3), false, nil),
		cache.EXPECT().Set(gomock.Any(), topScope, gomock.Any(), int64(3), gomock.Any()).Return(nil),
	)

	_, err = agg.Breakdown(ctx, company.ID, nil, nil)
	require.NoError(t, err)
	_, err = agg.TopSpenders(ctx, TopQuery{})
	require.NoError(t, err)
}

func TestAggregate_CacheFailureFallsThrough(t *testing.T) {
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockCache(ctrl)
	repo := storage.NewMemory()
	ctx := context.Background()
	company, err := repo.CreateCompany(ctx, models.CompanySeed{CanonicalName: "Apple Inc.", NameKey: "apple"})
	require.NoError(t, err)

	// a failed read leaves no generation to write under, so nothing is stored
	cache.EXPECT().Get(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, int64(0), false, errors.New("connection refused"))

	agg, err := New(repo, WithCache(cache))
	require.NoError(t, err)
	buckets, err := agg.Aggregate(ctx, Query{CompanyID: company.ID})
	require.NoError(t, err)
	assert.Len(t, buckets, 1)
}

func TestAggregate_CacheWriteFailureIsIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockCache(ctrl)
	repo := storage.NewMemory()
	ctx := context.Background()
	company, err := repo.CreateCompany(ctx, models.CompanySeed{CanonicalName: "Apple Inc.", NameKey: "apple"})
	require.NoError(t, err)

	cache.EXPECT().Get(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, int64(0), false, nil)
	cache.EXPECT().Set(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("connection refused"))

	agg, err := New(repo, WithCache(cache))
	require.NoError(t, err)
	buckets, err := agg.Aggregate(ctx, Query{CompanyID: company.ID})
	require.NoError(t, err)
	assert.Len(t, buckets, 1)
}
