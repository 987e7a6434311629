// Package storagetest holds the behaviour every storage.Repository must show,
// shared by the in-memory and SQL test suites.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"influence/internal/models"
	"influence/internal/storage"
	id "influence/pkg/domain"
	"influence/pkg/platform/sentinel"
	"influence/pkg/requestcontext"
)

// RepositorySuite runs against the repository NewRepository returns for each test.
type RepositorySuite struct {
	suite.Suite
	NewRepository func() storage.Repository

	repo storage.Repository
	ctx  context.Context
}

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func (s *RepositorySuite) SetupTest() {
	s.repo = s.NewRepository()
	s.ctx = requestcontext.WithTime(context.Background(), fixedNow)
}

func (s *RepositorySuite) TestCompanyKeys() {
	apple, err := s.repo.CreateCompany(s.ctx, models.CompanySeed{
		CanonicalName: "Apple Inc.", NameKey: "apple", Ticker: "aapl", CIK: "0000320193",
	})
	s.Require().NoError(err)
	s.False(apple.ID.IsNil())
	s.Equal("AAPL", apple.Ticker)
	s.True(apple.CreatedAt.Equal(fixedNow))

	s.Run("finds by every key", func() {
		for _, key := range []models.CompanyKey{
			models.NameKey("apple"), models.TickerKey("AAPL"), models.CIKKey("0000320193"),
		} {
			found, err := s.repo.FindCompanyByKey(s.ctx, key)
			s.Require().NoError(err, key.String())
			s.Equal(apple.ID, found.ID)
		}
	})

	s.Run("returns ErrNotFound for unknown keys", func() {
		_, err := s.repo.FindCompanyByKey(s.ctx, models.NameKey("microsoft"))
		s.Require().ErrorIs(err, sentinel.ErrNotFound)

		_, err = s.repo.GetCompany(s.ctx, id.NewCompanyID())
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("rejects a duplicate name key", func() {
		_, err := s.repo.CreateCompany(s.ctx, models.CompanySeed{CanonicalName: "APPLE INC", NameKey: "apple"})
		s.Require().ErrorIs(err, sentinel.ErrAlreadyUsed)
	})

	s.Run("rejects a ticker owned by another company", func() {
		_, err := s.repo.CreateCompany(s.ctx, models.CompanySeed{CanonicalName: "Pear", NameKey: "pear", Ticker: "AAPL"})
		s.Require().ErrorIs(err, sentinel.ErrAlreadyUsed)
	})
}

func (s *RepositorySuite) TestEnrichCompany() {
	msft, err := s.repo.CreateCompany(s.ctx, models.CompanySeed{CanonicalName: "Microsoft Corporation", NameKey: "microsoft"})
	s.Require().NoError(err)

	later := requestcontext.WithTime(context.Background(), fixedNow.Add(time.Hour))
	updated, err := s.repo.EnrichCompany(later, msft.ID, models.CompanyFields{Ticker: "msft", HeadquartersLocation: "Redmond, WA"})
	s.Require().NoError(err)
	s.Equal("MSFT", updated.Ticker)
	s.Equal("Redmond, WA", updated.HeadquartersLocation)
	s.True(updated.UpdatedAt.After(updated.CreatedAt))

	s.Run("never overwrites", func() {
		again, err := s.repo.EnrichCompany(s.ctx, msft.ID, models.CompanyFields{Ticker: "MSFT2", CIK: "0000789019"})
		s.Require().NoError(err)
		s.Equal("MSFT", again.Ticker)
		s.Equal("0000789019", again.CIK)
	})

	s.Run("new keys become searchable", func() {
		found, err := s.repo.FindCompanyByKey(s.ctx, models.CIKKey("0000789019"))
		s.Require().NoError(err)
		s.Equal(msft.ID, found.ID)
	})

	s.Run("unknown company", func() {
		_, err := s.repo.EnrichCompany(s.ctx, id.NewCompanyID(), models.CompanyFields{Ticker: "X"})
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *RepositorySuite) TestConcurrentCreateHasOneWinner() {
	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	created, conflicts := 0, 0
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.repo.CreateCompany(s.ctx, models.CompanySeed{CanonicalName: "Alphabet Inc.", NameKey: "alphabet"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case isAlreadyUsed(err):
				conflicts++
			}
		}()
	}
	wg.Wait()
	s.Equal(1, created)
	s.Equal(callers-1, conflicts)
}

func (s *RepositorySuite) TestRecords() {
	apple, err := s.repo.CreateCompany(s.ctx, models.CompanySeed{CanonicalName: "Apple Inc.", NameKey: "apple"})
	s.Require().NoError(err)

	lobbying := s.record(models.SourceLobbying, "l-1", &apple.ID, "2500000", date(2024, 1, 1))
	lobbying.PeriodYear, lobbying.PeriodQuarter = 2024, 1
	grant := s.record(models.SourceGrants, "g-1", &apple.ID, "500000.25", date(2024, 2, 14))
	grant.GrantCategory = models.CategoryHumanitarian
	orphan := s.record(models.SourceContributions, "c-1", nil, "1000", date(2024, 3, 1))
	orphan.Unresolved = true
	orphan.UnresolvedReason = "no candidate key"

	s.Require().NoError(storage.WriteRecords(s.ctx, s.repo, []models.NormalizedRecord{grant, orphan, lobbying}))

	s.Run("streams in date order", func() {
		got := s.collect(models.RecordFilter{})
		s.Require().Len(got, 3)
		s.Equal("l-1", got[0].ExternalID)
		s.Equal("g-1", got[1].ExternalID)
		s.Equal("c-1", got[2].ExternalID)

		s.True(decimal.RequireFromString("500000.25").Equal(got[1].Amount))
		s.Equal(models.CategoryHumanitarian, got[1].GrantCategory)
		s.Equal("Apple Inc.", got[1].Fields[models.FieldCompanyName])
		s.Require().NotNil(got[0].CompanyID)
		s.Equal(apple.ID, *got[0].CompanyID)
		s.Equal(1, got[0].PeriodQuarter)
		s.Nil(got[2].CompanyID)
		s.True(got[2].Unresolved)
	})

	s.Run("filters", func() {
		resolved := true
		start, end := date(2024, 2, 1), date(2024, 12, 31)
		got := s.collect(models.RecordFilter{CompanyID: &apple.ID, Resolved: &resolved, Start: &start, End: &end})
		s.Require().Len(got, 1)
		s.Equal("g-1", got[0].ExternalID)

		got = s.collect(models.RecordFilter{SpendingCategory: models.SpendingLobbying})
		s.Require().Len(got, 1)
		s.Equal("l-1", got[0].ExternalID)

		got = s.collect(models.RecordFilter{Sources: []models.SourceID{models.SourceContributions, models.SourceGrants}})
		s.Len(got, 2)
	})

	s.Run("upsert replaces by ID", func() {
		grant.Amount = decimal.RequireFromString("600000")
		s.Require().NoError(s.repo.UpsertNormalizedRecord(s.ctx, grant))
		got := s.collect(models.RecordFilter{Sources: []models.SourceID{models.SourceGrants}})
		s.Require().Len(got, 1)
		s.True(decimal.RequireFromString("600000").Equal(got[0].Amount))
	})

	s.Run("stats", func() {
		stats, err := storage.CollectStats(s.ctx, s.repo)
		s.Require().NoError(err)
		s.Equal(models.SourceStats{Total: 1, WithKeyField: 1, ResolvedCount: 1}, stats[models.SourceGrants])
		s.Equal(models.SourceStats{Total: 1, WithKeyField: 1, UnresolvedCount: 1}, stats[models.SourceContributions])
	})
}

func (s *RepositorySuite) TestQueryStopsEarly() {
	for i := range 5 {
		rec := s.record(models.SourceContributions, string(rune('a'+i)), nil, "1", date(2024, 1, 1+i))
		s.Require().NoError(s.repo.UpsertNormalizedRecord(s.ctx, rec))
	}
	n := 0
	for _, err := range s.repo.QueryRecords(s.ctx, models.RecordFilter{}) {
		s.Require().NoError(err)
		n++
		if n == 2 {
			break
		}
	}
	s.Equal(2, n)
}

func (s *RepositorySuite) record(source models.SourceID, externalID string, companyID *id.CompanyID, amount string, on time.Time) models.NormalizedRecord {
	kind := map[models.SourceID]models.RecordKind{
		models.SourceContributions: models.KindContribution,
		models.SourceLobbying:      models.KindLobbying,
		models.SourceGrants:        models.KindGrant,
		models.SourceFinancials:    models.KindFiling,
	}[source]
	category, _ := models.SpendingCategoryFor(kind)
	return models.NormalizedRecord{
		ID:               id.RecordIDFor(string(source), externalID),
		Source:           source,
		Kind:             kind,
		ExternalID:       externalID,
		CompanyID:        companyID,
		SpendingCategory: category,
		Amount:           decimal.RequireFromString(amount),
		OccurredOn:       on,
		PeriodYear:       on.Year(),
		HasKeyField:      true,
		Fields:           map[string]string{models.FieldCompanyName: "Apple Inc.", models.FieldAmount: amount},
		FetchedAt:        fixedNow,
		IngestedAt:       fixedNow,
	}
}

func (s *RepositorySuite) collect(filter models.RecordFilter) []models.NormalizedRecord {
	var out []models.NormalizedRecord
	for rec, err := range s.repo.QueryRecords(s.ctx, filter) {
		s.Require().NoError(err)
		out = append(out, rec)
	}
	return out
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func isAlreadyUsed(err error) bool {
	return errors.Is(err, sentinel.ErrAlreadyUsed)
}
