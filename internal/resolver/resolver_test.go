package resolver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"influence/internal/models"
	"influence/internal/storage"
	"influence/pkg/platform/sentinel"
	"influence/pkg/requestcontext"
)

type ResolverSuite struct {
	suite.Suite
	repo     *storage.Memory
	resolver *Resolver
	ctx      context.Context
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverSuite))
}

func (s *ResolverSuite) SetupTest() {
	s.repo = storage.NewMemory()
	r, err := New(s.repo)
	s.Require().NoError(err)
	s.resolver = r
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
}

func record(fields map[string]string) models.RawRecord {
	return models.NewRawRecord(models.SourceFinancials, models.KindFiling, "ext", time.Now(), fields)
}

func (s *ResolverSuite) resolve(fields map[string]string) Resolution {
	res, err := s.resolver.Resolve(s.ctx, record(fields))
	s.Require().NoError(err)
	return res
}

func (s *ResolverSuite) TestResolveTwiceReturnsSameCompany() {
	first := s.resolve(map[string]string{models.FieldCompanyName: "Globex Corporation"})
	second := s.resolve(map[string]string{models.FieldCompanyName: "Globex Corporation"})

	s.True(first.Created())
	s.False(second.Created())
	s.Equal(models.KeyExactName, second.MatchedBy)
	s.Equal(first.Company.ID, second.Company.ID)
}

func (s *ResolverSuite) TestSuffixStrippingMatches() {
	a := s.resolve(map[string]string{models.FieldCompanyName: "APPLE CORPORATION"})
	b := s.resolve(map[string]string{models.FieldCompanyName: "Apple Inc."})
	s.Equal(a.Company.ID, b.Company.ID)
}

func (s *ResolverSuite) TestVariantTableMatches() {
	a := s.resolve(map[string]string{models.FieldCompanyName: "Google Inc"})
	b := s.resolve(map[string]string{models.FieldCompanyName: "Google LLC"})

	s.Equal(a.Company.ID, b.Company.ID)
	s.Equal("Alphabet Inc.", a.Company.CanonicalName)
	s.Equal("alphabet", a.Company.NameKey)
}

func (s *ResolverSuite) TestMatchOrder() {
	apple := s.resolve(map[string]string{
		models.FieldCompanyName: "Apple Inc.",
		models.FieldTicker:      "AAPL",
		models.FieldCIK:         "0000320193",
	})

	s.Run("ticker", func() {
		res := s.resolve(map[string]string{models.FieldCompanyName: "Unknown Holdings", models.FieldTicker: "aapl"})
		s.Equal(models.KeyTicker, res.MatchedBy)
		s.Equal(apple.Company.ID, res.Company.ID)
	})

	s.Run("cik", func() {
		res := s.resolve(map[string]string{models.FieldCompanyName: "Other Name", models.FieldCIK: "0000320193"})
		s.Equal(models.KeyCIK, res.MatchedBy)
		s.Equal(apple.Company.ID, res.Company.ID)
	})

	s.Run("cik keeps leading zeros", func() {
		res := s.resolve(map[string]string{models.FieldCIK: "320193"})
		s.True(res.Created())
		s.NotEqual(apple.Company.ID, res.Company.ID)
		s.Equal("CIK 320193", res.Company.CanonicalName)
	})
}

func (s *ResolverSuite) TestEnrichmentOnNameMatch() {
	created := s.resolve(map[string]string{models.FieldCompanyName: "Microsoft Corporation"})
	s.Empty(created.Company.Ticker)

	res := s.resolve(map[string]string{
		models.FieldCompanyName:  "MICROSOFT CORP",
		models.FieldTicker:       "msft",
		models.FieldCIK:          "0000789019",
		models.FieldHeadquarters: "Redmond, WA",
	})
	s.True(res.Enriched)
	s.Equal(created.Company.ID, res.Company.ID)
	s.Equal("MSFT", res.Company.Ticker)
	s.Equal("0000789019", res.Company.CIK)
	s.Equal("Redmond, WA", res.Company.HeadquartersLocation)

	stored, err := s.repo.FindCompanyByKey(s.ctx, models.TickerKey("MSFT"))
	s.Require().NoError(err)
	s.Equal(created.Company.ID, stored.ID)

	again := s.resolve(map[string]string{models.FieldCompanyName: "Microsoft", models.FieldTicker: "MSFT"})
	s.False(again.Enriched, "nothing left to fill")
}

func (s *ResolverSuite) TestNameWinsOverTickerOfAnotherCompany() {
	globex := s.resolve(map[string]string{models.FieldCompanyName: "Globex", models.FieldTicker: "GBX"})
	initech := s.resolve(map[string]string{models.FieldCompanyName: "Initech"})

	res := s.resolve(map[string]string{models.FieldCompanyName: "Initech Inc", models.FieldTicker: "GBX"})
	s.Equal(initech.Company.ID, res.Company.ID)
	s.Equal(models.KeyExactName, res.MatchedBy)
	s.Equal([]models.CompanyKey{models.TickerKey("GBX")}, res.Conflicts)
	s.Empty(res.Company.Ticker, "ticker stays with its owner")

	owner, err := s.repo.FindCompanyByKey(s.ctx, models.TickerKey("GBX"))
	s.Require().NoError(err)
	s.Equal(globex.Company.ID, owner.ID)
}

func (s *ResolverSuite) TestNamelessRecordCreatesFromTicker() {
	res := s.resolve(map[string]string{models.FieldTicker: "ACME"})
	s.True(res.Created())
	s.Equal("ACME", res.Company.CanonicalName)
	s.Equal("ticker:acme", res.Company.NameKey)

	named := s.resolve(map[string]string{models.FieldCompanyName: "Acme Corp", models.FieldTicker: "ACME"})
	s.Equal(res.Company.ID, named.Company.ID, "ticker match")
}

func (s *ResolverSuite) TestUnresolvable() {
	_, err := s.resolver.Resolve(s.ctx, record(map[string]string{models.FieldAmount: "100", models.FieldCompanyName: " , "}))
	s.Require().Error(err)
	s.True(IsUnresolvable(err))

	var ue *UnresolvableRecordError
	s.Require().ErrorAs(err, &ue)
	s.Equal(models.SourceFinancials, ue.Source)
}

func (s *ResolverSuite) TestConcurrentResolveCreatesOneCompany() {
	const workers = 50
	ids := make(chan string, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := "Umbrella Corporation"
			if i%2 == 0 {
				name = "UMBRELLA CORP."
			}
			res, err := s.resolver.Resolve(s.ctx, record(map[string]string{models.FieldCompanyName: name}))
			s.NoError(err)
			if err == nil {
				ids <- res.Company.ID.String()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]struct{}{}
	for id := range ids {
		seen[id] = struct{}{}
	}
	s.Len(seen, 1)

	companies, err := s.repo.ListCompanies(s.ctx)
	s.Require().NoError(err)
	s.Len(companies, 1)
}

// racingRepo creates the company behind the resolver's back on the first
// CreateCompany, as another process would.
type racingRepo struct {
	*storage.Memory
	once sync.Once
}

func (r *racingRepo) CreateCompany(ctx context.Context, seed models.CompanySeed) (*models.Company, error) {
	raced := false
	r.once.Do(func() {
		_, _ = r.Memory.CreateCompany(ctx, seed)
		raced = true
	})
	if raced {
		return nil, sentinel.ErrAlreadyUsed
	}
	return r.Memory.CreateCompany(ctx, seed)
}

func (s *ResolverSuite) TestLostCreateRaceReturnsWinner() {
	repo := &racingRepo{Memory: storage.NewMemory()}
	r, err := New(repo)
	s.Require().NoError(err)

	res, err := r.Resolve(s.ctx, record(map[string]string{models.FieldCompanyName: "Hooli"}))
	s.Require().NoError(err)
	s.False(res.Created())

	winner, err := repo.FindCompanyByKey(s.ctx, models.NameKey("hooli"))
	s.Require().NoError(err)
	s.Equal(winner.ID, res.Company.ID)
}

func TestNew_RequiresRepository(t *testing.T) {
	_, err := New(nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func (s *ResolverSuite) TestLookup() {
	apple := s.resolve(map[string]string{
		models.FieldCompanyName: "Apple Inc.",
		models.FieldTicker:      "AAPL",
		models.FieldCIK:         "0000320193",
	})

	for _, ref := range []string{"Apple Inc.", "apple computer", "aapl", "0000320193"} {
		c, err := s.resolver.Lookup(s.ctx, ref)
		s.Require().NoError(err, ref)
		s.Equal(apple.Company.ID, c.ID, ref)
	}

	_, err := s.resolver.Lookup(s.ctx, "Initech")
	s.ErrorIs(err, sentinel.ErrNotFound)

	companies, err := s.repo.ListCompanies(s.ctx)
	s.Require().NoError(err)
	s.Len(companies, 1, "lookup never creates")
}
