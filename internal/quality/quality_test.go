package quality

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"influence/internal/models"
	"influence/internal/resilience"
	"influence/internal/storage"
	id "influence/pkg/domain"
	"influence/pkg/platform/circuit"
	"influence/pkg/requestcontext"
)

func seed(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()
	apple, err := repo.CreateCompany(ctx, models.CompanySeed{CanonicalName: "Apple Inc.", NameKey: "apple", Ticker: "AAPL"})
	require.NoError(t, err)

	recs := []models.NormalizedRecord{
		{Source: models.SourceLobbying, ExternalID: "1", CompanyID: &apple.ID, HasKeyField: true},
		{Source: models.SourceLobbying, ExternalID: "2", CompanyID: &apple.ID},
		{Source: models.SourceContributions, ExternalID: "3", Unresolved: true, HasKeyField: true},
	}
	for _, r := range recs {
		r.ID = id.RecordIDFor(string(r.Source), r.ExternalID)
		require.NoError(t, repo.UpsertNormalizedRecord(ctx, r))
	}
}

func TestReport(t *testing.T) {
	repo := storage.NewMemory()
	seed(t, repo)

	calls := resilience.NewCallLog()
	calls.ObserveCall(resilience.Call{Source: models.SourceLobbying, Outcome: resilience.OutcomeSuccess, HTTPStatus: 200})
	calls.ObserveCall(resilience.Call{Source: models.SourceLobbying, Outcome: resilience.OutcomeTransient, HTTPStatus: 503})

	breakers := circuit.NewRegistry(circuit.WithFailureThreshold(1))
	breakers.Get("grants").RecordFailure()

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m, err := New(repo, WithCallStats(calls), WithBreakers(breakers))
	require.NoError(t, err)

	report, err := m.Report(requestcontext.WithTime(context.Background(), now))
	require.NoError(t, err)

	assert.Equal(t, now, report.GeneratedAt)
	assert.Len(t, report.PerSource, len(models.AllSources), "every source is listed")
	assert.Equal(t, models.SourceStats{Total: 2, WithKeyField: 1, ResolvedCount: 2}, report.PerSource[models.SourceLobbying])
	assert.Equal(t, models.SourceStats{Total: 1, WithKeyField: 1, UnresolvedCount: 1}, report.PerSource[models.SourceContributions])
	assert.Zero(t, report.PerSource[models.SourceFinancials].Total)

	assert.Equal(t, 1, report.Calls[models.SourceLobbying].Succeeded)
	assert.Equal(t, 1, report.Calls[models.SourceLobbying].Failed)
	assert.Equal(t, 503, report.Calls[models.SourceLobbying].LastStatus)

	assert.Equal(t, "open", report.Circuits["grants"].State)
	assert.NotNil(t, report.Circuits["grants"].OpenedAt)

	require.NotNil(t, report.Companies)
	assert.Equal(t, CompanyStats{Total: 1, WithTicker: 1}, *report.Companies)

	assert.Equal(t, LinkStats{SingleSource: 1, BySourceCount: map[int]int{1: 1}}, report.Linkage)
}

func TestReport_Linkage(t *testing.T) {
	repo := storage.NewMemory()
	seed(t, repo)
	ctx := context.Background()
	apple, err := repo.FindCompanyByKey(ctx, models.NameKey("apple"))
	require.NoError(t, err)
	msft, err := repo.CreateCompany(ctx, models.CompanySeed{CanonicalName: "Microsoft Corporation", NameKey: "microsoft"})
	require.NoError(t, err)

	recs := []models.NormalizedRecord{
		{Source: models.SourceGrants, ExternalID: "g-1", CompanyID: &apple.ID},
		{Source: models.SourceFinancials, ExternalID: "f-1", CompanyID: &apple.ID},
		{Source: models.SourceContributions, ExternalID: "c-1", CompanyID: &msft.ID},
		{Source: models.SourceContributions, ExternalID: "c-2", CompanyID: &msft.ID},
	}
	for _, r := range recs {
		r.ID = id.RecordIDFor(string(r.Source), r.ExternalID)
		require.NoError(t, repo.UpsertNormalizedRecord(ctx, r))
	}

	m, err := New(repo)
	require.NoError(t, err)
	report, err := m.Report(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Linkage.Linked, "apple spans lobbying, grants and financials")
	assert.Equal(t, 1, report.Linkage.SingleSource, "microsoft has contributions only")
	assert.Equal(t, map[int]int{1: 1, 3: 1}, report.Linkage.BySourceCount)
}

// scanOnly hides the Memory fast paths so the report scans records.
type scanOnly struct {
	repo *storage.Memory
}

func (s scanOnly) FindCompanyByKey(ctx context.Context, key models.CompanyKey) (*models.Company, error) {
	return s.repo.FindCompanyByKey(ctx, key)
}
func (s scanOnly) CreateCompany(ctx context.Context, seed models.CompanySeed) (*models.Company, error) {
	return s.repo.CreateCompany(ctx, seed)
}
func (s scanOnly) EnrichCompany(ctx context.Context, c id.CompanyID, f models.CompanyFields) (*models.Company, error) {
	return s.repo.EnrichCompany(ctx, c, f)
}
func (s scanOnly) GetCompany(ctx context.Context, c id.CompanyID) (*models.Company, error) {
	return s.repo.GetCompany(ctx, c)
}
func (s scanOnly) UpsertNormalizedRecord(ctx context.Context, rec models.NormalizedRecord) error {
	return s.repo.UpsertNormalizedRecord(ctx, rec)
}
func (s scanOnly) QueryRecords(ctx context.Context, f models.RecordFilter) iter.Seq2[models.NormalizedRecord, error] {
	return s.repo.QueryRecords(ctx, f)
}

func TestReport_ScansWithoutStatsReader(t *testing.T) {
	repo := scanOnly{repo: storage.NewMemory()}
	seed(t, repo)

	m, err := New(repo)
	require.NoError(t, err)
	report, err := m.Report(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.PerSource[models.SourceLobbying].Total)
	assert.Nil(t, report.Companies)
	assert.Nil(t, report.Calls)
}

func TestReport_Timeout(t *testing.T) {
	m, err := New(slowRepo{Memory: storage.NewMemory()}, WithTimeout(10*time.Millisecond))
	require.NoError(t, err)

	_, err = m.Report(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// slowRepo blocks record stats until the context ends.
type slowRepo struct {
	*storage.Memory
}

func (slowRepo) RecordStats(ctx context.Context) (map[models.SourceID]models.SourceStats, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
