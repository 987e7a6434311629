package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"influence/internal/models"
	"influence/internal/storage"
	id "influence/pkg/domain"
	"influence/pkg/platform/sentinel"
)

func TestOverlay_NeverWritesBase(t *testing.T) {
	ctx := context.Background()
	base := storage.NewMemory()
	apple, err := base.CreateCompany(ctx, models.CompanySeed{CanonicalName: "Apple Inc.", NameKey: "apple"})
	require.NoError(t, err)
	existing := models.NormalizedRecord{
		ID: id.RecordIDFor("grants", "g-1"), Source: models.SourceGrants, Kind: models.KindGrant,
		CompanyID: &apple.ID, Amount: decimal.NewFromInt(10), OccurredOn: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, base.UpsertNormalizedRecord(ctx, existing))

	overlay := storage.NewOverlay(base)

	_, err = overlay.CreateCompany(ctx, models.CompanySeed{CanonicalName: "APPLE INC", NameKey: "apple"})
	require.ErrorIs(t, err, sentinel.ErrAlreadyUsed, "base keys are taken")

	msft, err := overlay.CreateCompany(ctx, models.CompanySeed{CanonicalName: "Microsoft Corporation", NameKey: "microsoft"})
	require.NoError(t, err)

	enriched, err := overlay.EnrichCompany(ctx, apple.ID, models.CompanyFields{Ticker: "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, "AAPL", enriched.Ticker)

	replaced := existing
	replaced.Amount = decimal.NewFromInt(99)
	staged := models.NormalizedRecord{
		ID: id.RecordIDFor("lobbying", "l-1"), Source: models.SourceLobbying, Kind: models.KindLobbying,
		CompanyID: &msft.ID, Amount: decimal.NewFromInt(5), OccurredOn: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, storage.WriteRecords(ctx, overlay, []models.NormalizedRecord{replaced, staged}))

	var merged []models.NormalizedRecord
	for rec, err := range overlay.QueryRecords(ctx, models.RecordFilter{}) {
		require.NoError(t, err)
		merged = append(merged, rec)
	}
	require.Len(t, merged, 2)
	assert.True(t, decimal.NewFromInt(99).Equal(merged[0].Amount), "staged record shadows base")

	companies, records := overlay.Staged()
	assert.Equal(t, 2, companies)
	assert.Equal(t, 2, records)

	// base is untouched
	_, err = base.FindCompanyByKey(ctx, models.NameKey("microsoft"))
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	baseApple, err := base.GetCompany(ctx, apple.ID)
	require.NoError(t, err)
	assert.Empty(t, baseApple.Ticker)
	stats, err := base.RecordStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[models.SourceGrants].Total)
	assert.Zero(t, stats[models.SourceLobbying].Total)
}
