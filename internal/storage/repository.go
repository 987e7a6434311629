// Package storage defines the persistence boundary of the pipeline and its
// in-memory and staging implementations. SQL backends live in sqlstore.
package storage

import (
	"context"
	"iter"

	"influence/internal/models"
	id "influence/pkg/domain"
)

// Repository is everything the pipeline, aggregator and quality monitor
// need from persistence.
//
// Implementations enforce uniqueness of a company's name key, ticker and
// CIK; CreateCompany reports a violation as sentinel.ErrAlreadyUsed so a
// caller that lost a creation race can re-read the winner. Lookups that
// find nothing return sentinel.ErrNotFound.
type Repository interface {
	FindCompanyByKey(ctx context.Context, key models.CompanyKey) (*models.Company, error)
	CreateCompany(ctx context.Context, seed models.CompanySeed) (*models.Company, error)
	// EnrichCompany fills blank fields only and returns the updated company.
	EnrichCompany(ctx context.Context, companyID id.CompanyID, fields models.CompanyFields) (*models.Company, error)
	GetCompany(ctx context.Context, companyID id.CompanyID) (*models.Company, error)

	// UpsertNormalizedRecord inserts or replaces the record with the same ID.
	UpsertNormalizedRecord(ctx context.Context, rec models.NormalizedRecord) error
	// QueryRecords streams matching records ordered by OccurredOn, then ID.
	QueryRecords(ctx context.Context, filter models.RecordFilter) iter.Seq2[models.NormalizedRecord, error]
}

// BatchWriter persists a page of records all-or-nothing.
type BatchWriter interface {
	UpsertNormalizedRecords(ctx context.Context, recs []models.NormalizedRecord) error
}

// StatsReader computes per-source completeness counters without streaming
// every record to the caller.
type StatsReader interface {
	RecordStats(ctx context.Context) (map[models.SourceID]models.SourceStats, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CompanyLister enumerates every company, ordered by canonical name.
type CompanyLister interface {
	ListCompanies(ctx context.Context) ([]models.Company, error)
}

// WriteRecords persists recs through BatchWriter when repo implements it,
// one upsert at a time otherwise.
func WriteRecords(ctx context.Context, repo Repository, recs []models.NormalizedRecord) error {
	if bw, ok := repo.(BatchWriter); ok {
		return bw.UpsertNormalizedRecords(ctx, recs)
	}
	for _, rec := range recs {
		if err := repo.UpsertNormalizedRecord(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks repo when it implements Pinger.
func Ping(ctx context.Context, repo Repository) error {
	if p, ok := repo.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// CollectStats uses StatsReader when available and otherwise scans every record.
func CollectStats(ctx context.Context, repo Repository) (map[models.SourceID]models.SourceStats, error) {
	if sr, ok := repo.(StatsReader); ok {
		return sr.RecordStats(ctx)
	}
	out := make(map[models.SourceID]models.SourceStats)
	for rec, err := range repo.QueryRecords(ctx, models.RecordFilter{}) {
		if err != nil {
			return nil, err
		}
		s := out[rec.Source]
		s.Add(rec)
		out[rec.Source] = s
	}
	return out, nil
}
