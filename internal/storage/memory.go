package storage

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"sort"
	"strings"
	"sync"

	"influence/internal/models"
	id "influence/pkg/domain"
	"influence/pkg/platform/sentinel"
	"influence/pkg/requestcontext"
)

// Memory is a Repository backed by maps. Unique company keys are enforced
// under the write lock, and QueryRecords iterates over a snapshot.
type Memory struct {
	mu        sync.RWMutex
	companies map[id.CompanyID]models.Company
	keys      map[models.CompanyKey]id.CompanyID
	records   map[id.RecordID]models.NormalizedRecord
}

var (
	_ Repository    = (*Memory)(nil)
	_ BatchWriter   = (*Memory)(nil)
	_ StatsReader   = (*Memory)(nil)
	_ CompanyLister = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		companies: make(map[id.CompanyID]models.Company),
		keys:      make(map[models.CompanyKey]id.CompanyID),
		records:   make(map[id.RecordID]models.NormalizedRecord),
	}
}

func (m *Memory) FindCompanyByKey(_ context.Context, key models.CompanyKey) (*models.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	companyID, ok := m.keys[key]
	if !ok {
		return nil, fmt.Errorf("company %s: %w", key, sentinel.ErrNotFound)
	}
	c := m.companies[companyID]
	return &c, nil
}

func (m *Memory) CreateCompany(ctx context.Context, seed models.CompanySeed) (*models.Company, error) {
	c := companyFromSeed(seed)
	if c.NameKey == "" {
		return nil, fmt.Errorf("company name key is required: %w", sentinel.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	keys := companyKeys(c)
	for _, k := range keys {
		if _, taken := m.keys[k]; taken {
			return nil, fmt.Errorf("company %s: %w", k, sentinel.ErrAlreadyUsed)
		}
	}
	now := requestcontext.Now(ctx)
	c.ID = id.NewCompanyID()
	c.CreatedAt = now
	c.UpdatedAt = now
	m.companies[c.ID] = c
	for _, k := range keys {
		m.keys[k] = c.ID
	}
	return &c, nil
}

func (m *Memory) EnrichCompany(ctx context.Context, companyID id.CompanyID, fields models.CompanyFields) (*models.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.companies[companyID]
	if !ok {
		return nil, fmt.Errorf("company %s: %w", companyID, sentinel.ErrNotFound)
	}
	before := c
	if !fields.Apply(&c) {
		return &c, nil
	}
	var added []models.CompanyKey
	if before.Ticker == "" && c.Ticker != "" {
		added = append(added, models.TickerKey(c.Ticker))
	}
	if before.CIK == "" && c.CIK != "" {
		added = append(added, models.CIKKey(c.CIK))
	}
	for _, k := range added {
		if owner, taken := m.keys[k]; taken && owner != companyID {
			return nil, fmt.Errorf("company %s: %w", k, sentinel.ErrAlreadyUsed)
		}
	}
	c.UpdatedAt = requestcontext.Now(ctx)
	m.companies[companyID] = c
	for _, k := range added {
		m.keys[k] = companyID
	}
	return &c, nil
}

func (m *Memory) GetCompany(_ context.Context, companyID id.CompanyID) (*models.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companies[companyID]
	if !ok {
		return nil, fmt.Errorf("company %s: %w", companyID, sentinel.ErrNotFound)
	}
	return &c, nil
}

func (m *Memory) ListCompanies(_ context.Context) ([]models.Company, error) {
	m.mu.RLock()
	out := make([]models.Company, 0, len(m.companies))
	for _, c := range m.companies {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalName < out[j].CanonicalName })
	return out, nil
}

func (m *Memory) UpsertNormalizedRecord(ctx context.Context, rec models.NormalizedRecord) error {
	return m.UpsertNormalizedRecords(ctx, []models.NormalizedRecord{rec})
}

// UpsertNormalizedRecords validates the whole batch before writing any of it.
func (m *Memory) UpsertNormalizedRecords(_ context.Context, recs []models.NormalizedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		if err := m.checkRecord(rec); err != nil {
			return err
		}
	}
	for _, rec := range recs {
		m.records[rec.ID] = cloneRecord(rec)
	}
	return nil
}

func (m *Memory) checkRecord(rec models.NormalizedRecord) error {
	if rec.ID.IsNil() {
		return fmt.Errorf("record without ID: %w", sentinel.ErrInvalidInput)
	}
	if rec.CompanyID != nil {
		if _, ok := m.companies[*rec.CompanyID]; !ok {
			return fmt.Errorf("record %s references company %s: %w", rec.ID, rec.CompanyID, sentinel.ErrNotFound)
		}
	}
	return nil
}

func (m *Memory) QueryRecords(ctx context.Context, filter models.RecordFilter) iter.Seq2[models.NormalizedRecord, error] {
	return func(yield func(models.NormalizedRecord, error) bool) {
		m.mu.RLock()
		matched := make([]models.NormalizedRecord, 0, len(m.records))
		for _, rec := range m.records {
			if filter.Matches(rec) {
				matched = append(matched, cloneRecord(rec))
			}
		}
		m.mu.RUnlock()

		sortRecords(matched)
		for _, rec := range matched {
			if err := ctx.Err(); err != nil {
				yield(models.NormalizedRecord{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (m *Memory) RecordStats(_ context.Context) (map[models.SourceID]models.SourceStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[models.SourceID]models.SourceStats)
	for _, rec := range m.records {
		s := out[rec.Source]
		s.Add(rec)
		out[rec.Source] = s
	}
	return out, nil
}

func sortRecords(recs []models.NormalizedRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].OccurredOn.Equal(recs[j].OccurredOn) {
			return recs[i].OccurredOn.Before(recs[j].OccurredOn)
		}
		return strings.Compare(recs[i].ID.String(), recs[j].ID.String()) < 0
	})
}

func cloneRecord(rec models.NormalizedRecord) models.NormalizedRecord {
	if rec.CompanyID != nil {
		cid := *rec.CompanyID
		rec.CompanyID = &cid
	}
	rec.Fields = maps.Clone(rec.Fields)
	return rec
}
