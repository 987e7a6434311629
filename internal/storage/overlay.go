package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"influence/internal/models"
	id "influence/pkg/domain"
	"influence/pkg/platform/sentinel"
	"influence/pkg/requestcontext"
)

// Overlay stages writes in memory on top of a read-only base repository.
// Dry runs resolve and persist against an Overlay so the base is never written.
type Overlay struct {
	base Repository

	mu        sync.RWMutex
	companies map[id.CompanyID]models.Company
	keys      map[models.CompanyKey]id.CompanyID
	records   map[id.RecordID]models.NormalizedRecord
}

var (
	_ Repository  = (*Overlay)(nil)
	_ BatchWriter = (*Overlay)(nil)
)

func NewOverlay(base Repository) *Overlay {
	return &Overlay{
		base:      base,
		companies: make(map[id.CompanyID]models.Company),
		keys:      make(map[models.CompanyKey]id.CompanyID),
		records:   make(map[id.RecordID]models.NormalizedRecord),
	}
}

// Staged returns the number of staged companies and records.
func (o *Overlay) Staged() (companies, records int) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.companies), len(o.records)
}

func (o *Overlay) FindCompanyByKey(ctx context.Context, key models.CompanyKey) (*models.Company, error) {
	o.mu.RLock()
	if companyID, ok := o.keys[key]; ok {
		c := o.companies[companyID]
		o.mu.RUnlock()
		return &c, nil
	}
	o.mu.RUnlock()
	return o.base.FindCompanyByKey(ctx, key)
}

func (o *Overlay) CreateCompany(ctx context.Context, seed models.CompanySeed) (*models.Company, error) {
	c := companyFromSeed(seed)
	if c.NameKey == "" {
		return nil, fmt.Errorf("company name key is required: %w", sentinel.ErrInvalidInput)
	}
	keys := companyKeys(c)
	for _, k := range keys {
		if err := o.baseKeyFree(ctx, k); err != nil {
			return nil, err
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, k := range keys {
		if _, taken := o.keys[k]; taken {
			return nil, fmt.Errorf("company %s: %w", k, sentinel.ErrAlreadyUsed)
		}
	}
	now := requestcontext.Now(ctx)
	c.ID = id.NewCompanyID()
	c.CreatedAt = now
	c.UpdatedAt = now
	o.stage(c)
	return &c, nil
}

func (o *Overlay) EnrichCompany(ctx context.Context, companyID id.CompanyID, fields models.CompanyFields) (*models.Company, error) {
	c, err := o.GetCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	updated := *c
	if !fields.Apply(&updated) {
		return c, nil
	}
	var added []models.CompanyKey
	if c.Ticker == "" && updated.Ticker != "" {
		added = append(added, models.TickerKey(updated.Ticker))
	}
	if c.CIK == "" && updated.CIK != "" {
		added = append(added, models.CIKKey(updated.CIK))
	}
	for _, k := range added {
		if err := o.baseKeyFree(ctx, k); err != nil {
			return nil, err
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, k := range added {
		if owner, taken := o.keys[k]; taken && owner != companyID {
			return nil, fmt.Errorf("company %s: %w", k, sentinel.ErrAlreadyUsed)
		}
	}
	updated.UpdatedAt = requestcontext.Now(ctx)
	o.stage(updated)
	return &updated, nil
}

func (o *Overlay) GetCompany(ctx context.Context, companyID id.CompanyID) (*models.Company, error) {
	o.mu.RLock()
	if c, ok := o.companies[companyID]; ok {
		o.mu.RUnlock()
		return &c, nil
	}
	o.mu.RUnlock()
	return o.base.GetCompany(ctx, companyID)
}

func (o *Overlay) UpsertNormalizedRecord(ctx context.Context, rec models.NormalizedRecord) error {
	return o.UpsertNormalizedRecords(ctx, []models.NormalizedRecord{rec})
}

func (o *Overlay) UpsertNormalizedRecords(_ context.Context, recs []models.NormalizedRecord) error {
	for _, rec := range recs {
		if rec.ID.IsNil() {
			return fmt.Errorf("record without ID: %w", sentinel.ErrInvalidInput)
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, rec := range recs {
		o.records[rec.ID] = cloneRecord(rec)
	}
	return nil
}

// QueryRecords merges base and staged records; a staged record replaces the
// base record with the same ID.
func (o *Overlay) QueryRecords(ctx context.Context, filter models.RecordFilter) iter.Seq2[models.NormalizedRecord, error] {
	return func(yield func(models.NormalizedRecord, error) bool) {
		o.mu.RLock()
		merged := make([]models.NormalizedRecord, 0, len(o.records))
		staged := make(map[id.RecordID]struct{}, len(o.records))
		for _, rec := range o.records {
			staged[rec.ID] = struct{}{}
			if filter.Matches(rec) {
				merged = append(merged, cloneRecord(rec))
			}
		}
		o.mu.RUnlock()

		for rec, err := range o.base.QueryRecords(ctx, filter) {
			if err != nil {
				yield(models.NormalizedRecord{}, err)
				return
			}
			if _, ok := staged[rec.ID]; !ok {
				merged = append(merged, rec)
			}
		}

		sortRecords(merged)
		for _, rec := range merged {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Ping delegates to the base so dry runs still fail fast on an unreachable store.
func (o *Overlay) Ping(ctx context.Context) error {
	return Ping(ctx, o.base)
}

func (o *Overlay) baseKeyFree(ctx context.Context, k models.CompanyKey) error {
	_, err := o.base.FindCompanyByKey(ctx, k)
	switch {
	case err == nil:
		return fmt.Errorf("company %s: %w", k, sentinel.ErrAlreadyUsed)
	case errors.Is(err, sentinel.ErrNotFound):
		return nil
	default:
		return err
	}
}

// stage stores c and its keys. Callers hold o.mu.
func (o *Overlay) stage(c models.Company) {
	o.companies[c.ID] = c
	for _, k := range companyKeys(c) {
		o.keys[k] = c.ID
	}
}
