// Package resolver links raw provider records to canonical companies.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"influence/internal/models"
	"influence/internal/storage"
	"influence/pkg/platform/sentinel"
)

// MatchCreated marks a Resolution whose company was created by the call.
const MatchCreated models.CompanyKeyKind = "created"

// Resolution is the outcome of resolving one record.
type Resolution struct {
	Company *models.Company
	// MatchedBy is the key kind that found the company, or MatchCreated.
	MatchedBy models.CompanyKeyKind
	Enriched  bool
	// Conflicts lists record keys owned by another company, which were
	// therefore not copied onto this one.
	Conflicts []models.CompanyKey
}

// Created reports whether the company did not exist before.
func (r Resolution) Created() bool { return r.MatchedBy == MatchCreated }

// UnresolvableRecordError is returned for records without any usable
// company key. Such records are persisted as unresolved.
type UnresolvableRecordError struct {
	Source     models.SourceID
	ExternalID string
	Reason     string
}

func (e *UnresolvableRecordError) Error() string {
	return fmt.Sprintf("unresolvable %s record %q: %s", e.Source, e.ExternalID, e.Reason)
}

// IsUnresolvable reports whether err is an UnresolvableRecordError.
func IsUnresolvable(err error) bool {
	var ue *UnresolvableRecordError
	return errors.As(err, &ue)
}

// Resolver matches records by name, then ticker, then CIK, and creates a
// company when nothing matches. It is safe for concurrent use.
type Resolver struct {
	repo     storage.Repository
	variants *Variants
	logger   *slog.Logger
	locks    keyedLock
}

// Option configures the Resolver.
type Option func(*Resolver)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithVariants replaces the embedded variant table.
func WithVariants(v *Variants) Option {
	return func(r *Resolver) {
		if v != nil {
			r.variants = v
		}
	}
}

// New creates a Resolver over repo.
func New(repo storage.Repository, opts ...Option) (*Resolver, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	r := &Resolver{
		repo:     repo,
		variants: DefaultVariants(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// candidate holds the identifying fields of one record.
type candidate struct {
	canonicalName string
	nameKey       string
	ticker        string
	cik           string
	hq            string
}

func (r *Resolver) candidateFor(raw models.RawRecord) candidate {
	name := strings.TrimSpace(raw.Get(models.FieldCompanyName))
	c := candidate{
		ticker: models.TickerKey(raw.Get(models.FieldTicker)).Value,
		cik:    models.CIKKey(raw.Get(models.FieldCIK)).Value,
		hq:     strings.TrimSpace(raw.Get(models.FieldHeadquarters)),
	}
	if canonical, ok := r.variants.Canonical(name); ok {
		name = canonical
	}
	if key := Normalize(name); key != "" {
		c.canonicalName = name
		c.nameKey = key
	}
	return c
}

// keys lists the lookup keys in match order.
func (c candidate) keys() []models.CompanyKey {
	var keys []models.CompanyKey
	if c.nameKey != "" {
		keys = append(keys, models.NameKey(c.nameKey))
	}
	if c.ticker != "" {
		keys = append(keys, models.TickerKey(c.ticker))
	}
	if c.cik != "" {
		keys = append(keys, models.CIKKey(c.cik))
	}
	return keys
}

// seed builds the company to create. A record without a name still gets a
// name key, derived from its ticker or CIK; the colon keeps it apart from
// every normalized name.
func (c candidate) seed() models.CompanySeed {
	s := models.CompanySeed{
		CanonicalName:        c.canonicalName,
		NameKey:              c.nameKey,
		Ticker:               c.ticker,
		CIK:                  c.cik,
		HeadquartersLocation: c.hq,
	}
	if s.NameKey == "" {
		switch {
		case c.ticker != "":
			s.CanonicalName = c.ticker
			s.NameKey = "ticker:" + strings.ToLower(c.ticker)
		case c.cik != "":
			s.CanonicalName = "CIK " + c.cik
			s.NameKey = "cik:" + c.cik
		}
	}
	return s
}

// Resolve returns the company raw belongs to, creating it when absent.
//
// The first matching key wins, in the order name, ticker, CIK, so a name
// match beats a ticker that belongs to a different company. Creation is
// an atomic check-and-insert in the repository; losing that race re-reads
// the winner.
func (r *Resolver) Resolve(ctx context.Context, raw models.RawRecord) (Resolution, error) {
	c := r.candidateFor(raw)
	keys := c.keys()
	if len(keys) == 0 {
		return Resolution{}, &UnresolvableRecordError{
			Source:     raw.Source,
			ExternalID: raw.ExternalID,
			Reason:     "no company name, ticker or CIK",
		}
	}

	lockKeys := make([]string, len(keys))
	for i, k := range keys {
		lockKeys[i] = k.String()
	}
	unlock := r.locks.lock(lockKeys)
	defer unlock()

	company, matchedBy, err := r.find(ctx, keys)
	if err != nil {
		return Resolution{}, err
	}
	if company == nil {
		company, err = r.repo.CreateCompany(ctx, c.seed())
		switch {
		case err == nil:
			r.logger.InfoContext(ctx, "company created",
				"company_id", company.ID,
				"canonical_name", company.CanonicalName,
				"source", raw.Source,
			)
			return Resolution{Company: company, MatchedBy: MatchCreated}, nil
		case errors.Is(err, sentinel.ErrAlreadyUsed):
			// another process created it first
			company, matchedBy, err = r.find(ctx, keys)
			if err != nil {
				return Resolution{}, err
			}
			if company == nil {
				return Resolution{}, fmt.Errorf("company vanished after create conflict: %w", sentinel.ErrAlreadyUsed)
			}
		default:
			return Resolution{}, fmt.Errorf("create company: %w", err)
		}
	}

	res := Resolution{Company: company, MatchedBy: matchedBy}
	if matchedBy == models.KeyExactName {
		if err := r.enrich(ctx, &res, c); err != nil {
			return Resolution{}, err
		}
	}
	return res, nil
}

// Lookup finds an existing company by a free-form reference: a name (or
// one of its variants), a ticker or a CIK. It never creates one.
func (r *Resolver) Lookup(ctx context.Context, ref string) (*models.Company, error) {
	ref = strings.TrimSpace(ref)
	c := r.candidateFor(models.NewRawRecord("", "", "", time.Time{}, map[string]string{
		models.FieldCompanyName: ref,
		models.FieldTicker:      ref,
		models.FieldCIK:         ref,
	}))
	company, _, err := r.find(ctx, c.keys())
	if err != nil {
		return nil, err
	}
	if company == nil {
		return nil, fmt.Errorf("company %q: %w", ref, sentinel.ErrNotFound)
	}
	return company, nil
}

func (r *Resolver) find(ctx context.Context, keys []models.CompanyKey) (*models.Company, models.CompanyKeyKind, error) {
	for _, k := range keys {
		company, err := r.repo.FindCompanyByKey(ctx, k)
		switch {
		case err == nil:
			return company, k.Kind, nil
		case errors.Is(err, sentinel.ErrNotFound):
			continue
		default:
			return nil, "", fmt.Errorf("find company by %s: %w", k.Kind, err)
		}
	}
	return nil, "", nil
}

// enrich fills blank identifiers of a name-matched company. Ticker and CIK
// values another company already owns are reported, not copied.
func (r *Resolver) enrich(ctx context.Context, res *Resolution, c candidate) error {
	company := res.Company
	var patch models.CompanyFields
	if company.Ticker == "" && c.ticker != "" {
		ok, err := r.claimable(ctx, res, models.TickerKey(c.ticker))
		if err != nil {
			return err
		}
		if ok {
			patch.Ticker = c.ticker
		}
	}
	if company.CIK == "" && c.cik != "" {
		ok, err := r.claimable(ctx, res, models.CIKKey(c.cik))
		if err != nil {
			return err
		}
		if ok {
			patch.CIK = c.cik
		}
	}
	if company.HeadquartersLocation == "" {
		patch.HeadquartersLocation = c.hq
	}
	if patch.IsEmpty() {
		return nil
	}

	updated, err := r.repo.EnrichCompany(ctx, company.ID, patch)
	switch {
	case err == nil:
		res.Company = updated
		res.Enriched = true
		r.logger.InfoContext(ctx, "company enriched",
			"company_id", company.ID,
			"ticker", patch.Ticker,
			"cik", patch.CIK,
		)
		return nil
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		// a key was claimed elsewhere between the check and the write
		r.logger.WarnContext(ctx, "company enrichment conflict",
			"company_id", company.ID,
			"error", err,
		)
		return nil
	default:
		return fmt.Errorf("enrich company: %w", err)
	}
}

func (r *Resolver) claimable(ctx context.Context, res *Resolution, key models.CompanyKey) (bool, error) {
	owner, err := r.repo.FindCompanyByKey(ctx, key)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("find company by %s: %w", key.Kind, err)
	case owner.ID == res.Company.ID:
		return false, nil
	}
	res.Conflicts = append(res.Conflicts, key)
	r.logger.WarnContext(ctx, "identifier owned by another company",
		"company_id", res.Company.ID,
		"key", key.String(),
		"owner_id", owner.ID,
	)
	return false, nil
}
