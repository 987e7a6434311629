package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"influence/internal/models"
	id "influence/pkg/domain"
	"influence/pkg/platform/sentinel"
	"influence/pkg/requestcontext"
)

var companyColumns = []string{
	"id", "canonical_name", "name_key", "ticker", "cik",
	"headquarters_location", "created_at", "updated_at",
}

var keyColumns = map[models.CompanyKeyKind]string{
	models.KeyExactName: "name_key",
	models.KeyTicker:    "ticker",
	models.KeyCIK:       "cik",
}

func (s *Store) FindCompanyByKey(ctx context.Context, key models.CompanyKey) (*models.Company, error) {
	column, ok := keyColumns[key.Kind]
	if !ok || key.Value == "" {
		return nil, fmt.Errorf("company key %s: %w", key, sentinel.ErrInvalidInput)
	}
	return s.selectCompany(ctx, sq.Eq{column: key.Value}, key.String(), false)
}

func (s *Store) GetCompany(ctx context.Context, companyID id.CompanyID) (*models.Company, error) {
	return s.selectCompany(ctx, sq.Eq{"id": companyID.String()}, companyID.String(), false)
}

func (s *Store) CreateCompany(ctx context.Context, seed models.CompanySeed) (*models.Company, error) {
	if seed.NameKey == "" {
		return nil, fmt.Errorf("company name key is required: %w", sentinel.ErrInvalidInput)
	}
	now := requestcontext.Now(ctx).UTC()
	c := models.Company{
		ID:                   id.NewCompanyID(),
		CanonicalName:        seed.CanonicalName,
		NameKey:              seed.NameKey,
		Ticker:               models.TickerKey(seed.Ticker).Value,
		CIK:                  models.CIKKey(seed.CIK).Value,
		HeadquartersLocation: seed.HeadquartersLocation,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	_, err := s.exec(ctx, s.sb.Insert("companies").
		Columns(companyColumns...).
		Values(c.ID.String(), c.CanonicalName, c.NameKey, nullable(c.Ticker), nullable(c.CIK),
			c.HeadquartersLocation, s.timeArg(now), s.timeArg(now)))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("company %q: %w", c.NameKey, sentinel.ErrAlreadyUsed)
		}
		return nil, fmt.Errorf("insert company: %w", err)
	}
	return &c, nil
}

func (s *Store) EnrichCompany(ctx context.Context, companyID id.CompanyID, fields models.CompanyFields) (*models.Company, error) {
	var out *models.Company
	err := s.inTx(ctx, func(ctx context.Context) error {
		c, err := s.selectCompany(ctx, sq.Eq{"id": companyID.String()}, companyID.String(), true)
		if err != nil {
			return err
		}
		if !fields.Apply(c) {
			out = c
			return nil
		}
		c.UpdatedAt = requestcontext.Now(ctx).UTC()
		_, err = s.exec(ctx, s.sb.Update("companies").
			Set("ticker", nullable(c.Ticker)).
			Set("cik", nullable(c.CIK)).
			Set("headquarters_location", c.HeadquartersLocation).
			Set("updated_at", s.timeArg(c.UpdatedAt)).
			Where(sq.Eq{"id": companyID.String()}))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("enrich company %s: %w", companyID, sentinel.ErrAlreadyUsed)
			}
			return fmt.Errorf("update company: %w", err)
		}
		out = c
		return nil
	})
	return out, err
}

func (s *Store) ListCompanies(ctx context.Context) ([]models.Company, error) {
	rows, err := s.query(ctx, s.sb.Select(companyColumns...).From("companies").OrderBy("canonical_name", "id"))
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	defer rows.Close()
	var out []models.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	return out, nil
}

func (s *Store) selectCompany(ctx context.Context, where sq.Sqlizer, label string, forUpdate bool) (*models.Company, error) {
	b := s.sb.Select(companyColumns...).From("companies").Where(where)
	if forUpdate && s.dialect == Postgres {
		b = b.Suffix("FOR UPDATE")
	}
	row, err := s.queryRow(ctx, b)
	if err != nil {
		return nil, err
	}
	c, err := scanCompany(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("company %s: %w", label, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find company %s: %w", label, err)
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCompany(row scanner) (*models.Company, error) {
	var (
		c                  models.Company
		rawID              string
		ticker, cik        sql.NullString
		createdAt, updated dbTime
	)
	if err := row.Scan(&rawID, &c.CanonicalName, &c.NameKey, &ticker, &cik,
		&c.HeadquartersLocation, &createdAt, &updated); err != nil {
		return nil, err
	}
	companyID, err := id.ParseCompanyID(rawID)
	if err != nil {
		return nil, fmt.Errorf("company id %q: %w", rawID, err)
	}
	c.ID = companyID
	c.Ticker = ticker.String
	c.CIK = cik.String
	c.CreatedAt = createdAt.Time
	c.UpdatedAt = updated.Time
	return &c, nil
}
