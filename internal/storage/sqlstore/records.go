package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"influence/internal/models"
	id "influence/pkg/domain"
	"influence/pkg/platform/sentinel"
)

var recordColumns = []string{
	"id", "source", "kind", "external_id", "company_id", "unresolved", "unresolved_reason",
	"spending_category", "grant_category", "amount", "occurred_on", "period_year",
	"period_quarter", "has_key_field", "fields", "fetched_at", "ingested_at",
}

// upsertSuffix replaces every column but the key on conflict.
var upsertSuffix = func() string {
	sets := make([]string, 0, len(recordColumns)-1)
	for _, c := range recordColumns[1:] {
		sets = append(sets, c+" = excluded."+c)
	}
	return "ON CONFLICT (id) DO UPDATE SET " + strings.Join(sets, ", ")
}()

func (s *Store) UpsertNormalizedRecord(ctx context.Context, rec models.NormalizedRecord) error {
	return s.UpsertNormalizedRecords(ctx, []models.NormalizedRecord{rec})
}

// UpsertNormalizedRecords writes the batch in one transaction.
func (s *Store) UpsertNormalizedRecords(ctx context.Context, recs []models.NormalizedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(ctx context.Context) error {
		for _, rec := range recs {
			if err := s.upsert(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) upsert(ctx context.Context, rec models.NormalizedRecord) error {
	if rec.ID.IsNil() {
		return fmt.Errorf("record without ID: %w", sentinel.ErrInvalidInput)
	}
	fields := rec.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode record fields: %w", err)
	}
	var companyID any
	if rec.CompanyID != nil {
		companyID = rec.CompanyID.String()
	}
	_, err = s.exec(ctx, s.sb.Insert("normalized_records").
		Columns(recordColumns...).
		Values(
			rec.ID.String(), string(rec.Source), string(rec.Kind), rec.ExternalID, companyID,
			rec.Unresolved, rec.UnresolvedReason, string(rec.SpendingCategory), string(rec.GrantCategory),
			rec.Amount.String(), s.dateArg(rec.OccurredOn), rec.PeriodYear, rec.PeriodQuarter,
			rec.HasKeyField, string(encoded), s.timeArg(rec.FetchedAt), s.timeArg(rec.IngestedAt),
		).
		Suffix(upsertSuffix))
	if err != nil {
		return fmt.Errorf("upsert record %s/%s: %w", rec.Source, rec.ExternalID, err)
	}
	return nil
}

// QueryRecords reads matching records in keyset-paginated round trips so no
// connection is held while the caller consumes the sequence.
func (s *Store) QueryRecords(ctx context.Context, filter models.RecordFilter) iter.Seq2[models.NormalizedRecord, error] {
	return func(yield func(models.NormalizedRecord, error) bool) {
		var after *models.NormalizedRecord
		for {
			page, err := s.recordPage(ctx, filter, after)
			if err != nil {
				yield(models.NormalizedRecord{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if uint64(len(page)) < s.pageSize {
				return
			}
			after = &page[len(page)-1]
		}
	}
}

func (s *Store) recordPage(ctx context.Context, filter models.RecordFilter, after *models.NormalizedRecord) ([]models.NormalizedRecord, error) {
	b := s.sb.Select(s.selectRecordColumns()...).
		From("normalized_records").
		Where(s.filterClause(filter)).
		OrderBy("occurred_on", "id").
		Limit(s.pageSize)
	if after != nil {
		on := s.dateArg(after.OccurredOn)
		b = b.Where(sq.Or{
			sq.Gt{"occurred_on": on},
			sq.And{sq.Eq{"occurred_on": on}, sq.Gt{"id": after.ID.String()}},
		})
	}
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := make([]models.NormalizedRecord, 0, s.pageSize)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return out, nil
}

func (s *Store) selectRecordColumns() []string {
	cols := make([]string, len(recordColumns))
	for i, c := range recordColumns {
		switch c {
		case "amount", "fields":
			cols[i] = "CAST(" + c + " AS TEXT)"
		default:
			cols[i] = c
		}
	}
	return cols
}

func (s *Store) filterClause(f models.RecordFilter) sq.And {
	where := sq.And{}
	if f.CompanyID != nil {
		where = append(where, sq.Eq{"company_id": f.CompanyID.String()})
	}
	if len(f.Sources) > 0 {
		where = append(where, sq.Eq{"source": toStrings(f.Sources)})
	}
	if len(f.Kinds) > 0 {
		where = append(where, sq.Eq{"kind": toStrings(f.Kinds)})
	}
	if f.SpendingCategory != "" && f.SpendingCategory != models.SpendingAll {
		where = append(where, sq.Eq{"spending_category": string(f.SpendingCategory)})
	}
	if f.Resolved != nil {
		where = append(where, sq.Eq{"unresolved": !*f.Resolved})
	}
	if f.Start != nil {
		where = append(where, sq.GtOrEq{"occurred_on": s.dateArg(*f.Start)})
	}
	if f.End != nil {
		where = append(where, sq.LtOrEq{"occurred_on": s.dateArg(*f.End)})
	}
	return where
}

func (s *Store) RecordStats(ctx context.Context) (map[models.SourceID]models.SourceStats, error) {
	rows, err := s.query(ctx, s.sb.Select(
		"source",
		"COUNT(*)",
		"SUM(CASE WHEN has_key_field THEN 1 ELSE 0 END)",
		"SUM(CASE WHEN unresolved THEN 1 ELSE 0 END)",
	).From("normalized_records").GroupBy("source"))
	if err != nil {
		return nil, fmt.Errorf("record stats: %w", err)
	}
	defer rows.Close()

	out := make(map[models.SourceID]models.SourceStats)
	for rows.Next() {
		var (
			source                     string
			total, withKey, unresolved int64
		)
		if err := rows.Scan(&source, &total, &withKey, &unresolved); err != nil {
			return nil, fmt.Errorf("scan record stats: %w", err)
		}
		out[models.SourceID(source)] = models.SourceStats{
			Total:           int(total),
			WithKeyField:    int(withKey),
			ResolvedCount:   int(total - unresolved),
			UnresolvedCount: int(unresolved),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("record stats: %w", err)
	}
	return out, nil
}

func scanRecord(row scanner) (models.NormalizedRecord, error) {
	var (
		rec                           models.NormalizedRecord
		rawID, source, kind           string
		companyID                     *string
		spending, grant               string
		amount, fields                string
		occurredOn, fetched, ingested dbTime
	)
	if err := row.Scan(&rawID, &source, &kind, &rec.ExternalID, &companyID, &rec.Unresolved,
		&rec.UnresolvedReason, &spending, &grant, &amount, &occurredOn, &rec.PeriodYear,
		&rec.PeriodQuarter, &rec.HasKeyField, &fields, &fetched, &ingested); err != nil {
		return rec, fmt.Errorf("scan record: %w", err)
	}

	recordID, err := id.ParseRecordID(rawID)
	if err != nil {
		return rec, fmt.Errorf("record id %q: %w", rawID, err)
	}
	rec.ID = recordID
	if companyID != nil {
		cid, err := id.ParseCompanyID(*companyID)
		if err != nil {
			return rec, fmt.Errorf("record %s company id: %w", rawID, err)
		}
		rec.CompanyID = &cid
	}
	rec.Source = models.SourceID(source)
	rec.Kind = models.RecordKind(kind)
	rec.SpendingCategory = models.SpendingCategory(spending)
	rec.GrantCategory = models.GrantCategory(grant)
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return rec, fmt.Errorf("record %s amount %q: %w", rawID, amount, err)
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return rec, fmt.Errorf("record %s fields: %w", rawID, err)
	}
	rec.OccurredOn = occurredOn.dateOnly()
	rec.FetchedAt = fetched.Time
	rec.IngestedAt = ingested.Time
	return rec, nil
}

func toStrings[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
