package pipeline

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"influence/internal/models"
	"influence/internal/resolver"
	"influence/internal/sources"
	"influence/internal/storage"
	id "influence/pkg/domain"
	"influence/pkg/requestcontext"
)

// processPage resolves, classifies and persists one page. A page is
// written in one batch so a crash never leaves half of it behind.
func (p *Pipeline) processPage(ctx context.Context, r *run, source models.SourceID, page sources.Page, sr *SourceReport) error {
	ingestedAt := requestcontext.Now(ctx)
	recs := make([]models.NormalizedRecord, 0, len(page.Records))
	var touched []id.CompanyID
	unresolved, created := 0, 0

	for _, raw := range page.Records {
		rec := p.normalize(ctx, raw, ingestedAt)

		res, err := r.resolver.Resolve(ctx, raw)
		switch {
		case err == nil:
			cid := res.Company.ID
			rec.CompanyID = &cid
			touched = append(touched, cid)
			if res.Created() {
				created++
			}
			if len(res.Conflicts) > 0 {
				p.logger.WarnContext(ctx, "record keys owned by another company",
					"source", source,
					"external_id", raw.ExternalID,
					"company_id", cid,
					"conflicts", res.Conflicts,
				)
			}
		case resolver.IsUnresolvable(err):
			rec.Unresolved = true
			rec.UnresolvedReason = err.Error()
			unresolved++
		default:
			return fatal("resolve %s/%s: %w", source, raw.ExternalID, err)
		}
		recs = append(recs, rec)
	}

	if err := storage.WriteRecords(ctx, r.target, recs); err != nil {
		return fatal("persist %s page %d: %w", source, page.Number, err)
	}

	sr.Pages++
	sr.Records += len(recs)
	sr.Unresolved += unresolved
	sr.Resolved += len(recs) - unresolved
	sr.CompaniesCreated += created
	p.metrics.IncPage(string(source), "ok")
	p.metrics.ObserveRecords(string(source), len(recs)-unresolved, unresolved)
	p.metrics.AddCompaniesCreated(created)

	p.logger.DebugContext(ctx, "page persisted",
		"source", source,
		"page", page.Number,
		"records", len(recs),
		"unresolved", unresolved,
		"dry_run", r.req.DryRun,
	)

	if r.req.DryRun || len(recs) == 0 {
		return nil
	}
	touched = compactIDs(touched)
	p.afterWrite(ctx, models.BatchEvent{
		RunID:      r.id,
		Source:     source,
		Page:       page.Number,
		Records:    len(recs),
		Unresolved: unresolved,
		CompanyIDs: touched,
		OccurredAt: ingestedAt,
	})
	return nil
}

// afterWrite invalidates cached views and announces the page. Both are
// best effort; the records are already persisted.
func (p *Pipeline) afterWrite(ctx context.Context, event models.BatchEvent) {
	if p.cache != nil && len(event.CompanyIDs) > 0 {
		if err := p.cache.Invalidate(ctx, event.CompanyIDs...); err != nil {
			p.logger.WarnContext(ctx, "aggregate cache invalidation failed",
				"source", event.Source,
				"page", event.Page,
				"error", err,
			)
		}
	}
	if p.publisher != nil {
		if err := p.publisher.PublishBatch(ctx, event); err != nil {
			p.logger.WarnContext(ctx, "batch event not published",
				"source", event.Source,
				"page", event.Page,
				"error", err,
			)
		}
	}
}

// normalize derives everything about a record except its company.
func (p *Pipeline) normalize(ctx context.Context, raw models.RawRecord, ingestedAt time.Time) models.NormalizedRecord {
	rec := models.NormalizedRecord{
		ID:          id.RecordIDFor(string(raw.Source), raw.ExternalID),
		Source:      raw.Source,
		Kind:        raw.Kind,
		ExternalID:  raw.ExternalID,
		HasKeyField: raw.Has(raw.Source.KeyField()),
		Fields:      raw.Fields(),
		FetchedAt:   raw.FetchedAt,
		IngestedAt:  ingestedAt,
	}
	if cat, ok := models.SpendingCategoryFor(raw.Kind); ok {
		rec.SpendingCategory = cat
	}

	amountField := models.FieldAmount
	if raw.Source == models.SourceFinancials {
		amountField = models.FieldRevenue
	}
	amount, err := models.ParseAmount(raw.Get(amountField))
	if err != nil {
		p.logger.WarnContext(ctx, "unparseable amount recorded as zero",
			slog.String("source", string(raw.Source)),
			slog.String("external_id", raw.ExternalID),
			slog.Any("error", err),
		)
		amount = decimal.Zero
	}
	rec.Amount = amount

	rec.OccurredOn = occurredOn(raw)
	if !rec.OccurredOn.IsZero() {
		rec.PeriodYear = rec.OccurredOn.Year()
		rec.PeriodQuarter = models.QuarterOf(rec.OccurredOn)
	}

	if raw.Kind == models.KindGrant {
		rec.GrantCategory = p.classifier.Classify(raw.Get(models.FieldRecipient), raw.Get(models.FieldDescription))
	}
	return rec
}

// occurredOn dates a record: lobbying reports at the start of their
// quarter, everything else by its date, falling back to 1 January of its
// year and finally to the fetch date.
func occurredOn(raw models.RawRecord) time.Time {
	year, _ := strconv.Atoi(strings.TrimSpace(raw.Get(models.FieldYear)))
	if raw.Kind == models.KindLobbying && year > 0 {
		q, err := strconv.Atoi(strings.TrimSpace(raw.Get(models.FieldQuarter)))
		if err == nil && q >= 1 && q <= 4 {
			return models.QuarterStart(year, q)
		}
	}
	if d, err := sources.ParseDate(raw.Get(models.FieldDate)); err == nil {
		return d
	}
	if year > 0 {
		return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	t := raw.FetchedAt.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func compactIDs(ids []id.CompanyID) []id.CompanyID {
	slices.SortFunc(ids, func(a, b id.CompanyID) int {
		return strings.Compare(a.String(), b.String())
	})
	return slices.Compact(ids)
}
