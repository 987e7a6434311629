package sources

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"influence/internal/models"
	"influence/internal/resilience"
)

// maxConsecutivePageErrors stops a source whose pages keep failing permanently.
const maxConsecutivePageErrors = 3

// PageResult is what a PageFetcher returns for one page.
type PageResult struct {
	Records []models.RawRecord
	// HasMore is true when another page follows.
	HasMore bool
	// TotalPages is 0 when the provider does not report it.
	TotalPages int
}

// PageFetcher fetches one 1-based page.
type PageFetcher func(ctx context.Context, page, pageSize int) (PageResult, error)

// Paginate drives a PageFetcher from cursor:
//   - a permanent page error is yielded and the next page is tried, as
//     long as the provider reported more pages, either through a page
//     count or through HasMore on the last good page;
//   - IngestionFailure, CircuitOpenError and context errors are yielded
//     and end the sequence.
func Paginate(ctx context.Context, cursor Cursor, pageSize int, fetch PageFetcher) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		knownPages := 0
		consecutive := 0
		lastHasMore := false
		for page := cursor.StartPage(); ; page++ {
			if err := ctx.Err(); err != nil {
				yield(Page{Number: page}, err)
				return
			}

			res, err := fetch(ctx, page, pageSize)
			p := Page{Number: page, Records: res.Records}
			next := Cursor{Page: page + 1, Since: cursor.Since}

			if res.TotalPages > 0 {
				knownPages = res.TotalPages
			}
			if err != nil {
				if !resilience.IsPermanent(err) || ctx.Err() != nil {
					yield(p, err)
					return
				}
				consecutive++
				more := (page < knownPages || lastHasMore) && consecutive < maxConsecutivePageErrors
				if more {
					p.Next = &next
				}
				if !yield(p, err) || !more {
					return
				}
				continue
			}

			consecutive = 0
			lastHasMore = res.HasMore
			more := res.HasMore || page < knownPages
			if more {
				p.Next = &next
			}
			if !yield(p, nil) || !more {
				return
			}
		}
	}
}

// SlicePages serves a fixed record list page by page.
func SlicePages(records []models.RawRecord) PageFetcher {
	return func(_ context.Context, page, pageSize int) (PageResult, error) {
		if pageSize < 1 {
			pageSize = len(records)
		}
		total := 1
		if pageSize > 0 && len(records) > 0 {
			total = (len(records) + pageSize - 1) / pageSize
		}
		start := min((page-1)*pageSize, len(records))
		end := min(start+pageSize, len(records))
		return PageResult{
			Records:    records[start:end],
			HasMore:    end < len(records),
			TotalPages: total,
		}, nil
	}
}

// FilterSince keeps records dated on or after since, by their date or year field.
// Records with neither are kept.
func FilterSince(records []models.RawRecord, since time.Time) []models.RawRecord {
	if since.IsZero() {
		return records
	}
	out := make([]models.RawRecord, 0, len(records))
	for _, r := range records {
		if d, err := ParseDate(r.Get(models.FieldDate)); err == nil {
			if !d.Before(since) {
				out = append(out, r)
			}
			continue
		}
		if y := r.Get(models.FieldYear); y != "" && y < since.Format("2006") {
			continue
		}
		out = append(out, r)
	}
	return out
}

var dateLayouts = []string{
	time.DateOnly,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
}

// ErrNoDate is returned by ParseDate for empty input.
var ErrNoDate = errors.New("no date")

// ParseDate accepts the layouts providers use and returns the UTC date.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrNoDate
	}
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// NormalizeDate renders a provider date as YYYY-MM-DD, or "" when unparseable.
func NormalizeDate(s string) string {
	t, err := ParseDate(s)
	if err != nil {
		return ""
	}
	return t.Format(time.DateOnly)
}

// CleanAmount strips currency symbols, thousands separators and spaces.
func CleanAmount(s string) string {
	return strings.NewReplacer("$", "", ",", "", " ", "").Replace(strings.TrimSpace(s))
}
