package sources

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"influence/internal/models"
	"influence/internal/resilience"
)

func records(n int) []models.RawRecord {
	out := make([]models.RawRecord, n)
	for i := range out {
		out[i] = models.NewRawRecord(models.SourceLobbying, models.KindLobbying, fmt.Sprint(i), time.Time{}, nil)
	}
	return out
}

func collect(t *testing.T, seq func(func(Page, error) bool)) ([]Page, []error) {
	t.Helper()
	var pages []Page
	var errs []error
	for p, err := range seq {
		pages = append(pages, p)
		errs = append(errs, err)
	}
	return pages, errs
}

func TestPaginate_SlicePages(t *testing.T) {
	pages, errs := collect(t, Paginate(context.Background(), Cursor{}, 2, SlicePages(records(5))))

	require.Len(t, pages, 3)
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, pages[0].Records, 2)
	assert.Len(t, pages[2].Records, 1)
	require.NotNil(t, pages[0].Next)
	assert.Equal(t, 2, pages[0].Next.Page)
	assert.Nil(t, pages[2].Next)
}

func TestPaginate_RestartsFromCursor(t *testing.T) {
	pages, _ := collect(t, Paginate(context.Background(), Cursor{Page: 3}, 2, SlicePages(records(5))))

	require.Len(t, pages, 1)
	assert.Equal(t, 3, pages[0].Number)
	assert.Equal(t, "4", pages[0].Records[0].ExternalID)
}

func TestPaginate_SkipsPermanentPageErrors(t *testing.T) {
	fetch := func(_ context.Context, page, _ int) (PageResult, error) {
		if page == 2 {
			return PageResult{}, resilience.BadData(models.SourceLobbying, "malformed", nil)
		}
		return PageResult{Records: records(1), TotalPages: 3, HasMore: page < 3}, nil
	}

	pages, errs := collect(t, Paginate(context.Background(), Cursor{}, 10, fetch))

	require.Len(t, pages, 3)
	assert.NoError(t, errs[0])
	assert.True(t, resilience.IsPermanent(errs[1]))
	assert.NoError(t, errs[2])
}

func TestPaginate_SkipsPermanentPageErrorsWithoutPageCount(t *testing.T) {
	var fetched []int
	fetch := func(_ context.Context, page, _ int) (PageResult, error) {
		fetched = append(fetched, page)
		if page == 2 {
			return PageResult{}, resilience.BadData(models.SourceLobbying, "malformed", nil)
		}
		return PageResult{Records: records(1), HasMore: page < 3}, nil
	}

	pages, errs := collect(t, Paginate(context.Background(), Cursor{}, 10, fetch))

	assert.Equal(t, []int{1, 2, 3}, fetched)
	require.Len(t, pages, 3)
	assert.True(t, resilience.IsPermanent(errs[1]))
	require.NotNil(t, pages[1].Next)
	assert.Equal(t, 3, pages[1].Next.Page)
	assert.NoError(t, errs[2])
	assert.Nil(t, pages[2].Next)
}

func TestPaginate_FirstPageErrorWithoutPageCountEnds(t *testing.T) {
	fetch := func(_ context.Context, _, _ int) (PageResult, error) {
		return PageResult{}, resilience.BadData(models.SourceLobbying, "malformed", nil)
	}

	pages, _ := collect(t, Paginate(context.Background(), Cursor{}, 10, fetch))
	require.Len(t, pages, 1)
	assert.Nil(t, pages[0].Next)
}

func TestPaginate_StopsOnSourceUnavailable(t *testing.T) {
	calls := 0
	fetch := func(_ context.Context, page, _ int) (PageResult, error) {
		calls++
		if page == 2 {
			return PageResult{}, &resilience.IngestionFailure{Source: models.SourceGrants, Attempts: 3}
		}
		return PageResult{Records: records(1), HasMore: true}, nil
	}

	pages, errs := collect(t, Paginate(context.Background(), Cursor{}, 10, fetch))

	require.Len(t, pages, 2)
	assert.True(t, resilience.IsSourceUnavailable(errs[1]))
	assert.Equal(t, 2, calls)
}

func TestPaginate_StopsAfterRepeatedPermanentErrors(t *testing.T) {
	fetch := func(_ context.Context, page, _ int) (PageResult, error) {
		if page == 1 {
			return PageResult{Records: records(1), TotalPages: 10, HasMore: true}, nil
		}
		return PageResult{}, resilience.BadData(models.SourceGrants, "bad", nil)
	}

	pages, _ := collect(t, Paginate(context.Background(), Cursor{}, 10, fetch))
	assert.Len(t, pages, 1+maxConsecutivePageErrors)
}

func TestPaginate_ObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pages, errs := collect(t, Paginate(ctx, Cursor{}, 2, SlicePages(records(5))))
	require.Len(t, pages, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
}

func TestPaginate_ConsumerCanStopEarly(t *testing.T) {
	fetched := 0
	fetch := func(_ context.Context, _, _ int) (PageResult, error) {
		fetched++
		return PageResult{Records: records(1), HasMore: true}, nil
	}
	for range Paginate(context.Background(), Cursor{}, 1, fetch) {
		break
	}
	assert.Equal(t, 1, fetched)
}

func TestCursor_RoundTrip(t *testing.T) {
	c := Cursor{Page: 3, Since: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "page=3;since=2024-01-01", c.String())

	parsed, err := ParseCursor(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)

	parsed, err = ParseCursor("2023-06-30")
	require.NoError(t, err)
	assert.Equal(t, 1, parsed.StartPage())
	assert.Equal(t, 2023, parsed.Since.Year())

	_, err = ParseCursor("page=zero")
	assert.Error(t, err)
	_, err = ParseCursor("offset=3")
	assert.Error(t, err)
}

func TestFilterSince(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []models.RawRecord{
		models.NewRawRecord(models.SourceContributions, models.KindContribution, "old", time.Time{}, map[string]string{models.FieldDate: "2023-12-31"}),
		models.NewRawRecord(models.SourceContributions, models.KindContribution, "new", time.Time{}, map[string]string{models.FieldDate: "2024-01-01T00:00:00"}),
		models.NewRawRecord(models.SourceGrants, models.KindGrant, "year", time.Time{}, map[string]string{models.FieldYear: "2023"}),
		models.NewRawRecord(models.SourceGrants, models.KindGrant, "undated", time.Time{}, nil),
	}

	out := FilterSince(in, since)
	require.Len(t, out, 2)
	assert.Equal(t, "new", out[0].ExternalID)
	assert.Equal(t, "undated", out[1].ExternalID)
}

func TestCleanAmountAndDates(t *testing.T) {
	assert.Equal(t, "2500000.00", CleanAmount(" $2,500,000.00 "))
	assert.Equal(t, "2024-03-15", NormalizeDate("2024-03-15T00:00:00"))
	assert.Equal(t, "2024-03-15", NormalizeDate("03/15/2024"))
	assert.Equal(t, "", NormalizeDate("someday"))
}
