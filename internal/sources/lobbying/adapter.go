package lobbying

import (
	"context"
	"embed"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"influence/internal/models"
	"influence/internal/resilience"
	"influence/internal/sources"
)

// DefaultBaseURL is the Senate LDA REST API root.
const DefaultBaseURL = "https://lda.senate.gov/api/v1"

// Config configures the live adapter.
type Config struct {
	BaseURL string
	APIKey  string
	// ClientName narrows the query to one client when set.
	ClientName string
	// Year selects filing_year. Zero uses the cursor's since year, if any.
	Year int
}

// documentFunc returns the LD-2 HTML behind a filing document URL.
type documentFunc func(ctx context.Context, documentURL string) ([]byte, error)

// Live pages through LDA filings, reading the LD-2 document whenever the
// JSON lacks the amount or the issues.
type Live struct {
	cfg    Config
	client sources.Doer
	logger *slog.Logger
	now    func() time.Time
}

var _ sources.Adapter = (*Live)(nil)

// NewLive creates the live adapter.
func NewLive(cfg Config, client sources.Doer, logger *slog.Logger) *Live {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Live{cfg: cfg, client: client, logger: logger, now: time.Now}
}

func (l *Live) Source() models.SourceID { return source }
func (l *Live) IsConfigured() bool      { return true }

func (l *Live) Fetch(ctx context.Context, cursor sources.Cursor, pageSize int) iter.Seq2[sources.Page, error] {
	return sources.Paginate(ctx, cursor, pageSize, func(ctx context.Context, page, pageSize int) (sources.PageResult, error) {
		return l.fetchPage(ctx, cursor.Since, page, pageSize)
	})
}

func (l *Live) fetchPage(ctx context.Context, since time.Time, page, pageSize int) (sources.PageResult, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	q.Set("ordering", "dt_posted")
	year := l.cfg.Year
	if year == 0 && !since.IsZero() {
		year = since.Year()
	}
	if year > 0 {
		q.Set("filing_year", strconv.Itoa(year))
	}
	if !since.IsZero() {
		q.Set("filing_dt_posted_after", since.Format(time.DateOnly))
	}
	if l.cfg.ClientName != "" {
		q.Set("client_name", l.cfg.ClientName)
	}
	endpoint := fmt.Sprintf("%s/filings/?%s", l.cfg.BaseURL, q.Encode())

	resp, err := l.client.Do(ctx, source, l.request(endpoint, "application/json"))
	if err != nil {
		return sources.PageResult{}, err
	}
	filings, err := decodeFilings(resp.Body)
	if err != nil {
		return sources.PageResult{}, err
	}

	records, err := buildRecords(ctx, filings.Results, l.document, l.now(), l.logger)
	if err != nil {
		return sources.PageResult{}, err
	}
	l.logger.DebugContext(ctx, "fetched lobbying page",
		"page", page,
		"records", len(records),
		"count", filings.Count,
	)
	res := sources.PageResult{Records: records, HasMore: filings.Next != nil && *filings.Next != ""}
	if filings.Count > 0 && pageSize > 0 {
		res.TotalPages = (filings.Count + pageSize - 1) / pageSize
	}
	return res, nil
}

func (l *Live) document(ctx context.Context, documentURL string) ([]byte, error) {
	resp, err := l.client.Do(ctx, source, l.request(documentURL, "text/html"))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (l *Live) request(endpoint, accept string) resilience.RequestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		if l.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Token "+l.cfg.APIKey)
		}
		req.Header.Set("Accept", accept)
		return req, nil
	}
}

// buildRecords turns filings into records. A document that cannot be read
// permanently leaves the record incomplete; a transient failure fails the page.
func buildRecords(ctx context.Context, filings []filing, fetch documentFunc, fetchedAt time.Time, logger *slog.Logger) ([]models.RawRecord, error) {
	records := make([]models.RawRecord, 0, len(filings))
	for _, f := range filings {
		var doc ld2Document
		if f.needsDocument() {
			body, err := fetch(ctx, f.DocumentURL)
			switch {
			case err == nil:
				doc, err = parseLD2(body)
				if err != nil {
					logger.WarnContext(ctx, "unreadable LD-2 document", "filing", f.UUID, "error", err)
				}
			case resilience.IsPermanent(err):
				logger.WarnContext(ctx, "LD-2 document unavailable", "filing", f.UUID, "error", err)
			default:
				return nil, err
			}
		}
		records = append(records, toRecord(f, doc, fetchedAt))
	}
	return records, nil
}

//go:embed fixtures/filings.json fixtures/ld2
var fixtureFS embed.FS

// Fixture replays canned filings; LD-2 documents come from fixtures/ld2.
type Fixture struct {
	records []models.RawRecord
}

var _ sources.Adapter = (*Fixture)(nil)

// NewFixture parses the embedded filings and documents.
func NewFixture() (*Fixture, error) {
	body, err := fixtureFS.ReadFile("fixtures/filings.json")
	if err != nil {
		return nil, fmt.Errorf("lobbying fixture: %w", err)
	}
	filings, err := decodeFilings(body)
	if err != nil {
		return nil, fmt.Errorf("lobbying fixture: %w", err)
	}
	docs := func(_ context.Context, documentURL string) ([]byte, error) {
		b, err := fixtureFS.ReadFile("fixtures/ld2/" + path.Base(documentURL))
		if err != nil {
			return nil, resilience.NewSourceError(resilience.ErrorNotFound, source, "fixture document", err)
		}
		return b, nil
	}
	records, err := buildRecords(context.Background(), filings.Results, docs, time.Now(), slog.Default())
	if err != nil {
		return nil, fmt.Errorf("lobbying fixture: %w", err)
	}
	return &Fixture{records: records}, nil
}

func (f *Fixture) Source() models.SourceID { return source }
func (f *Fixture) IsConfigured() bool      { return false }

func (f *Fixture) Fetch(ctx context.Context, cursor sources.Cursor, pageSize int) iter.Seq2[sources.Page, error] {
	return sources.Paginate(ctx, cursor, pageSize, sources.SlicePages(sources.FilterSince(f.records, cursor.Since)))
}

// New returns the live adapter when an API key is configured, the fixture otherwise.
func New(cfg Config, client sources.Doer, logger *slog.Logger) (sources.Adapter, error) {
	if cfg.APIKey == "" || client == nil {
		return NewFixture()
	}
	return NewLive(cfg, client, logger), nil
}
