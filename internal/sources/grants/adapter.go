package grants

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"influence/internal/models"
	"influence/internal/sources"
)

// DefaultBaseURL is the ProPublica Nonprofit Explorer API root.
const DefaultBaseURL = "https://api.propublica.org/nonprofits/v1"

// DefaultFoundations are read when none are configured.
var DefaultFoundations = []Foundation{
	{EIN: "13-3398765", Company: "Apple Inc."},
	{EIN: "91-1144442", Company: "Microsoft Corporation"},
	{EIN: "94-3068481", Company: "Alphabet Inc."},
}

// DefaultMaxGrantPages bounds the grant requests made for one foundation.
const DefaultMaxGrantPages = 50

// Config configures the live adapter.
type Config struct {
	BaseURL     string
	APIKey      string
	Foundations []Foundation
	// Year selects the fiscal year. Zero uses the cursor's since year, if any.
	Year int
	// MaxGrantPages caps the requests per foundation. Zero uses DefaultMaxGrantPages.
	MaxGrantPages int
}

// Live reads one foundation per page. pageSize bounds each grants request;
// a foundation with more grants is read in several requests.
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
	if len(cfg.Foundations) == 0 {
		cfg.Foundations = DefaultFoundations
	}
	if cfg.MaxGrantPages <= 0 {
		cfg.MaxGrantPages = DefaultMaxGrantPages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Live{cfg: cfg, client: client, logger: logger, now: time.Now}
}

func (l *Live) Source() models.SourceID { return source }
func (l *Live) IsConfigured() bool      { return true }

func (l *Live) Fetch(ctx context.Context, cursor sources.Cursor, pageSize int) iter.Seq2[sources.Page, error] {
	total := len(l.cfg.Foundations)
	return sources.Paginate(ctx, cursor, pageSize, func(ctx context.Context, page, pageSize int) (sources.PageResult, error) {
		if page > total {
			return sources.PageResult{TotalPages: total}, nil
		}
		records, err := l.fetchFoundation(ctx, l.cfg.Foundations[page-1], cursor.Since, pageSize)
		return sources.PageResult{Records: records, TotalPages: total}, err
	})
}

func (l *Live) fetchFoundation(ctx context.Context, f Foundation, since time.Time, limit int) ([]models.RawRecord, error) {
	var records []models.RawRecord
	for inner := 1; inner <= l.cfg.MaxGrantPages; inner++ {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("page", strconv.Itoa(inner))
		if y := yearParam(l.cfg.Year, since); y != "" {
			q.Set("year", y)
		}
		endpoint := fmt.Sprintf("%s/organizations/%s/grants?%s", l.cfg.BaseURL, url.PathEscape(f.EIN), q.Encode())

		resp, err := l.client.Do(ctx, source, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("X-API-Key", l.cfg.APIKey)
			req.Header.Set("Accept", "application/json")
			return req, nil
		})
		if err != nil {
			return nil, err
		}
		decoded, err := decodeGrants(resp.Body)
		if err != nil {
			return nil, err
		}
		records = append(records, toRecords(decoded, f, l.now())...)
		if !decoded.HasMore || len(decoded.Grants) == 0 {
			break
		}
		if inner == l.cfg.MaxGrantPages {
			l.logger.WarnContext(ctx, "grant page cap reached, remaining grants skipped",
				"foundation_ein", f.EIN,
				"pages", inner,
				"records", len(records),
			)
		}
	}
	l.logger.DebugContext(ctx, "fetched foundation grants",
		"foundation_ein", f.EIN,
		"records", len(records),
	)
	return sources.FilterSince(records, since), nil
}

//go:embed fixtures/grants.json
var fixturePayload []byte

// Fixture replays canned grants for the default foundations.
type Fixture struct {
	records []models.RawRecord
}

var _ sources.Adapter = (*Fixture)(nil)

// NewFixture parses the embedded payload, one response per foundation.
func NewFixture() (*Fixture, error) {
	var payload []json.RawMessage
	if err := json.Unmarshal(fixturePayload, &payload); err != nil {
		return nil, fmt.Errorf("grants fixture: %w", err)
	}
	if len(payload) != len(DefaultFoundations) {
		return nil, fmt.Errorf("grants fixture: %d responses for %d foundations", len(payload), len(DefaultFoundations))
	}
	now := time.Now()
	var records []models.RawRecord
	for i, raw := range payload {
		resp, err := decodeGrants(raw)
		if err != nil {
			return nil, fmt.Errorf("grants fixture: %w", err)
		}
		records = append(records, toRecords(resp, DefaultFoundations[i], now)...)
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
