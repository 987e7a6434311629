package contributions

import (
	"context"
	_ "embed"
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

// DefaultBaseURL is the OpenFEC API root.
const DefaultBaseURL = "https://api.open.fec.gov/v1"

// DefaultCommitteeIDs are the corporate PACs read when none are configured.
var DefaultCommitteeIDs = []string{"C00123456", "C00234567", "C00345678"}

// Config configures the live adapter.
type Config struct {
	BaseURL      string
	APIKey       string
	CommitteeIDs []string
}

// Live pages through schedule A receipts of the configured committees.
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
	if len(cfg.CommitteeIDs) == 0 {
		cfg.CommitteeIDs = DefaultCommitteeIDs
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
	for _, id := range l.cfg.CommitteeIDs {
		q.Add("committee_id", id)
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(pageSize))
	q.Set("sort", "contribution_receipt_date")
	if !since.IsZero() {
		q.Set("min_date", since.Format(time.DateOnly))
	}
	endpoint := fmt.Sprintf("%s/schedules/schedule_a/?%s", l.cfg.BaseURL, q.Encode())

	resp, err := l.client.Do(ctx, source, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Api-Key", l.cfg.APIKey)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return sources.PageResult{}, err
	}

	res, err := parsePage(resp.Body, l.now())
	if err != nil {
		return res, err
	}
	l.logger.DebugContext(ctx, "fetched contributions page",
		"page", page,
		"records", len(res.Records),
		"total_pages", res.TotalPages,
	)
	return res, nil
}

//go:embed fixtures/schedule_a.json
var fixturePayload []byte

// Fixture replays a canned schedule A response.
type Fixture struct {
	records []models.RawRecord
}

var _ sources.Adapter = (*Fixture)(nil)

// NewFixture parses the embedded payload.
func NewFixture() (*Fixture, error) {
	res, err := parsePage(fixturePayload, time.Now())
	if err != nil {
		return nil, fmt.Errorf("contributions fixture: %w", err)
	}
	return &Fixture{records: res.Records}, nil
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
