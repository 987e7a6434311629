package financials

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"influence/internal/models"
	"influence/internal/resilience"
	"influence/internal/sources"
)

// DefaultBaseURL is the sec-api.io API root.
const DefaultBaseURL = "https://api.sec-api.io"

// DefaultCIKs are read when none are configured.
var DefaultCIKs = []string{"0000320193", "0000789019", "0001652044"}

// Config configures the live adapter.
type Config struct {
	BaseURL string
	APIKey  string
	CIKs    []string
	// Year restricts filings to those filed in it. Zero uses the cursor's
	// since year, if any.
	Year int
}

// Live reads pageSize companies per page: the latest 10-K of each and the
// XBRL income statement behind it.
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
	if len(cfg.CIKs) == 0 {
		cfg.CIKs = DefaultCIKs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Live{cfg: cfg, client: client, logger: logger, now: time.Now}
}

func (l *Live) Source() models.SourceID { return source }
func (l *Live) IsConfigured() bool      { return true }

func (l *Live) Fetch(ctx context.Context, cursor sources.Cursor, pageSize int) iter.Seq2[sources.Page, error] {
	year := l.cfg.Year
	if year == 0 && !cursor.Since.IsZero() {
		year = cursor.Since.Year()
	}
	return sources.Paginate(ctx, cursor, pageSize, func(ctx context.Context, page, pageSize int) (sources.PageResult, error) {
		if pageSize < 1 {
			pageSize = len(l.cfg.CIKs)
		}
		total := (len(l.cfg.CIKs) + pageSize - 1) / pageSize
		start := min((page-1)*pageSize, len(l.cfg.CIKs))
		end := min(start+pageSize, len(l.cfg.CIKs))

		var records []models.RawRecord
		for _, cik := range l.cfg.CIKs[start:end] {
			rec, ok, err := l.fetchCompany(ctx, cik, year)
			if err != nil {
				return sources.PageResult{Records: records, TotalPages: total}, err
			}
			if ok {
				records = append(records, rec)
			}
		}
		return sources.PageResult{Records: records, TotalPages: total}, nil
	})
}

func (l *Live) fetchCompany(ctx context.Context, cik string, year int) (models.RawRecord, bool, error) {
	body, err := json.Marshal(newQuery(cik, year))
	if err != nil {
		return models.RawRecord{}, false, fmt.Errorf("encode query: %w", err)
	}
	resp, err := l.client.Do(ctx, source, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.BaseURL+"/query", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", l.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return models.RawRecord{}, false, err
	}
	found, err := decodeQuery(resp.Body)
	if err != nil {
		return models.RawRecord{}, false, err
	}
	if len(found.Filings) == 0 {
		l.logger.InfoContext(ctx, "no annual report found", "cik", cik, "year", year)
		return models.RawRecord{}, false, nil
	}
	f := found.Filings[0]

	doc, err := l.fetchXBRL(ctx, f.AccessionNo)
	switch {
	case err == nil:
	case resilience.IsPermanent(err):
		l.logger.WarnContext(ctx, "XBRL financial data unavailable",
			"cik", cik,
			"accession_number", f.AccessionNo,
			"error", err,
		)
	default:
		return models.RawRecord{}, false, err
	}
	return toRecord(cik, f, doc, l.now()), true, nil
}

func (l *Live) fetchXBRL(ctx context.Context, accession string) (xbrlDocument, error) {
	if accession == "" {
		return xbrlDocument{}, resilience.BadData(source, "filing without accession number", nil)
	}
	endpoint := fmt.Sprintf("%s/xbrl-to-json?%s", l.cfg.BaseURL, url.Values{"accession-no": {accession}}.Encode())
	resp, err := l.client.Do(ctx, source, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", l.cfg.APIKey)
		return req, nil
	})
	if err != nil {
		return xbrlDocument{}, err
	}
	return decodeXBRL(resp.Body)
}

//go:embed fixtures/filings.json
var fixturePayload []byte

type fixtureCompany struct {
	CIK   string          `json:"cik"`
	Query json.RawMessage `json:"query"`
	XBRL  json.RawMessage `json:"xbrl"`
}

// Fixture replays canned query and XBRL responses for the default CIKs.
type Fixture struct {
	records []models.RawRecord
}

var _ sources.Adapter = (*Fixture)(nil)

// NewFixture parses the embedded payload.
func NewFixture() (*Fixture, error) {
	var companies []fixtureCompany
	if err := json.Unmarshal(fixturePayload, &companies); err != nil {
		return nil, fmt.Errorf("financials fixture: %w", err)
	}
	now := time.Now()
	records := make([]models.RawRecord, 0, len(companies))
	for _, c := range companies {
		found, err := decodeQuery(c.Query)
		if err != nil {
			return nil, fmt.Errorf("financials fixture: %w", err)
		}
		doc, err := decodeXBRL(c.XBRL)
		if err != nil {
			return nil, fmt.Errorf("financials fixture: %w", err)
		}
		for _, f := range found.Filings {
			records = append(records, toRecord(c.CIK, f, doc, now))
		}
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
