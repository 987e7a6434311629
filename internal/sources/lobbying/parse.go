// Package lobbying reads quarterly LD-2 lobbying reports from the Senate
// Lobbying Disclosure API.
package lobbying

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"influence/internal/models"
	"influence/internal/resilience"
	"influence/internal/sources"
)

const source = models.SourceLobbying

type filingsResponse struct {
	Count   int      `json:"count"`
	Next    *string  `json:"next"`
	Results []filing `json:"results"`
}

type filing struct {
	UUID        string  `json:"filing_uuid"`
	Type        string  `json:"filing_type"`
	Year        int     `json:"filing_year"`
	Period      string  `json:"filing_period"`
	DocumentURL string  `json:"filing_document_url"`
	Income      *string `json:"income"`
	Expenses    *string `json:"expenses"`
	Posted      string  `json:"dt_posted"`
	Registrant  struct {
		Name string `json:"name"`
	} `json:"registrant"`
	Client struct {
		Name string `json:"name"`
	} `json:"client"`
	Activities []struct {
		IssueCode string `json:"general_issue_code_display"`
	} `json:"lobbying_activities"`
}

func (f filing) amount() string {
	for _, v := range []*string{f.Income, f.Expenses} {
		if v != nil && strings.TrimSpace(*v) != "" {
			return sources.CleanAmount(*v)
		}
	}
	return ""
}

func (f filing) issues() []string {
	out := make([]string, 0, len(f.Activities))
	for _, a := range f.Activities {
		if s := strings.TrimSpace(a.IssueCode); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// needsDocument reports whether the JSON lacks the amount or the issue list.
func (f filing) needsDocument() bool {
	return f.DocumentURL != "" && (f.amount() == "" || len(f.issues()) == 0)
}

func decodeFilings(body []byte) (filingsResponse, error) {
	var resp filingsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, resilience.BadData(source, "decode filings page", err)
	}
	return resp, nil
}

// quarterOf maps the LDA period names (and the legacy semiannual ones) to 1-4.
func quarterOf(period, filingType string) int {
	switch strings.ToLower(period) {
	case "first_quarter":
		return 1
	case "second_quarter", "mid_year":
		return 2
	case "third_quarter":
		return 3
	case "fourth_quarter", "year_end":
		return 4
	}
	if len(filingType) >= 2 && (filingType[0] == 'Q' || filingType[0] == 'q') {
		if q, err := strconv.Atoi(filingType[1:2]); err == nil && q >= 1 && q <= 4 {
			return q
		}
	}
	return 0
}

// toRecord builds the RawRecord, overlaying what the LD-2 document supplied.
func toRecord(f filing, doc ld2Document, fetchedAt time.Time) models.RawRecord {
	amount := f.amount()
	if amount == "" {
		amount = doc.Amount
	}
	issues := f.issues()
	if len(issues) == 0 {
		issues = doc.Issues
	}
	quarter := quarterOf(f.Period, f.Type)
	fields := map[string]string{
		models.FieldCompanyName: strings.TrimSpace(f.Client.Name),
		models.FieldRegistrant:  strings.TrimSpace(f.Registrant.Name),
		models.FieldAmount:      amount,
		models.FieldIssues:      strings.Join(issues, "; "),
		models.FieldDate:        sources.NormalizeDate(f.Posted),
		models.FieldFilingURL:   f.DocumentURL,
	}
	if f.Year > 0 {
		fields[models.FieldYear] = strconv.Itoa(f.Year)
	}
	if quarter > 0 {
		fields[models.FieldQuarter] = strconv.Itoa(quarter)
	}
	return models.NewRawRecord(source, models.KindLobbying, f.UUID, fetchedAt, fields)
}
