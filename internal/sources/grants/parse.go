// Package grants reads corporate foundation grants from the ProPublica
// Nonprofit Explorer API.
package grants

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"influence/internal/models"
	"influence/internal/resilience"
	"influence/internal/sources"
)

const source = models.SourceGrants

// Foundation is one corporate foundation and the company behind it.
type Foundation struct {
	EIN     string
	Company string
}

type grantsResponse struct {
	Organization struct {
		EIN  string `json:"ein"`
		Name string `json:"name"`
	} `json:"organization"`
	HasMore bool    `json:"has_more"`
	Grants  []grant `json:"grants"`
}

type grant struct {
	ID           json.Number `json:"id"`
	Recipient    string      `json:"recipient_name"`
	RecipientEIN string      `json:"recipient_ein"`
	Amount       json.Number `json:"amount"`
	FiscalYear   json.Number `json:"fiscal_year"`
	Purpose      string      `json:"purpose"`
	Date         string      `json:"date"`
}

var foundationSuffix = regexp.MustCompile(`(?i)[\s,]+(charitable\s+)?(foundation|fund|trust)(\s+inc\.?)?$`)

// CompanyFromFoundation strips the foundation suffix from a foundation name.
func CompanyFromFoundation(name string) string {
	name = strings.TrimSpace(name)
	if stripped := strings.TrimSpace(foundationSuffix.ReplaceAllString(name, "")); stripped != "" {
		return stripped
	}
	return name
}

func decodeGrants(body []byte) (grantsResponse, error) {
	var resp grantsResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return resp, resilience.BadData(source, "decode grants", err)
	}
	return resp, nil
}

func toRecords(resp grantsResponse, f Foundation, fetchedAt time.Time) []models.RawRecord {
	company := f.Company
	if company == "" {
		company = CompanyFromFoundation(resp.Organization.Name)
	}
	records := make([]models.RawRecord, 0, len(resp.Grants))
	for _, g := range resp.Grants {
		fields := map[string]string{
			models.FieldCompanyName:   company,
			models.FieldFoundation:    strings.TrimSpace(resp.Organization.Name),
			models.FieldFoundationEIN: f.EIN,
			models.FieldRecipient:     strings.TrimSpace(g.Recipient),
			models.FieldRecipientEIN:  strings.TrimSpace(g.RecipientEIN),
			models.FieldAmount:        sources.CleanAmount(g.Amount.String()),
			models.FieldYear:          g.FiscalYear.String(),
			models.FieldDescription:   strings.TrimSpace(g.Purpose),
			models.FieldDate:          sources.NormalizeDate(g.Date),
		}
		records = append(records, models.NewRawRecord(source, models.KindGrant, externalID(f.EIN, g), fetchedAt, fields))
	}
	return records
}

// externalID prefers the provider's grant id and otherwise derives a stable one.
func externalID(foundationEIN string, g grant) string {
	if g.ID != "" {
		return g.ID.String()
	}
	recipient := g.RecipientEIN
	if recipient == "" {
		recipient = strings.ToLower(strings.Join(strings.Fields(g.Recipient), "-"))
	}
	parts := []string{foundationEIN, g.FiscalYear.String(), recipient, sources.CleanAmount(g.Amount.String())}
	return strings.Join(parts, ":")
}

func yearParam(cfgYear int, since time.Time) string {
	switch {
	case cfgYear > 0:
		return strconv.Itoa(cfgYear)
	case !since.IsZero():
		return strconv.Itoa(since.Year())
	}
	return ""
}
