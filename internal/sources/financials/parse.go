// Package financials reads the latest annual report per company from the
// sec-api.io query and XBRL-to-JSON APIs.
package financials

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"influence/internal/models"
	"influence/internal/resilience"
	"influence/internal/sources"
)

const source = models.SourceFinancials

type queryRequest struct {
	Query struct {
		QueryString struct {
			Query string `json:"query"`
		} `json:"query_string"`
	} `json:"query"`
	From string              `json:"from"`
	Size string              `json:"size"`
	Sort []map[string]sortBy `json:"sort"`
}

type sortBy struct {
	Order string `json:"order"`
}

// newQuery asks for the most recent 10-K of cik, filed in year when set.
func newQuery(cik string, year int) queryRequest {
	var q queryRequest
	expr := fmt.Sprintf(`cik:%s AND formType:"10-K" AND NOT formType:"10-K/A"`, strings.TrimLeft(cik, "0"))
	if year > 0 {
		expr += fmt.Sprintf(" AND filedAt:[%d-01-01 TO %d-12-31]", year, year)
	}
	q.Query.QueryString.Query = expr
	q.From = "0"
	q.Size = "1"
	q.Sort = []map[string]sortBy{{"filedAt": {Order: "desc"}}}
	return q
}

type queryResponse struct {
	Filings []filing `json:"filings"`
}

type filing struct {
	AccessionNo    string `json:"accessionNo"`
	CIK            string `json:"cik"`
	Ticker         string `json:"ticker"`
	CompanyName    string `json:"companyName"`
	FormType       string `json:"formType"`
	FiledAt        string `json:"filedAt"`
	PeriodOfReport string `json:"periodOfReport"`
	LinkToDetails  string `json:"linkToFilingDetails"`
}

type xbrlFact struct {
	Value  string `json:"value"`
	Period struct {
		EndDate string `json:"endDate"`
	} `json:"period"`
	Segment json.RawMessage `json:"segment"`
}

type xbrlDocument struct {
	CoverPage struct {
		RegistrantName string `json:"EntityRegistrantName"`
		TradingSymbol  string `json:"TradingSymbol"`
		City           string `json:"EntityAddressCityOrTown"`
		State          string `json:"EntityAddressStateOrProvince"`
		FiscalYear     string `json:"DocumentFiscalYearFocus"`
	} `json:"CoverPage"`
	Income map[string][]xbrlFact `json:"StatementsOfIncome"`
}

var revenueConcepts = []string{
	"Revenues",
	"RevenueFromContractWithCustomerExcludingAssessedTax",
	"SalesRevenueNet",
}

// consolidated returns the latest fact of the first concept present that
// is not broken down by segment.
func (d xbrlDocument) consolidated(concepts ...string) string {
	for _, c := range concepts {
		var best xbrlFact
		for _, f := range d.Income[c] {
			if len(f.Segment) > 0 && string(f.Segment) != "null" {
				continue
			}
			if best.Value == "" || f.Period.EndDate > best.Period.EndDate {
				best = f
			}
		}
		if best.Value != "" {
			return sources.CleanAmount(best.Value)
		}
	}
	return ""
}

func decodeQuery(body []byte) (queryResponse, error) {
	var resp queryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, resilience.BadData(source, "decode filing query", err)
	}
	return resp, nil
}

func decodeXBRL(body []byte) (xbrlDocument, error) {
	var doc xbrlDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return doc, resilience.BadData(source, "decode XBRL", err)
	}
	return doc, nil
}

func fiscalYear(f filing, doc xbrlDocument) string {
	if y := strings.TrimSpace(doc.CoverPage.FiscalYear); y != "" {
		return y
	}
	for _, s := range []string{f.PeriodOfReport, f.FiledAt} {
		if t, err := sources.ParseDate(s); err == nil {
			return strconv.Itoa(t.Year())
		}
	}
	return ""
}

// toRecord merges a filing with its XBRL financial data. ExternalID is
// cik:fiscalYear so a company has one summary per fiscal year.
func toRecord(cik string, f filing, doc xbrlDocument, fetchedAt time.Time) models.RawRecord {
	name := strings.TrimSpace(f.CompanyName)
	if name == "" {
		name = strings.TrimSpace(doc.CoverPage.RegistrantName)
	}
	ticker := strings.TrimSpace(f.Ticker)
	if ticker == "" {
		ticker = strings.TrimSpace(doc.CoverPage.TradingSymbol)
	}
	if f.CIK != "" {
		cik = f.CIK
	}
	cik = padCIK(cik)
	year := fiscalYear(f, doc)

	fields := map[string]string{
		models.FieldCompanyName:  name,
		models.FieldTicker:       ticker,
		models.FieldCIK:          cik,
		models.FieldYear:         year,
		models.FieldDate:         sources.NormalizeDate(f.FiledAt),
		models.FieldFilingURL:    f.LinkToDetails,
		models.FieldFormType:     f.FormType,
		models.FieldAccession:    f.AccessionNo,
		models.FieldRevenue:      doc.consolidated(revenueConcepts...),
		models.FieldNetIncome:    doc.consolidated("NetIncomeLoss"),
		models.FieldHeadquarters: strings.Trim(strings.TrimSpace(doc.CoverPage.City)+", "+strings.TrimSpace(doc.CoverPage.State), ", "),
	}
	return models.NewRawRecord(source, models.KindFiling, cik+":"+year, fetchedAt, fields)
}

// padCIK renders the ten-digit CIK form EDGAR uses.
func padCIK(cik string) string {
	cik = strings.TrimSpace(cik)
	if n, err := strconv.ParseUint(cik, 10, 64); err == nil {
		return fmt.Sprintf("%010d", n)
	}
	return cik
}
