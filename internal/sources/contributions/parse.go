// Package contributions reads corporate PAC contributions from the FEC
// schedule A endpoint.
package contributions

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

const source = models.SourceContributions

type scheduleAResponse struct {
	Pagination struct {
		Page  int `json:"page"`
		Pages int `json:"pages"`
	} `json:"pagination"`
	Results []contribution `json:"results"`
}

type contribution struct {
	SubID         json.Number `json:"sub_id"`
	CommitteeID   string      `json:"committee_id"`
	CommitteeName string      `json:"committee_name"`
	Committee     *struct {
		Name      string `json:"name"`
		PartyFull string `json:"party_full"`
	} `json:"committee"`
	RecipientName       string      `json:"recipient_name"`
	ContributorName     string      `json:"contributor_name"`
	ContributorEmployer string      `json:"contributor_employer"`
	Amount              json.Number `json:"contribution_receipt_amount"`
	Date                string      `json:"contribution_receipt_date"`
	Cycle               int         `json:"two_year_transaction_period"`
}

// pacPatterns pull the sponsoring company out of a committee name.
var pacPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(.+?)\s+POLITICAL ACTION COMMITTEE\b`),
	regexp.MustCompile(`(?i)^(.+?)\s+(?:[A-Z]*PAC)\b`),
	regexp.MustCompile(`(?i)^(.+?)\s+COMMITTEE\b`),
}

// CompanyFromCommittee extracts "APPLE INC" from "APPLE INC PAC".
// Names matching no pattern are returned trimmed.
func CompanyFromCommittee(name string) string {
	name = strings.TrimSpace(name)
	for _, re := range pacPatterns {
		if m := re.FindStringSubmatch(name); m != nil {
			return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m[1]), ","))
		}
	}
	return name
}

func parsePage(body []byte, fetchedAt time.Time) (sources.PageResult, error) {
	var resp scheduleAResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return sources.PageResult{}, resilience.BadData(source, "decode schedule A page", err)
	}

	out := make([]models.RawRecord, 0, len(resp.Results))
	for _, c := range resp.Results {
		out = append(out, toRecord(c, fetchedAt))
	}
	return sources.PageResult{
		Records:    out,
		TotalPages: resp.Pagination.Pages,
		HasMore:    resp.Pagination.Page < resp.Pagination.Pages,
	}, nil
}

func toRecord(c contribution, fetchedAt time.Time) models.RawRecord {
	committee := c.CommitteeName
	party := ""
	if c.Committee != nil {
		if committee == "" {
			committee = c.Committee.Name
		}
		party = c.Committee.PartyFull
	}
	recipient := c.RecipientName
	if recipient == "" {
		recipient = committee
	}
	year := ""
	if date := sources.NormalizeDate(c.Date); date != "" {
		year = date[:4]
	} else if c.Cycle > 0 {
		year = strconv.Itoa(c.Cycle)
	}

	externalID := c.SubID.String()
	if externalID == "" {
		externalID = c.CommitteeID + ":" + c.ContributorName + ":" + c.Date + ":" + c.Amount.String()
	}

	return models.NewRawRecord(source, models.KindContribution, externalID, fetchedAt, map[string]string{
		models.FieldCompanyName: CompanyFromCommittee(committee),
		models.FieldCommitteeID: c.CommitteeID,
		models.FieldContributor: c.ContributorName,
		models.FieldRecipient:   recipient,
		models.FieldParty:       party,
		models.FieldAmount:      sources.CleanAmount(c.Amount.String()),
		models.FieldDate:        sources.NormalizeDate(c.Date),
		models.FieldYear:        year,
	})
}
