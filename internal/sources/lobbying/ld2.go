package lobbying

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"influence/internal/resilience"
	"influence/internal/sources"
)

// ld2Document is what the HTML rendering of an LD-2 report adds to the JSON.
type ld2Document struct {
	Amount string
	Issues []string
}

var dollarAmount = regexp.MustCompile(`\$\s*[\d,]+(?:\.\d+)?`)

// parseLD2 scrapes the reported income or expenses and the general issue
// areas out of an LD-2 HTML document.
func parseLD2(body []byte) (ld2Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ld2Document{}, resilience.BadData(source, "parse LD-2 document", err)
	}

	var out ld2Document
	doc.Find("td, p, li, span").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		lower := strings.ToLower(text)
		if !strings.Contains(lower, "income") && !strings.Contains(lower, "expenses") {
			return true
		}
		if m := dollarAmount.FindString(text); m != "" {
			out.Amount = sources.CleanAmount(m)
			return false
		}
		return true
	})

	seen := make(map[string]struct{})
	add := func(issue string) {
		issue = strings.Join(strings.Fields(issue), " ")
		if issue == "" {
			return
		}
		if _, dup := seen[issue]; !dup {
			seen[issue] = struct{}{}
			out.Issues = append(out.Issues, issue)
		}
	}
	doc.Find(".issue-area, [data-field='general_issue_code']").Each(func(_ int, s *goquery.Selection) {
		add(s.Text())
	})
	if len(out.Issues) == 0 {
		doc.Find("td").Each(func(_ int, s *goquery.Selection) {
			if strings.EqualFold(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s.Text()), ":")), "general issue area code") {
				add(s.Next().Text())
			}
		})
	}
	return out, nil
}
