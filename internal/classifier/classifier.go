// Package classifier assigns charitable grants to recipient categories
// with an ordered keyword table.
package classifier

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"influence/internal/models"
)

//go:embed data/rules.yaml
var defaultRules []byte

// Rule maps keywords to a category.
type Rule struct {
	Category models.GrantCategory `yaml:"category"`
	Keywords []string             `yaml:"keywords"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Classifier is pure and safe for concurrent use.
type Classifier struct {
	rules []Rule
}

// New validates rules and lowercases their keywords. Order is priority.
func New(rules []Rule) (*Classifier, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("at least one rule is required")
	}
	out := make([]Rule, 0, len(rules))
	seen := make(map[models.GrantCategory]bool, len(rules))
	for i, r := range rules {
		cat, err := models.ParseGrantCategory(string(r.Category))
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if cat == models.CategoryOther {
			return nil, fmt.Errorf("rule %d: %s is the fallback and takes no keywords", i, cat)
		}
		if seen[cat] {
			return nil, fmt.Errorf("rule %d: duplicate category %s", i, cat)
		}
		seen[cat] = true

		kw := make([]string, 0, len(r.Keywords))
		for _, k := range r.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				kw = append(kw, k)
			}
		}
		if len(kw) == 0 {
			return nil, fmt.Errorf("rule %d: %s has no keywords", i, cat)
		}
		out = append(out, Rule{Category: cat, Keywords: kw})
	}
	return &Classifier{rules: out}, nil
}

// Default returns the classifier over the embedded table.
func Default() *Classifier {
	c, err := Parse(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("embedded classifier rules: %v", err))
	}
	return c
}

// Parse builds a classifier from a YAML rule table.
func Parse(b []byte) (*Classifier, error) {
	var f ruleFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse classifier rules: %w", err)
	}
	return New(f.Rules)
}

// Load reads a YAML rule table from path.
func Load(path string) (*Classifier, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classifier rules: %w", err)
	}
	return Parse(b)
}

// Classify returns the first category whose keyword occurs in the
// lowercased "recipient description", or Other.
func (c *Classifier) Classify(recipient, description string) models.GrantCategory {
	text := strings.ToLower(recipient + " " + description)
	for _, r := range c.rules {
		for _, k := range r.Keywords {
			if strings.Contains(text, k) {
				return r.Category
			}
		}
	}
	return models.CategoryOther
}

// Rules returns a copy of the table in priority order.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		out[i] = Rule{Category: r.Category, Keywords: append([]string(nil), r.Keywords...)}
	}
	return out
}
