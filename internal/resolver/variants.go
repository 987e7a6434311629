package resolver

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed data/variants.yaml
var defaultVariants []byte

// Variants maps known name variants to a canonical company name. It is
// consulted before generic normalization.
type Variants struct {
	Version  int               `yaml:"version"`
	Variants map[string]string `yaml:"variants"`
}

// DefaultVariants returns the embedded table.
func DefaultVariants() *Variants {
	v, err := ParseVariants(defaultVariants)
	if err != nil {
		panic(fmt.Sprintf("embedded variant table: %v", err))
	}
	return v
}

// LoadVariants reads a table from a YAML file.
func LoadVariants(path string) (*Variants, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read variant table: %w", err)
	}
	return ParseVariants(b)
}

// ParseVariants decodes a YAML table. Keys are re-keyed through VariantKey
// so the file may spell them loosely.
func ParseVariants(b []byte) (*Variants, error) {
	var raw Variants
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse variant table: %w", err)
	}
	if raw.Version < 1 {
		return nil, fmt.Errorf("variant table version must be at least 1")
	}
	v := &Variants{Version: raw.Version, Variants: make(map[string]string, len(raw.Variants))}
	for variant, canonical := range raw.Variants {
		key := VariantKey(variant)
		canonical = strings.TrimSpace(canonical)
		if key == "" || canonical == "" {
			return nil, fmt.Errorf("variant table: empty entry %q: %q", variant, canonical)
		}
		v.Variants[key] = canonical
	}
	return v, nil
}

// Canonical returns the canonical name for a known variant of name.
func (v *Variants) Canonical(name string) (string, bool) {
	if v == nil {
		return "", false
	}
	c, ok := v.Variants[VariantKey(name)]
	return c, ok
}
