package models

import "fmt"

// GrantCategory classifies a charitable grant.
type GrantCategory string

const (
	CategoryReligious     GrantCategory = "Religious"
	CategoryEducation     GrantCategory = "Education"
	CategoryHealthcare    GrantCategory = "Healthcare"
	CategoryHumanitarian  GrantCategory = "Humanitarian"
	CategoryEnvironmental GrantCategory = "Environmental"
	CategoryArtsCulture   GrantCategory = "ArtsCulture"
	CategoryOther         GrantCategory = "Other"
)

// ParseGrantCategory accepts the exact category names.
func ParseGrantCategory(s string) (GrantCategory, error) {
	switch c := GrantCategory(s); c {
	case CategoryReligious, CategoryEducation, CategoryHealthcare, CategoryHumanitarian,
		CategoryEnvironmental, CategoryArtsCulture, CategoryOther:
		return c, nil
	}
	return "", fmt.Errorf("unknown grant category %q", s)
}

// SpendingCategory partitions spend for aggregation.
type SpendingCategory string

const (
	SpendingLobbying   SpendingCategory = "lobbying"
	SpendingPolitical  SpendingCategory = "political"
	SpendingCharitable SpendingCategory = "charitable"
	SpendingAll        SpendingCategory = "all"
)

// SpendingCategories lists the partitions "all" covers.
var SpendingCategories = []SpendingCategory{SpendingLobbying, SpendingPolitical, SpendingCharitable}

// ParseSpendingCategory treats "" as all.
func ParseSpendingCategory(s string) (SpendingCategory, error) {
	switch c := SpendingCategory(s); c {
	case "", SpendingAll:
		return SpendingAll, nil
	case SpendingLobbying, SpendingPolitical, SpendingCharitable:
		return c, nil
	}
	return "", fmt.Errorf("unknown spending category %q", s)
}

// SpendingCategoryFor maps a record kind to its partition. Filings are not spend.
func SpendingCategoryFor(kind RecordKind) (SpendingCategory, bool) {
	switch kind {
	case KindLobbying:
		return SpendingLobbying, true
	case KindContribution:
		return SpendingPolitical, true
	case KindGrant:
		return SpendingCharitable, true
	}
	return "", false
}
