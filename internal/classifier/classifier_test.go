package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"influence/internal/models"
)

func TestClassify_DefaultTable(t *testing.T) {
	c := Default()
	cases := []struct {
		recipient, description string
		want                   models.GrantCategory
	}{
		{"St. Mary's Catholic Church", "", models.CategoryReligious},
		{"Stanford University", "scholarships", models.CategoryEducation},
		{"Seattle Children's Hospital", "", models.CategoryHealthcare},
		{"American Red Cross", "disaster relief", models.CategoryHumanitarian},
		{"The Nature Conservancy", "", models.CategoryEnvironmental},
		{"Seattle Symphony", "music program", models.CategoryArtsCulture},
		{"Wikimedia", "", models.CategoryOther},
		{"", "", models.CategoryOther},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(tc.recipient, tc.description), tc.recipient)
	}
}

func TestClassify_PriorityOrder(t *testing.T) {
	c := Default()
	assert.Equal(t, models.CategoryEducation, c.Classify("Red Cross University", ""),
		"Education is checked before Humanitarian")
	assert.Equal(t, models.CategoryReligious, c.Classify("Baptist University", ""),
		"Religious is checked before Education")
	assert.Equal(t, models.CategoryEducation, c.Classify("City Museum", "arts"),
		"museum is listed under Education first")
}

func TestClassify_IsDeterministic(t *testing.T) {
	c := Default()
	first := c.Classify("Community Hospital", "cancer research")
	for range 100 {
		assert.Equal(t, first, c.Classify("Community Hospital", "cancer research"))
	}
}

func TestClassify_FoundationIsNotEducation(t *testing.T) {
	assert.Equal(t, models.CategoryOther, Default().Classify("Gates Foundation", ""))
}

func TestParse_CustomRules(t *testing.T) {
	c, err := Parse([]byte(`
rules:
  - category: Environmental
    keywords: [" Ocean "]
  - category: Education
    keywords: [school]
`))
	require.NoError(t, err)
	assert.Equal(t, models.CategoryEnvironmental, c.Classify("Ocean School", ""))
	assert.Equal(t, models.CategoryOther, c.Classify("Church", ""))
	assert.Equal(t, []string{"ocean"}, c.Rules()[0].Keywords)
}

func TestNew_Validation(t *testing.T) {
	cases := map[string][]Rule{
		"empty":          nil,
		"unknown":        {{Category: "Sports", Keywords: []string{"ball"}}},
		"other":          {{Category: models.CategoryOther, Keywords: []string{"x"}}},
		"duplicate":      {{Category: models.CategoryEducation, Keywords: []string{"a"}}, {Category: models.CategoryEducation, Keywords: []string{"b"}}},
		"blank keywords": {{Category: models.CategoryHealthcare, Keywords: []string{" "}}},
	}
	for name, rules := range cases {
		_, err := New(rules)
		assert.Error(t, err, name)
	}
}
