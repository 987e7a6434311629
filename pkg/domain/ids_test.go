package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"influence/pkg/platform/sentinel"
)

// TestParseCompanyID_Invariants validates the parsing invariant:
// "IDs must be valid, non-empty, non-nil UUIDs"
func TestParseCompanyID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseCompanyID("")
		require.ErrorIs(t, err, sentinel.ErrInvalidInput)
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseCompanyID("not-a-uuid")
		require.ErrorIs(t, err, sentinel.ErrInvalidInput)
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseCompanyID(uuid.Nil.String())
		require.ErrorIs(t, err, sentinel.ErrInvalidInput)
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		valid := uuid.New()
		id, err := ParseCompanyID(valid.String())
		require.NoError(t, err)
		assert.Equal(t, CompanyID(valid), id)
	})
}

func TestRecordIDFor_Stable(t *testing.T) {
	a := RecordIDFor("lobbying", "filing-1")
	b := RecordIDFor("lobbying", "filing-1")
	c := RecordIDFor("grants", "filing-1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsNil())
}

func TestCompanyID_TextRoundTrip(t *testing.T) {
	id := NewCompanyID()
	text, err := id.MarshalText()
	require.NoError(t, err)

	var parsed CompanyID
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, id, parsed)
}
