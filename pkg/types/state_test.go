package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStateAdmits(t *testing.T) {
	cursor := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	s := &RunState{Cursor: cursor}

	assert.False(t, s.Admits(NewSpotPrice(cursor.Add(-time.Hour), 0, 0)))
	assert.False(t, s.Admits(NewSpotPrice(cursor, 0, 0)), "the cursor itself was already exported")
	assert.True(t, s.Admits(NewSpotPrice(cursor.Add(time.Hour), 0, 0)))

	var none *RunState
	assert.True(t, none.Admits(NewSpotPrice(cursor.Add(-48*time.Hour), 0, 0)), "no previous state admits everything")
}

func TestRunStateCodec(t *testing.T) {
	cursor := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	future := NewSpotPrice(cursor, 0.3, 0.07).WithIdentity("abc", "tibber")

	t.Run("RoundTrip", func(t *testing.T) {
		b, err := MarshalRunState(RunState{Cursor: cursor, CachedFutureRecords: []SpotPrice{future}})
		require.NoError(t, err)
		assert.Contains(t, string(b), "cursor:")
		assert.Contains(t, string(b), "cachedFutureRecords:")
		assert.Contains(t, string(b), "marketPrice: 0.3")

		s, err := UnmarshalRunState(b)
		require.NoError(t, err)
		assert.True(t, cursor.Equal(s.Cursor))
		require.Len(t, s.CachedFutureRecords, 1)
		assert.Equal(t, "abc", s.CachedFutureRecords[0].ID)
		assert.True(t, future.Till.Equal(s.CachedFutureRecords[0].Till))
	})

	t.Run("EmptyCache", func(t *testing.T) {
		b, err := MarshalRunState(RunState{Cursor: cursor})
		require.NoError(t, err)
		assert.Contains(t, string(b), "cachedFutureRecords: []")
	})

	t.Run("LegacyKeys", func(t *testing.T) {
		doc := `
futureSpotPrices:
  - id: old
    source: tibber
    from: 2024-03-02T00:00:00Z
    till: 2024-03-02T01:00:00Z
    marketPrice: 0.1
    marketPriceTax: 0.02
    sourcingMarkupPrice: 0
    energyTaxPrice: 0
lastFrom: 2024-03-01T23:00:00Z
`
		s, err := UnmarshalRunState([]byte(doc))
		require.NoError(t, err)
		assert.True(t, cursor.Equal(s.Cursor))
		require.Len(t, s.CachedFutureRecords, 1)
		assert.Equal(t, "old", s.CachedFutureRecords[0].ID)
	})

	t.Run("Corrupt", func(t *testing.T) {
		for name, doc := range map[string]string{
			"Empty":       "",
			"NotYAML":     "cursor: [unterminated",
			"Scalar":      "just a string",
			"NoCursor":    "cachedFutureRecords: []",
			"BadCursor":   "cursor: yesterday",
			"WrongShaped": "- 1\n- 2\n",
		} {
			t.Run(name, func(t *testing.T) {
				_, err := UnmarshalRunState([]byte(doc))
				assert.ErrorIs(t, err, ErrCorruptState)
			})
		}
	})
}
