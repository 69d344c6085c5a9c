package ranking

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prices(m map[string]string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = decimal.RequireFromString(v)
	}
	return out
}

func TestRank(t *testing.T) {
	t.Run("ties share a rank and tiers are numbered", func(t *testing.T) {
		entries := Rank(
			[]string{"A", "B", "C", "D"},
			prices(map[string]string{"A": "0.5", "B": "0.3", "C": "0.3", "D": "0.1"}),
		)

		assert.Equal(t, 1, entries["A"].Rank)
		assert.Equal(t, 2, entries["B"].Rank)
		assert.Equal(t, 2, entries["C"].Rank)
		assert.Equal(t, 3, entries["D"].Rank)

		name, e, ok := Leader(entries)
		require.True(t, ok)
		assert.Equal(t, "A", name)
		assert.InEpsilon(t, 0.5, e.Price, 1e-12)
	})

	t.Run("tie at the top produces no leader", func(t *testing.T) {
		entries := Rank(
			[]string{"A", "B", "C"},
			prices(map[string]string{"A": "0.5", "B": "0.5", "C": "0.2"}),
		)

		assert.Equal(t, 1, entries["A"].Rank)
		assert.Equal(t, 1, entries["B"].Rank)
		assert.Equal(t, 2, entries["C"].Rank)

		for name, e := range entries {
			assert.False(t, e.IsLeader, "unexpected leader %s", name)
		}
	})

	t.Run("all equal prices", func(t *testing.T) {
		entries := Rank(
			[]string{"A", "B", "C"},
			prices(map[string]string{"A": "0.2", "B": "0.2", "C": "0.2"}),
		)
		for _, e := range entries {
			assert.Equal(t, 1, e.Rank)
			assert.False(t, e.IsLeader)
		}
	})

	t.Run("single category leads alone", func(t *testing.T) {
		entries := Rank([]string{"A"}, prices(map[string]string{"A": "1"}))
		assert.Equal(t, 1, entries["A"].Rank)
		// The only element is also the last: the next-price comparison never
		// runs, so no leader is ever flagged.
		assert.False(t, entries["A"].IsLeader)
	})

	t.Run("category order breaks ties deterministically", func(t *testing.T) {
		entries := Rank(
			[]string{"B", "A"},
			prices(map[string]string{"A": "0.4", "B": "0.4"}),
		)
		assert.Equal(t, 1, entries["A"].Rank)
		assert.Equal(t, 1, entries["B"].Rank)
	})

	t.Run("categories without a price are skipped", func(t *testing.T) {
		entries := Rank(
			[]string{"A", "B", "C"},
			prices(map[string]string{"A": "0.6", "C": "0.1"}),
		)
		require.Len(t, entries, 2)
		assert.Equal(t, 1, entries["A"].Rank)
		assert.Equal(t, 2, entries["C"].Rank)
		assert.True(t, entries["A"].IsLeader)
	})
}
