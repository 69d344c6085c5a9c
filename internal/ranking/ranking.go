// Package ranking converts a category price map into ordered standings with
// leader and tie semantics.
package ranking

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Entry is the derived standing of one category.
type Entry struct {
	// Rank starts at 1 and counts distinct price tiers: equal-price
	// categories share a rank.
	Rank  int
	Price float64
	// IsLeader is true for at most one category: the uniquely highest-priced
	// one. A tie at the top produces no leader.
	IsLeader bool
}

// Rank derives standings from the given prices. Categories are sorted by
// price descending; the supplied category order is the tie-break for equal
// prices. Categories without a price entry are skipped.
//
// The running rank increments each time the next category's price is strictly
// lower, so ranks number price tiers rather than positions. Leadership is
// decided from the gap between positions 0 and 1 alone: the first category is
// the leader only when the second one lands on rank exactly 2. The last
// category in sort order is never inspected for the next-price comparison; it
// keeps whatever rank the walk reached.
func Rank(categories []string, prices map[string]decimal.Decimal) map[string]Entry {
	type scored struct {
		name  string
		price float64
	}

	sorted := make([]scored, 0, len(categories))
	for _, c := range categories {
		p, ok := prices[c]
		if !ok {
			continue
		}
		sorted = append(sorted, scored{name: c, price: p.InexactFloat64()})
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].price > sorted[j].price
	})

	entries := make(map[string]Entry, len(sorted))
	rank := 1
	for i, s := range sorted {
		e := Entry{Rank: rank, Price: s.price}
		if i < len(sorted)-1 {
			if sorted[i+1].price < s.price {
				rank++
			}
			if i == 0 && rank == 2 {
				e.IsLeader = true
			}
		}
		entries[s.name] = e
	}
	return entries
}

// Leader returns the leading category from a set of standings, if one exists.
func Leader(entries map[string]Entry) (string, Entry, bool) {
	for name, e := range entries {
		if e.IsLeader {
			return name, e, true
		}
	}
	return "", Entry{}, false
}
