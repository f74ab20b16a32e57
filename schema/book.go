package schema

import (
	"sort"

	"github.com/shopspring/decimal"
)

// BookLevel is a single [price, size] level.
type BookLevel struct {
	Price float64
	Size  float64
}

// MarshalJSON renders the level as the canonical [price, size] pair.
func (l BookLevel) MarshalJSON() ([]byte, error) {
	price := decimal.NewFromFloat(l.Price)
	size := decimal.NewFromFloat(l.Size)
	return []byte(`[` + price.String() + `,` + size.String() + `]`), nil
}

// OrderBook is a normalized depth snapshot: bids descending, asks ascending,
// no duplicate prices on either side.
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Timestamp int64       `json:"timestamp"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Venue     string      `json:"venue"`
}

// Normalize sorts both sides and collapses duplicate price levels, keeping
// the last size seen for a price. Venue payloads arrive in arbitrary order.
func (b *OrderBook) Normalize() {
	b.Bids = normalizeSide(b.Bids, true)
	b.Asks = normalizeSide(b.Asks, false)
}

// IsMonotonic reports whether bids strictly descend and asks strictly ascend.
func (b OrderBook) IsMonotonic() bool {
	for i := 1; i < len(b.Bids); i++ {
		if b.Bids[i].Price >= b.Bids[i-1].Price {
			return false
		}
	}
	for i := 1; i < len(b.Asks); i++ {
		if b.Asks[i].Price <= b.Asks[i-1].Price {
			return false
		}
	}
	return true
}

// ParseLevels converts venue [["price","size"],...] string pairs into levels,
// skipping malformed or empty entries.
func ParseLevels(raw [][]string) []BookLevel {
	if len(raw) == 0 {
		return nil
	}
	out := make([]BookLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(pair[1])
		if err != nil {
			continue
		}
		p, _ := price.Float64()
		s, _ := size.Float64()
		out = append(out, BookLevel{Price: p, Size: s})
	}
	return out
}

func normalizeSide(levels []BookLevel, descending bool) []BookLevel {
	if len(levels) == 0 {
		return levels
	}
	byPrice := make(map[float64]float64, len(levels))
	order := make([]float64, 0, len(levels))
	for _, lvl := range levels {
		if _, seen := byPrice[lvl.Price]; !seen {
			order = append(order, lvl.Price)
		}
		byPrice[lvl.Price] = lvl.Size
	}
	sort.Float64s(order)
	if descending {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}
	out := make([]BookLevel, 0, len(order))
	for _, price := range order {
		out = append(out, BookLevel{Price: price, Size: byPrice[price]})
	}
	return out
}
