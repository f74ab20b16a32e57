package schema

import (
	"math"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	// PositionSideLong marks a long position.
	PositionSideLong PositionSide = "long"
	// PositionSideShort marks a short position.
	PositionSideShort PositionSide = "short"
)

// MarginMode distinguishes shared from per-position collateral.
type MarginMode string

const (
	// MarginModeCross shares collateral across positions.
	MarginModeCross MarginMode = "cross"
	// MarginModeIsolated pins collateral to a single position.
	MarginModeIsolated MarginMode = "isolated"
)

// Position is the canonical view of an open perpetual position.
type Position struct {
	Symbol           string       `json:"symbol"`
	Side             PositionSide `json:"side"`
	Size             float64      `json:"size"`
	EntryPrice       float64      `json:"entryPrice"`
	MarkPrice        float64      `json:"markPrice"`
	LiquidationPrice float64      `json:"liquidationPrice"`
	UnrealizedPnl    float64      `json:"unrealizedPnl"`
	RealizedPnl      float64      `json:"realizedPnl"`
	Leverage         float64      `json:"leverage"`
	MarginMode       MarginMode   `json:"marginMode"`
	Margin           float64      `json:"margin"`
	Timestamp        int64        `json:"timestamp"`
}

// positionEpsilon filters the near-zero rows venues return for closed positions.
const positionEpsilon = 1e-12

// IsOpen reports whether the position has meaningful size.
func (p Position) IsOpen() bool {
	return math.Abs(p.Size) > positionEpsilon
}

// FilterOpenPositions drops rows whose size is zero within epsilon. Venue
// position endpoints routinely include closed positions.
func FilterOpenPositions(positions []Position) []Position {
	out := positions[:0]
	for _, p := range positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

// Balance is a per-currency account balance where free+used==total.
type Balance struct {
	Currency string          `json:"currency"`
	Total    float64         `json:"total"`
	Free     float64         `json:"free"`
	Used     float64         `json:"used"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// BalanceFromAvailableLocked reconciles venues that report only
// {available, locked}: total = available + locked, used = locked.
// Decimal addition avoids drift on long fractional strings.
func BalanceFromAvailableLocked(currency, available, locked string) Balance {
	avail, _ := decimal.NewFromString(available)
	lock, _ := decimal.NewFromString(locked)
	free, _ := avail.Float64()
	used, _ := lock.Float64()
	total, _ := avail.Add(lock).Float64()
	return Balance{Currency: currency, Total: total, Free: free, Used: used}
}

// CheckInvariant verifies free+used==total within rounding.
func (b Balance) CheckInvariant() error {
	if math.Abs(b.Free+b.Used-b.Total) > 1e-9*math.Max(1, math.Abs(b.Total)) {
		return validationErr("balance free+used must equal total")
	}
	return nil
}
