package schema

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Market describes a tradable instrument in canonical form.
type Market struct {
	ID                   string          `json:"id"`
	Symbol               string          `json:"symbol"`
	Base                 string          `json:"base"`
	Quote                string          `json:"quote"`
	Settle               string          `json:"settle,omitempty"`
	Active               bool            `json:"active"`
	MinAmount            float64         `json:"minAmount"`
	PricePrecision       int             `json:"pricePrecision"`
	AmountPrecision      int             `json:"amountPrecision"`
	PriceTickSize        float64         `json:"priceTickSize"`
	AmountStepSize       float64         `json:"amountStepSize"`
	MakerFee             float64         `json:"makerFee"`
	TakerFee             float64         `json:"takerFee"`
	MaxLeverage          float64         `json:"maxLeverage"`
	FundingIntervalHours int             `json:"fundingIntervalHours"`
	Raw                  json.RawMessage `json:"raw,omitempty"`
}

// IsPerpetual reports whether the market settles in a currency, marking it a swap.
func (m Market) IsPerpetual() bool {
	return strings.TrimSpace(m.Settle) != ""
}

// Validate enforces the market invariants: non-negative precisions and
// strictly positive tick and step sizes.
func (m Market) Validate() error {
	if m.PricePrecision < 0 || m.AmountPrecision < 0 {
		return validationErr("market precision must be non-negative")
	}
	if m.PriceTickSize <= 0 || m.AmountStepSize <= 0 {
		return validationErr("market tick and step sizes must be positive")
	}
	return nil
}

// Ticker is a 24h market statistics snapshot.
type Ticker struct {
	Symbol      string          `json:"symbol"`
	Last        float64         `json:"last"`
	Bid         float64         `json:"bid"`
	Ask         float64         `json:"ask"`
	High        float64         `json:"high"`
	Low         float64         `json:"low"`
	Open        float64         `json:"open"`
	Close       float64         `json:"close"`
	Change      float64         `json:"change"`
	Percentage  float64         `json:"percentage"`
	BaseVolume  float64         `json:"baseVolume"`
	QuoteVolume float64         `json:"quoteVolume"`
	Timestamp   int64           `json:"timestamp"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// TradeSide is the taker side of a trade.
type TradeSide string

const (
	// TradeSideBuy marks a taker buy.
	TradeSideBuy TradeSide = "buy"
	// TradeSideSell marks a taker sell.
	TradeSideSell TradeSide = "sell"
)

// Trade is a single executed trade in canonical form.
type Trade struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      TradeSide       `json:"side"`
	Price     float64         `json:"price"`
	Amount    float64         `json:"amount"`
	Cost      float64         `json:"cost"`
	Timestamp int64           `json:"timestamp"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// FundingRate carries the current funding state of a perpetual.
type FundingRate struct {
	Symbol               string  `json:"symbol"`
	FundingRate          float64 `json:"fundingRate"`
	FundingTimestamp     int64   `json:"fundingTimestamp"`
	NextFundingTimestamp int64   `json:"nextFundingTimestamp"`
	MarkPrice            float64 `json:"markPrice"`
	IndexPrice           float64 `json:"indexPrice"`
	FundingIntervalHours int     `json:"fundingIntervalHours"`
}

// OHLCV is a single candle: timestamp, open, high, low, close, volume.
type OHLCV struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// ParseFloat converts a venue decimal string into a float64, tolerating
// empty input. Parsing goes through shopspring decimal so values like
// "0.00000001000" survive without binary noise in the string round trip.
func ParseFloat(s string) float64 {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// PrecisionFromStep derives the number of decimal places implied by a
// venue tick or lot size such as "0.0010".
func PrecisionFromStep(step string) int {
	trimmed := strings.TrimSpace(step)
	if trimmed == "" || !strings.Contains(trimmed, ".") {
		return 0
	}
	frac := strings.TrimRight(strings.SplitN(trimmed, ".", 2)[1], "0")
	return len(frac)
}
