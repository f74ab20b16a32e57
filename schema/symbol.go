// Package schema defines the canonical data model shared by every venue driver.
package schema

import (
	"strings"

	"github.com/perpgate/perpgate/errs"
)

// MarketType distinguishes spot pairs from perpetual swaps.
type MarketType string

const (
	// MarketTypeSpot identifies a spot pair (no settle currency).
	MarketTypeSpot MarketType = "spot"
	// MarketTypeSwap identifies a perpetual swap (settle currency present).
	MarketTypeSwap MarketType = "swap"
)

// SymbolParts holds the components of a canonical symbol.
type SymbolParts struct {
	Base   string
	Quote  string
	Settle string
	Type   MarketType
}

// ParseSymbol splits a canonical symbol of the form BASE/QUOTE[:SETTLE].
// Symbols are case-insensitive by storage; components are uppercased.
func ParseSymbol(symbol string) (SymbolParts, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return SymbolParts{}, errs.New("", errs.KindInvalidSymbol, errs.WithMessage("empty symbol"))
	}

	settle := ""
	if idx := strings.IndexByte(trimmed, ':'); idx >= 0 {
		settle = trimmed[idx+1:]
		trimmed = trimmed[:idx]
		if settle == "" || strings.ContainsAny(settle, "/:") {
			return SymbolParts{}, invalidSymbol(symbol)
		}
	}

	slash := strings.IndexByte(trimmed, '/')
	if slash <= 0 || slash == len(trimmed)-1 {
		return SymbolParts{}, invalidSymbol(symbol)
	}
	base := trimmed[:slash]
	quote := trimmed[slash+1:]
	if strings.ContainsAny(base, "/:") || strings.ContainsAny(quote, "/:") {
		return SymbolParts{}, invalidSymbol(symbol)
	}

	typ := MarketTypeSpot
	if settle != "" {
		typ = MarketTypeSwap
	}
	return SymbolParts{Base: base, Quote: quote, Settle: settle, Type: typ}, nil
}

// BuildSymbol assembles a canonical symbol from its components.
func BuildSymbol(base, quote, settle string) string {
	b := strings.ToUpper(strings.TrimSpace(base))
	q := strings.ToUpper(strings.TrimSpace(quote))
	s := strings.ToUpper(strings.TrimSpace(settle))
	if s == "" {
		return b + "/" + q
	}
	return b + "/" + q + ":" + s
}

// IsPerpetual reports whether the canonical symbol denotes a perpetual swap.
func IsPerpetual(symbol string) bool {
	parts, err := ParseSymbol(symbol)
	if err != nil {
		return false
	}
	return parts.Type == MarketTypeSwap
}

// CompareSymbols orders two canonical symbols lexicographically after
// normalization. The result follows strings.Compare semantics.
func CompareSymbols(a, b string) int {
	return strings.Compare(
		strings.ToUpper(strings.TrimSpace(a)),
		strings.ToUpper(strings.TrimSpace(b)),
	)
}

func invalidSymbol(symbol string) *errs.E {
	return errs.New("", errs.KindInvalidSymbol, errs.WithMessage("malformed symbol: "+strings.TrimSpace(symbol)))
}

// quoteSuffixPriority lists the quote currencies tried when reversing a
// concatenated venue symbol (e.g. BTCUSDT) without market metadata.
var quoteSuffixPriority = []string{"USDT", "USDC", "BUSD"}

// SplitConcatenated reverses a venue symbol of the form BASEQUOTE by trying
// known quote suffixes in priority order. Perpetual symbols settle in the
// quote currency. When no suffix matches, the venue string is returned
// unchanged with ok=false.
func SplitConcatenated(venueSymbol string) (canonical string, ok bool) {
	trimmed := strings.ToUpper(strings.TrimSpace(venueSymbol))
	for _, quote := range quoteSuffixPriority {
		if len(trimmed) > len(quote) && strings.HasSuffix(trimmed, quote) {
			base := strings.TrimSuffix(trimmed, quote)
			return BuildSymbol(base, quote, quote), true
		}
	}
	return venueSymbol, false
}
