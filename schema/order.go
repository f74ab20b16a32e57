package schema

import (
	"math"
	"strings"

	"github.com/goccy/go-json"

	"github.com/perpgate/perpgate/errs"
)

// OrderType enumerates canonical order types.
type OrderType string

const (
	// OrderTypeMarket executes immediately at the best available price.
	OrderTypeMarket OrderType = "market"
	// OrderTypeLimit rests at the given price.
	OrderTypeLimit OrderType = "limit"
	// OrderTypeStopMarket triggers a market order at the stop price.
	OrderTypeStopMarket OrderType = "stopMarket"
	// OrderTypeStopLimit triggers a limit order at the stop price.
	OrderTypeStopLimit OrderType = "stopLimit"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	// OrderSideBuy opens or increases a long exposure.
	OrderSideBuy OrderSide = "buy"
	// OrderSideSell opens or increases a short exposure.
	OrderSideSell OrderSide = "sell"
)

// TimeInForce enumerates canonical time-in-force policies.
type TimeInForce string

const (
	// TimeInForceGTC keeps the order until canceled.
	TimeInForceGTC TimeInForce = "GTC"
	// TimeInForceIOC fills what it can immediately and cancels the rest.
	TimeInForceIOC TimeInForce = "IOC"
	// TimeInForceFOK fills completely or not at all.
	TimeInForceFOK TimeInForce = "FOK"
	// TimeInForcePO rests passively and never takes liquidity.
	TimeInForcePO TimeInForce = "PO"
)

// OrderStatus enumerates canonical order states.
type OrderStatus string

const (
	// OrderStatusOpen marks a live, unfilled order.
	OrderStatusOpen OrderStatus = "open"
	// OrderStatusPartiallyFilled marks a live order with partial execution.
	OrderStatusPartiallyFilled OrderStatus = "partiallyFilled"
	// OrderStatusFilled marks full execution.
	OrderStatusFilled OrderStatus = "filled"
	// OrderStatusCanceled marks caller or venue cancellation.
	OrderStatusCanceled OrderStatus = "canceled"
	// OrderStatusRejected marks venue rejection before activation.
	OrderStatusRejected OrderStatus = "rejected"
	// OrderStatusExpired marks time-in-force expiry.
	OrderStatusExpired OrderStatus = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderRequest is the caller-facing order submission payload.
type OrderRequest struct {
	Symbol        string      `json:"symbol"`
	Type          OrderType   `json:"type"`
	Side          OrderSide   `json:"side"`
	Amount        float64     `json:"amount"`
	Price         float64     `json:"price,omitempty"`
	StopPrice     float64     `json:"stopPrice,omitempty"`
	TimeInForce   TimeInForce `json:"timeInForce,omitempty"`
	ReduceOnly    bool        `json:"reduceOnly,omitempty"`
	PostOnly      bool        `json:"postOnly,omitempty"`
	ClientOrderID string      `json:"clientOrderId,omitempty"`
}

// Validate enforces the order request invariants before any network or
// rate-limit token is consumed.
func (r OrderRequest) Validate() error {
	if _, err := ParseSymbol(r.Symbol); err != nil {
		return err
	}
	switch r.Type {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopMarket, OrderTypeStopLimit:
	default:
		return invalidOrderErr("unknown order type: " + string(r.Type))
	}
	switch r.Side {
	case OrderSideBuy, OrderSideSell:
	default:
		return invalidOrderErr("unknown order side: " + string(r.Side))
	}
	if !(r.Amount > 0) || math.IsInf(r.Amount, 0) || math.IsNaN(r.Amount) {
		return invalidOrderErr("order amount must be positive and finite")
	}
	if requiresPrice(r.Type) && !(r.Price > 0) {
		return invalidOrderErr("order price must be positive for type " + string(r.Type))
	}
	if requiresStopPrice(r.Type) && !(r.StopPrice > 0) {
		return invalidOrderErr("stop price must be positive for type " + string(r.Type))
	}
	switch r.TimeInForce {
	case "", TimeInForceGTC, TimeInForceIOC, TimeInForceFOK, TimeInForcePO:
	default:
		return invalidOrderErr("unknown time in force: " + string(r.TimeInForce))
	}
	if r.PostOnly && r.TimeInForce != "" && r.TimeInForce != TimeInForcePO {
		return invalidOrderErr("postOnly requires timeInForce=PO")
	}
	return nil
}

// Normalize uppercases the symbol and pins timeInForce to PO when postOnly
// is set, returning a copy safe to hand to a driver.
func (r OrderRequest) Normalize() OrderRequest {
	out := r
	out.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if out.PostOnly {
		out.TimeInForce = TimeInForcePO
	}
	return out
}

func requiresPrice(t OrderType) bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

func requiresStopPrice(t OrderType) bool {
	return t == OrderTypeStopMarket || t == OrderTypeStopLimit
}

// Order is the canonical view of a venue order.
type Order struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Type          OrderType       `json:"type"`
	Side          OrderSide       `json:"side"`
	Amount        float64         `json:"amount"`
	Price         float64         `json:"price,omitempty"`
	Status        OrderStatus     `json:"status"`
	Filled        float64         `json:"filled"`
	Remaining     float64         `json:"remaining"`
	AveragePrice  float64         `json:"averagePrice,omitempty"`
	Cost          float64         `json:"cost"`
	ReduceOnly    bool            `json:"reduceOnly"`
	PostOnly      bool            `json:"postOnly"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

const fillEpsilon = 1e-9

// Reconcile restores the filled/remaining/amount identity after venue
// normalization and derives cost from the average fill when absent.
func (o *Order) Reconcile() {
	if o.Amount <= 0 && o.Filled+o.Remaining > 0 {
		o.Amount = o.Filled + o.Remaining
	}
	if o.Remaining == 0 && o.Amount > o.Filled {
		o.Remaining = o.Amount - o.Filled
	}
	if o.Status == OrderStatusFilled {
		o.Remaining = 0
		if o.Filled == 0 {
			o.Filled = o.Amount
		}
	}
	if o.Cost == 0 && o.AveragePrice > 0 {
		o.Cost = o.AveragePrice * o.Filled
	}
}

// CheckInvariants verifies filled+remaining==amount and the terminal-state
// rules. Drivers call this in tests; it is cheap enough for hot paths too.
func (o Order) CheckInvariants() error {
	if math.Abs(o.Filled+o.Remaining-o.Amount) > fillEpsilon*math.Max(1, o.Amount) {
		return invalidOrderErr("filled+remaining must equal amount")
	}
	if o.Status == OrderStatusFilled && o.Remaining > fillEpsilon {
		return invalidOrderErr("filled orders must have zero remaining")
	}
	if o.Status == OrderStatusCanceled && o.Filled > o.Amount+fillEpsilon {
		return invalidOrderErr("canceled orders cannot overfill")
	}
	return nil
}

func invalidOrderErr(msg string) *errs.E {
	return errs.New("", errs.KindInvalidOrder, errs.WithMessage(msg))
}

func validationErr(msg string) *errs.E {
	return errs.New("", errs.KindValidation, errs.WithMessage(msg))
}
