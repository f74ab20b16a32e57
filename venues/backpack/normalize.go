package backpack

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/perpgate/perpgate/schema"
)

// Wire symbols look like BTC_USDC_PERP; perpetuals settle in the quote.
func symbolToWire(symbol string) string {
	parts, err := schema.ParseSymbol(symbol)
	if err != nil {
		return symbol
	}
	return parts.Base + "_" + parts.Quote + "_PERP"
}

func symbolFromWire(wire string) string {
	parts := strings.Split(wire, "_")
	if len(parts) == 3 && parts[2] == "PERP" {
		return schema.BuildSymbol(parts[0], parts[1], parts[1])
	}
	return wire
}

var orderStatusTable = map[string]schema.OrderStatus{
	"New":             schema.OrderStatusOpen,
	"PartiallyFilled": schema.OrderStatusPartiallyFilled,
	"Filled":          schema.OrderStatusFilled,
	"Cancelled":       schema.OrderStatusCanceled,
	"Expired":         schema.OrderStatusExpired,
	"TriggerPending":  schema.OrderStatusOpen,
}

type venueMarket struct {
	Symbol      string `json:"symbol"`
	MarketType  string `json:"marketType"`
	BaseSymbol  string `json:"baseSymbol"`
	QuoteSymbol string `json:"quoteSymbol"`
	State       string `json:"orderBookState"`
	Filters     struct {
		Price struct {
			TickSize string `json:"tickSize"`
		} `json:"price"`
		Quantity struct {
			StepSize    string `json:"stepSize"`
			MinQuantity string `json:"minQuantity"`
		} `json:"quantity"`
	} `json:"filters"`
}

func (m venueMarket) normalize() schema.Market {
	return schema.Market{
		ID:                   m.Symbol,
		Symbol:               schema.BuildSymbol(m.BaseSymbol, m.QuoteSymbol, m.QuoteSymbol),
		Base:                 m.BaseSymbol,
		Quote:                m.QuoteSymbol,
		Settle:               m.QuoteSymbol,
		Active:               m.State == "Open",
		PriceTickSize:        schema.ParseFloat(m.Filters.Price.TickSize),
		AmountStepSize:       schema.ParseFloat(m.Filters.Quantity.StepSize),
		MinAmount:            schema.ParseFloat(m.Filters.Quantity.MinQuantity),
		FundingIntervalHours: 8,
	}
}

type venueTicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	FirstPrice         string `json:"firstPrice"`
	High               string `json:"high"`
	Low                string `json:"low"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
}

func (t venueTicker) normalize(symbol string, ts int64) schema.Ticker {
	return schema.Ticker{
		Symbol:      symbol,
		Last:        schema.ParseFloat(t.LastPrice),
		Close:       schema.ParseFloat(t.LastPrice),
		Open:        schema.ParseFloat(t.FirstPrice),
		High:        schema.ParseFloat(t.High),
		Low:         schema.ParseFloat(t.Low),
		Change:      schema.ParseFloat(t.PriceChange),
		Percentage:  schema.ParseFloat(t.PriceChangePercent),
		BaseVolume:  schema.ParseFloat(t.Volume),
		QuoteVolume: schema.ParseFloat(t.QuoteVolume),
		Timestamp:   ts,
	}
}

type depthPayload struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Timestamp int64      `json:"timestamp"`
}

func (d depthPayload) normalize(symbol string) schema.OrderBook {
	book := schema.OrderBook{
		Symbol:    symbol,
		Timestamp: d.Timestamp,
		Bids:      schema.ParseLevels(d.Bids),
		Asks:      schema.ParseLevels(d.Asks),
		Venue:     venueID,
	}
	book.Normalize()
	return book
}

type venueTrade struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	Timestamp    int64  `json:"timestamp"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

func (t venueTrade) normalize(symbol string) schema.Trade {
	side := schema.TradeSideBuy
	if t.IsBuyerMaker {
		side = schema.TradeSideSell
	}
	price := schema.ParseFloat(t.Price)
	amount := schema.ParseFloat(t.Quantity)
	return schema.Trade{
		ID:        formatID(t.ID),
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Cost:      price * amount,
		Timestamp: t.Timestamp,
	}
}

type venueKline struct {
	Start  string `json:"start"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

type markPrice struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime int64  `json:"nextFundingTimestamp"`
}

func (m markPrice) normalize(symbol string, ts int64) schema.FundingRate {
	return schema.FundingRate{
		Symbol:               symbol,
		FundingRate:          schema.ParseFloat(m.FundingRate),
		FundingTimestamp:     ts,
		NextFundingTimestamp: m.NextFundingTime,
		MarkPrice:            schema.ParseFloat(m.MarkPrice),
		IndexPrice:           schema.ParseFloat(m.IndexPrice),
		FundingIntervalHours: 8,
	}
}

type fundingHistoryRow struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	IntervalEnd string `json:"intervalEndTimestamp"`
}

// venueOrder covers both REST responses and the order-update stream shape.
type venueOrder struct {
	ID               string `json:"id"`
	ClientID         int64  `json:"clientId"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	OrderType        string `json:"orderType"`
	Price            string `json:"price"`
	Quantity         string `json:"quantity"`
	ExecutedQuantity string `json:"executedQuantity"`
	TriggerPrice     string `json:"triggerPrice"`
	Status           string `json:"status"`
	TimeInForce      string `json:"timeInForce"`
	PostOnly         bool   `json:"postOnly"`
	ReduceOnly       bool   `json:"reduceOnly"`
	CreatedAt        int64  `json:"createdAt"`
}

func (v venueOrder) normalize(raw json.RawMessage) schema.Order {
	side := schema.OrderSideSell
	if v.Side == "Bid" {
		side = schema.OrderSideBuy
	}
	orderType := schema.OrderTypeLimit
	switch v.OrderType {
	case "Market":
		orderType = schema.OrderTypeMarket
	case "StopMarket":
		orderType = schema.OrderTypeStopMarket
	case "StopLimit":
		orderType = schema.OrderTypeStopLimit
	}
	status, ok := orderStatusTable[v.Status]
	if !ok {
		status = schema.OrderStatusOpen
	}
	order := schema.Order{
		ID:         v.ID,
		Symbol:     symbolFromWire(v.Symbol),
		Type:       orderType,
		Side:       side,
		Amount:     schema.ParseFloat(v.Quantity),
		Price:      schema.ParseFloat(v.Price),
		Status:     status,
		Filled:     schema.ParseFloat(v.ExecutedQuantity),
		PostOnly:   v.PostOnly,
		ReduceOnly: v.ReduceOnly,
		Timestamp:  v.CreatedAt,
		Raw:        raw,
	}
	if v.ClientID != 0 {
		order.ClientOrderID = formatID(v.ClientID)
	}
	order.Reconcile()
	return order
}

type venuePosition struct {
	Symbol         string `json:"symbol"`
	NetQuantity    string `json:"netQuantity"`
	EntryPrice     string `json:"entryPrice"`
	MarkPrice      string `json:"markPrice"`
	LiquidationEst string `json:"estLiquidationPrice"`
	PnlUnrealized  string `json:"pnlUnrealized"`
	PnlRealized    string `json:"pnlRealized"`
}

func (p venuePosition) normalize(ts int64) schema.Position {
	size := schema.ParseFloat(p.NetQuantity)
	side := schema.PositionSideLong
	if size < 0 {
		side = schema.PositionSideShort
		size = -size
	}
	return schema.Position{
		Symbol:           symbolFromWire(p.Symbol),
		Side:             side,
		Size:             size,
		EntryPrice:       schema.ParseFloat(p.EntryPrice),
		MarkPrice:        schema.ParseFloat(p.MarkPrice),
		LiquidationPrice: schema.ParseFloat(p.LiquidationEst),
		UnrealizedPnl:    schema.ParseFloat(p.PnlUnrealized),
		RealizedPnl:      schema.ParseFloat(p.PnlRealized),
		MarginMode:       schema.MarginModeCross,
		Timestamp:        ts,
	}
}

type venueFill struct {
	TradeID   int64  `json:"tradeId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Timestamp string `json:"timestamp"`
}
