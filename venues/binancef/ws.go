package binancef

import (
	"strconv"

	"github.com/perpgate/perpgate/schema"
)

// wsDepth is the partial book depth push: futures includes the event header
// on partial depth streams, unlike the spot API.
type wsDepth struct {
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

func (w wsDepth) normalize(symbol string) schema.OrderBook {
	book := schema.OrderBook{
		Symbol:    symbol,
		Timestamp: w.EventTime,
		Bids:      schema.ParseLevels(w.Bids),
		Asks:      schema.ParseLevels(w.Asks),
		Venue:     venueID,
	}
	book.Normalize()
	return book
}

type wsAggTrade struct {
	ID           int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (w wsAggTrade) normalize(symbol string) schema.Trade {
	side := schema.TradeSideBuy
	if w.IsBuyerMaker {
		side = schema.TradeSideSell
	}
	price := schema.ParseFloat(w.Price)
	amount := schema.ParseFloat(w.Quantity)
	return schema.Trade{
		ID:        strconv.FormatInt(w.ID, 10),
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Cost:      price * amount,
		Timestamp: w.TradeTime,
	}
}

type wsTicker struct {
	EventTime   int64  `json:"E"`
	Last        string `json:"c"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Change      string `json:"p"`
	Percentage  string `json:"P"`
	BaseVolume  string `json:"v"`
	QuoteVolume string `json:"q"`
}

func (w wsTicker) normalize(symbol string) schema.Ticker {
	return schema.Ticker{
		Symbol:      symbol,
		Last:        schema.ParseFloat(w.Last),
		Open:        schema.ParseFloat(w.Open),
		Close:       schema.ParseFloat(w.Last),
		High:        schema.ParseFloat(w.High),
		Low:         schema.ParseFloat(w.Low),
		Change:      schema.ParseFloat(w.Change),
		Percentage:  schema.ParseFloat(w.Percentage),
		BaseVolume:  schema.ParseFloat(w.BaseVolume),
		QuoteVolume: schema.ParseFloat(w.QuoteVolume),
		Timestamp:   w.EventTime,
	}
}

type wsKline struct {
	Kline struct {
		OpenTime int64  `json:"t"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
	} `json:"k"`
}

func (w wsKline) normalize() schema.OHLCV {
	return schema.OHLCV{
		Timestamp: w.Kline.OpenTime,
		Open:      schema.ParseFloat(w.Kline.Open),
		High:      schema.ParseFloat(w.Kline.High),
		Low:       schema.ParseFloat(w.Kline.Low),
		Close:     schema.ParseFloat(w.Kline.Close),
		Volume:    schema.ParseFloat(w.Kline.Volume),
	}
}

type wsMarkPrice struct {
	EventTime       int64  `json:"E"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

func (w wsMarkPrice) normalize(symbol string) schema.FundingRate {
	return schema.FundingRate{
		Symbol:               symbol,
		FundingRate:          schema.ParseFloat(w.FundingRate),
		FundingTimestamp:     w.EventTime,
		NextFundingTimestamp: w.NextFundingTime,
		MarkPrice:            schema.ParseFloat(w.MarkPrice),
		IndexPrice:           schema.ParseFloat(w.IndexPrice),
		FundingIntervalHours: 8,
	}
}

// wsOrderUpdate is the ORDER_TRADE_UPDATE push. The nested object carries
// both the order state and, when the update is an execution, the fill.
type wsOrderUpdate struct {
	EventTime int64 `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Type          string `json:"o"`
		TimeInForce   string `json:"f"`
		Quantity      string `json:"q"`
		Price         string `json:"p"`
		AveragePrice  string `json:"ap"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastFillQty   string `json:"l"`
		FilledQty     string `json:"z"`
		LastFillPrice string `json:"L"`
		TradeTime     int64  `json:"T"`
		TradeID       int64  `json:"t"`
		IsMaker       bool   `json:"m"`
		ReduceOnly    bool   `json:"R"`
	} `json:"o"`
}

func (w wsOrderUpdate) normalizeOrder(symbol string, raw []byte) schema.Order {
	o := w.Order
	order := schema.Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		Symbol:        symbol,
		Type:          orderTypeFromVenue(o.Type),
		Side:          schema.OrderSide(toLowerSide(o.Side)),
		Amount:        schema.ParseFloat(o.Quantity),
		Price:         schema.ParseFloat(o.Price),
		Status:        orderStatusTable[o.Status],
		Filled:        schema.ParseFloat(o.FilledQty),
		AveragePrice:  schema.ParseFloat(o.AveragePrice),
		PostOnly:      o.TimeInForce == "GTX",
		ReduceOnly:    o.ReduceOnly,
		ClientOrderID: o.ClientOrderID,
		Timestamp:     w.EventTime,
		Raw:           raw,
	}
	if order.Status == "" {
		order.Status = schema.OrderStatusOpen
	}
	order.Reconcile()
	return order
}

// normalizeFill extracts the execution from an order update. ok is false for
// lifecycle-only updates with no traded quantity.
func (w wsOrderUpdate) normalizeFill(symbol string) (schema.Trade, bool) {
	o := w.Order
	qty := schema.ParseFloat(o.LastFillQty)
	if qty <= 0 || o.TradeID == 0 {
		return schema.Trade{}, false
	}
	price := schema.ParseFloat(o.LastFillPrice)
	side := schema.TradeSideBuy
	if toLowerSide(o.Side) == "sell" {
		side = schema.TradeSideSell
	}
	return schema.Trade{
		ID:        strconv.FormatInt(o.TradeID, 10),
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Amount:    qty,
		Cost:      price * qty,
		Timestamp: o.TradeTime,
	}, true
}

// wsAccountUpdate is the ACCOUNT_UPDATE push with batched balance and
// position deltas.
type wsAccountUpdate struct {
	EventTime int64 `json:"E"`
	Data      struct {
		Balances  []wsBalanceDelta  `json:"B"`
		Positions []wsPositionDelta `json:"P"`
	} `json:"a"`
}

type wsBalanceDelta struct {
	Asset         string `json:"a"`
	WalletBalance string `json:"wb"`
	CrossWallet   string `json:"cw"`
}

func (b wsBalanceDelta) normalize() schema.Balance {
	total := schema.ParseFloat(b.WalletBalance)
	return schema.Balance{
		Currency: b.Asset,
		Total:    total,
		Free:     total,
	}
}

type wsPositionDelta struct {
	Symbol         string `json:"s"`
	PositionAmount string `json:"pa"`
	EntryPrice     string `json:"ep"`
	UnrealizedPnl  string `json:"up"`
	RealizedPnl    string `json:"cr"`
	MarginType     string `json:"mt"`
	IsolatedWallet string `json:"iw"`
}

func (p wsPositionDelta) normalize(symbol string, ts int64) schema.Position {
	size := schema.ParseFloat(p.PositionAmount)
	side := schema.PositionSideLong
	if size < 0 {
		side = schema.PositionSideShort
		size = -size
	}
	mode := schema.MarginModeCross
	if p.MarginType == "isolated" {
		mode = schema.MarginModeIsolated
	}
	return schema.Position{
		Symbol:        symbol,
		Side:          side,
		Size:          size,
		EntryPrice:    schema.ParseFloat(p.EntryPrice),
		UnrealizedPnl: schema.ParseFloat(p.UnrealizedPnl),
		RealizedPnl:   schema.ParseFloat(p.RealizedPnl),
		MarginMode:    mode,
		Margin:        schema.ParseFloat(p.IsolatedWallet),
		Timestamp:     ts,
	}
}

func toLowerSide(s string) string {
	switch s {
	case "BUY":
		return "buy"
	case "SELL":
		return "sell"
	}
	return s
}
