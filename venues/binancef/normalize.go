package binancef

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/perpgate/perpgate/errs"
	"github.com/perpgate/perpgate/schema"
)

// orderStatusTable maps venue statuses to canonical ones; unlisted
// statuses fall back to open.
var orderStatusTable = map[string]schema.OrderStatus{
	"NEW":              schema.OrderStatusOpen,
	"PARTIALLY_FILLED": schema.OrderStatusPartiallyFilled,
	"FILLED":           schema.OrderStatusFilled,
	"CANCELED":         schema.OrderStatusCanceled,
	"REJECTED":         schema.OrderStatusRejected,
	"EXPIRED":          schema.OrderStatusExpired,
	"EXPIRED_IN_MATCH": schema.OrderStatusExpired,
}

// tifToVenue maps canonical time-in-force to the wire form. Post-only
// travels as GTX on this venue.
var tifToVenue = map[schema.TimeInForce]string{
	schema.TimeInForceGTC: "GTC",
	schema.TimeInForceIOC: "IOC",
	schema.TimeInForceFOK: "FOK",
	schema.TimeInForcePO:  "GTX",
}

var tifFromVenue = map[string]schema.TimeInForce{
	"GTC": schema.TimeInForceGTC,
	"IOC": schema.TimeInForceIOC,
	"FOK": schema.TimeInForceFOK,
	"GTX": schema.TimeInForcePO,
}

type exchangeInfo struct {
	Symbols []exchangeSymbol `json:"symbols"`
}

type exchangeSymbol struct {
	Symbol            string         `json:"symbol"`
	Status            string         `json:"status"`
	ContractType      string         `json:"contractType"`
	BaseAsset         string         `json:"baseAsset"`
	QuoteAsset        string         `json:"quoteAsset"`
	MarginAsset       string         `json:"marginAsset"`
	PricePrecision    int            `json:"pricePrecision"`
	QuantityPrecision int            `json:"quantityPrecision"`
	Filters           []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
}

func normalizeMarkets(raw json.RawMessage) ([]schema.Market, error) {
	var info exchangeInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, errs.New(venueID, errs.KindValidation,
			errs.WithMessage("decode exchangeInfo"), errs.WithCause(err))
	}
	markets := make([]schema.Market, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.ContractType != "PERPETUAL" {
			continue
		}
		m := schema.Market{
			ID:              s.Symbol,
			Symbol:          schema.BuildSymbol(s.BaseAsset, s.QuoteAsset, s.MarginAsset),
			Base:            s.BaseAsset,
			Quote:           s.QuoteAsset,
			Settle:          s.MarginAsset,
			Active:          s.Status == "TRADING",
			PricePrecision:  s.PricePrecision,
			AmountPrecision: s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				m.PriceTickSize = schema.ParseFloat(f.TickSize)
			case "LOT_SIZE":
				m.AmountStepSize = schema.ParseFloat(f.StepSize)
				m.MinAmount = schema.ParseFloat(f.MinQty)
			}
		}
		markets = append(markets, m)
	}
	return markets, nil
}

type ticker24 struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	OpenPrice          string `json:"openPrice"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	CloseTime          int64  `json:"closeTime"`
}

func (t ticker24) normalize(symbol string) schema.Ticker {
	last := schema.ParseFloat(t.LastPrice)
	return schema.Ticker{
		Symbol:      symbol,
		Last:        last,
		Close:       last,
		High:        schema.ParseFloat(t.HighPrice),
		Low:         schema.ParseFloat(t.LowPrice),
		Open:        schema.ParseFloat(t.OpenPrice),
		Change:      schema.ParseFloat(t.PriceChange),
		Percentage:  schema.ParseFloat(t.PriceChangePercent),
		BaseVolume:  schema.ParseFloat(t.Volume),
		QuoteVolume: schema.ParseFloat(t.QuoteVolume),
		Timestamp:   t.CloseTime,
	}
}

type depthPayload struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (d depthPayload) normalize(symbol string) *schema.OrderBook {
	book := &schema.OrderBook{
		Symbol:    symbol,
		Venue:     venueID,
		Bids:      schema.ParseLevels(d.Bids),
		Asks:      schema.ParseLevels(d.Asks),
		Timestamp: d.EventTime,
	}
	book.Normalize()
	return book
}

type venueTrade struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	QuoteQty     string `json:"quoteQty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

func (t venueTrade) normalize(symbol string) schema.Trade {
	side := schema.TradeSideBuy
	if t.IsBuyerMaker {
		side = schema.TradeSideSell
	}
	return schema.Trade{
		ID:        strconv.FormatInt(t.ID, 10),
		Symbol:    symbol,
		Side:      side,
		Price:     schema.ParseFloat(t.Price),
		Amount:    schema.ParseFloat(t.Qty),
		Cost:      schema.ParseFloat(t.QuoteQty),
		Timestamp: t.Time,
	}
}

// klines arrive as positional arrays:
// [openTime, open, high, low, close, volume, closeTime, ...]
func normalizeKlines(raw json.RawMessage) ([]schema.OHLCV, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errs.New(venueID, errs.KindValidation,
			errs.WithMessage("decode klines"), errs.WithCause(err))
	}
	out := make([]schema.OHLCV, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var ts int64
		var open, high, low, closePx, volume string
		if json.Unmarshal(row[0], &ts) != nil ||
			json.Unmarshal(row[1], &open) != nil ||
			json.Unmarshal(row[2], &high) != nil ||
			json.Unmarshal(row[3], &low) != nil ||
			json.Unmarshal(row[4], &closePx) != nil ||
			json.Unmarshal(row[5], &volume) != nil {
			continue
		}
		out = append(out, schema.OHLCV{
			Timestamp: ts,
			Open:      schema.ParseFloat(open),
			High:      schema.ParseFloat(high),
			Low:       schema.ParseFloat(low),
			Close:     schema.ParseFloat(closePx),
			Volume:    schema.ParseFloat(volume),
		})
	}
	return out, nil
}

type premiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

func (p premiumIndex) normalize(symbol string) schema.FundingRate {
	return schema.FundingRate{
		Symbol:               symbol,
		FundingRate:          schema.ParseFloat(p.LastFundingRate),
		FundingTimestamp:     p.Time,
		NextFundingTimestamp: p.NextFundingTime,
		MarkPrice:            schema.ParseFloat(p.MarkPrice),
		IndexPrice:           schema.ParseFloat(p.IndexPrice),
		FundingIntervalHours: 8,
	}
}

type fundingHistoryRow struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	FundingTime int64  `json:"fundingTime"`
}

type venueOrder struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cumQuote"`
	TimeInForce   string `json:"timeInForce"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
	Time          int64  `json:"time"`
}

func (v venueOrder) normalize(symbol string, raw json.RawMessage) schema.Order {
	status, ok := orderStatusTable[v.Status]
	if !ok {
		status = schema.OrderStatusOpen
	}
	ts := v.UpdateTime
	if ts == 0 {
		ts = v.Time
	}
	order := schema.Order{
		ID:            strconv.FormatInt(v.OrderID, 10),
		Symbol:        symbol,
		Type:          orderTypeFromVenue(v.Type),
		Side:          schema.OrderSide(strings.ToLower(v.Side)),
		Amount:        schema.ParseFloat(v.OrigQty),
		Price:         schema.ParseFloat(v.Price),
		Status:        status,
		Filled:        schema.ParseFloat(v.ExecutedQty),
		AveragePrice:  schema.ParseFloat(v.AvgPrice),
		Cost:          schema.ParseFloat(v.CumQuote),
		ReduceOnly:    v.ReduceOnly,
		PostOnly:      v.TimeInForce == "GTX",
		ClientOrderID: v.ClientOrderID,
		Timestamp:     ts,
		Raw:           raw,
	}
	order.Reconcile()
	return order
}

func orderTypeFromVenue(t string) schema.OrderType {
	switch t {
	case "MARKET":
		return schema.OrderTypeMarket
	case "LIMIT":
		return schema.OrderTypeLimit
	case "STOP_MARKET":
		return schema.OrderTypeStopMarket
	case "STOP":
		return schema.OrderTypeStopLimit
	}
	return schema.OrderTypeLimit
}

func orderTypeToVenue(t schema.OrderType) string {
	switch t {
	case schema.OrderTypeMarket:
		return "MARKET"
	case schema.OrderTypeLimit:
		return "LIMIT"
	case schema.OrderTypeStopMarket:
		return "STOP_MARKET"
	case schema.OrderTypeStopLimit:
		return "STOP"
	}
	return strings.ToUpper(string(t))
}

type venuePosition struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	IsolatedMargin   string `json:"isolatedMargin"`
	UpdateTime       int64  `json:"updateTime"`
}

func (p venuePosition) normalize(symbol string) schema.Position {
	size := schema.ParseFloat(p.PositionAmt)
	side := schema.PositionSideLong
	if size < 0 {
		side = schema.PositionSideShort
		size = -size
	}
	mode := schema.MarginModeCross
	if strings.EqualFold(p.MarginType, "isolated") {
		mode = schema.MarginModeIsolated
	}
	return schema.Position{
		Symbol:           symbol,
		Side:             side,
		Size:             size,
		EntryPrice:       schema.ParseFloat(p.EntryPrice),
		MarkPrice:        schema.ParseFloat(p.MarkPrice),
		LiquidationPrice: schema.ParseFloat(p.LiquidationPrice),
		UnrealizedPnl:    schema.ParseFloat(p.UnRealizedProfit),
		Leverage:         schema.ParseFloat(p.Leverage),
		MarginMode:       mode,
		Margin:           schema.ParseFloat(p.IsolatedMargin),
		Timestamp:        p.UpdateTime,
	}
}

type venueBalance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

func (b venueBalance) normalize() schema.Balance {
	total := schema.ParseFloat(b.Balance)
	free := schema.ParseFloat(b.AvailableBalance)
	return schema.Balance{
		Currency: b.Asset,
		Total:    total,
		Free:     free,
		Used:     total - free,
	}
}

type userTrade struct {
	ID       int64  `json:"id"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Qty      string `json:"qty"`
	QuoteQty string `json:"quoteQty"`
	Time     int64  `json:"time"`
}

func (t userTrade) normalize(symbol string) schema.Trade {
	return schema.Trade{
		ID:        strconv.FormatInt(t.ID, 10),
		Symbol:    symbol,
		Side:      schema.TradeSide(strings.ToLower(t.Side)),
		Price:     schema.ParseFloat(t.Price),
		Amount:    schema.ParseFloat(t.Qty),
		Cost:      schema.ParseFloat(t.QuoteQty),
		Timestamp: t.Time,
	}
}
