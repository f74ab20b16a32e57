package hyperliquid

import (
	"strconv"

	"github.com/goccy/go-json"

	"github.com/perpgate/perpgate/errs"
	"github.com/perpgate/perpgate/schema"
)

const settleCurrency = "USDC"

func canonicalSymbol(coin string) string {
	return schema.BuildSymbol(coin, settleCurrency, settleCurrency)
}

// metaUniverse is the asset registry; the asset index used by exchange
// actions is the position in this list.
type metaUniverse struct {
	Universe []metaAsset `json:"universe"`
}

type metaAsset struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
	OnlyCross   bool   `json:"onlyCross"`
	Delisted    bool   `json:"delisted"`
}

func (a metaAsset) normalize() schema.Market {
	return schema.Market{
		ID:                   a.Name,
		Symbol:               canonicalSymbol(a.Name),
		Base:                 a.Name,
		Quote:                settleCurrency,
		Settle:               settleCurrency,
		Active:               !a.Delisted,
		AmountPrecision:      a.SzDecimals,
		MaxLeverage:          float64(a.MaxLeverage),
		FundingIntervalHours: 1,
	}
}

// assetCtx rides alongside the universe entry at the same index.
type assetCtx struct {
	MarkPx    string `json:"markPx"`
	MidPx     string `json:"midPx"`
	OraclePx  string `json:"oraclePx"`
	PrevDayPx string `json:"prevDayPx"`
	DayVolume string `json:"dayNtlVlm"`
	Funding   string `json:"funding"`
}

func (c assetCtx) normalizeTicker(symbol string, ts int64) schema.Ticker {
	last := schema.ParseFloat(c.MidPx)
	if last == 0 {
		last = schema.ParseFloat(c.MarkPx)
	}
	prev := schema.ParseFloat(c.PrevDayPx)
	t := schema.Ticker{
		Symbol:      symbol,
		Last:        last,
		Close:       last,
		Open:        prev,
		QuoteVolume: schema.ParseFloat(c.DayVolume),
		Timestamp:   ts,
	}
	if prev > 0 {
		t.Change = last - prev
		t.Percentage = t.Change / prev * 100
	}
	return t
}

func (c assetCtx) normalizeFunding(symbol string, ts int64) schema.FundingRate {
	return schema.FundingRate{
		Symbol:               symbol,
		FundingRate:          schema.ParseFloat(c.Funding),
		FundingTimestamp:     ts,
		MarkPrice:            schema.ParseFloat(c.MarkPx),
		IndexPrice:           schema.ParseFloat(c.OraclePx),
		FundingIntervalHours: 1,
	}
}

type bookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
}

// l2Book levels arrive as [bids, asks].
type l2Book struct {
	Coin   string         `json:"coin"`
	Time   int64          `json:"time"`
	Levels [2][]bookLevel `json:"levels"`
}

func (b l2Book) normalize(symbol string) schema.OrderBook {
	book := schema.OrderBook{
		Symbol:    symbol,
		Timestamp: b.Time,
		Bids:      parseBookSide(b.Levels[0]),
		Asks:      parseBookSide(b.Levels[1]),
		Venue:     venueID,
	}
	book.Normalize()
	return book
}

func parseBookSide(levels []bookLevel) []schema.BookLevel {
	out := make([]schema.BookLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, schema.BookLevel{
			Price: schema.ParseFloat(l.Px),
			Size:  schema.ParseFloat(l.Sz),
		})
	}
	return out
}

// venueTrade side is "B" (taker buy) or "A" (taker sell).
type venueTrade struct {
	Coin string `json:"coin"`
	Side string `json:"side"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
	TID  int64  `json:"tid"`
}

func (t venueTrade) normalize(symbol string) schema.Trade {
	side := schema.TradeSideSell
	if t.Side == "B" {
		side = schema.TradeSideBuy
	}
	price := schema.ParseFloat(t.Px)
	amount := schema.ParseFloat(t.Sz)
	return schema.Trade{
		ID:        strconv.FormatInt(t.TID, 10),
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Cost:      price * amount,
		Timestamp: t.Time,
	}
}

type candle struct {
	Time   int64  `json:"t"`
	Open   string `json:"o"`
	High   string `json:"h"`
	Low    string `json:"l"`
	Close  string `json:"c"`
	Volume string `json:"v"`
}

func (c candle) normalize() schema.OHLCV {
	return schema.OHLCV{
		Timestamp: c.Time,
		Open:      schema.ParseFloat(c.Open),
		High:      schema.ParseFloat(c.High),
		Low:       schema.ParseFloat(c.Low),
		Close:     schema.ParseFloat(c.Close),
		Volume:    schema.ParseFloat(c.Volume),
	}
}

type fundingHistoryRow struct {
	Coin        string `json:"coin"`
	FundingRate string `json:"fundingRate"`
	Time        int64  `json:"time"`
}

// venueOrder is the open-order row; side is "B"/"A" like trades.
type venueOrder struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"`
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	OrigSz    string `json:"origSz"`
	OID       int64  `json:"oid"`
	Cloid     string `json:"cloid"`
	Timestamp int64  `json:"timestamp"`
	Trigger   bool   `json:"isTrigger"`
	Reduce    bool   `json:"reduceOnly"`
}

// orderStatusTable maps the venue's order-status strings. The venue reports
// cancellations with cause-specific names.
var orderStatusTable = map[string]schema.OrderStatus{
	"open":           schema.OrderStatusOpen,
	"filled":         schema.OrderStatusFilled,
	"canceled":       schema.OrderStatusCanceled,
	"marginCanceled": schema.OrderStatusCanceled,
	"rejected":       schema.OrderStatusRejected,
	"triggered":      schema.OrderStatusOpen,
}

func (o venueOrder) normalize(status string, raw json.RawMessage) schema.Order {
	side := schema.OrderSideSell
	if o.Side == "B" {
		side = schema.OrderSideBuy
	}
	amount := schema.ParseFloat(o.OrigSz)
	remaining := schema.ParseFloat(o.Sz)
	if amount == 0 {
		amount = remaining
	}
	orderType := schema.OrderTypeLimit
	if o.Trigger {
		orderType = schema.OrderTypeStopLimit
	}
	st, ok := orderStatusTable[status]
	if !ok {
		st = schema.OrderStatusOpen
	}
	order := schema.Order{
		ID:            strconv.FormatInt(o.OID, 10),
		Symbol:        canonicalSymbol(o.Coin),
		Type:          orderType,
		Side:          side,
		Amount:        amount,
		Price:         schema.ParseFloat(o.LimitPx),
		Status:        st,
		Filled:        amount - remaining,
		Remaining:     remaining,
		ReduceOnly:    o.Reduce,
		ClientOrderID: o.Cloid,
		Timestamp:     o.Timestamp,
		Raw:           raw,
	}
	order.Reconcile()
	return order
}

// clearinghouseState is the account snapshot: positions plus margin summary.
type clearinghouseState struct {
	AssetPositions []struct {
		Position venuePosition `json:"position"`
	} `json:"assetPositions"`
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	Withdrawable string `json:"withdrawable"`
	Time         int64  `json:"time"`
}

type venuePosition struct {
	Coin          string `json:"coin"`
	Szi           string `json:"szi"`
	EntryPx       string `json:"entryPx"`
	LiquidationPx string `json:"liquidationPx"`
	UnrealizedPnl string `json:"unrealizedPnl"`
	MarginUsed    string `json:"marginUsed"`
	Leverage      struct {
		Type  string `json:"type"`
		Value int    `json:"value"`
	} `json:"leverage"`
}

func (p venuePosition) normalize(ts int64) schema.Position {
	size := schema.ParseFloat(p.Szi)
	side := schema.PositionSideLong
	if size < 0 {
		side = schema.PositionSideShort
		size = -size
	}
	mode := schema.MarginModeCross
	if p.Leverage.Type == "isolated" {
		mode = schema.MarginModeIsolated
	}
	return schema.Position{
		Symbol:           canonicalSymbol(p.Coin),
		Side:             side,
		Size:             size,
		EntryPrice:       schema.ParseFloat(p.EntryPx),
		LiquidationPrice: schema.ParseFloat(p.LiquidationPx),
		UnrealizedPnl:    schema.ParseFloat(p.UnrealizedPnl),
		Leverage:         float64(p.Leverage.Value),
		MarginMode:       mode,
		Margin:           schema.ParseFloat(p.MarginUsed),
		Timestamp:        ts,
	}
}

func (s clearinghouseState) normalizeBalance() schema.Balance {
	total := schema.ParseFloat(s.MarginSummary.AccountValue)
	free := schema.ParseFloat(s.Withdrawable)
	return schema.Balance{
		Currency: settleCurrency,
		Total:    total,
		Free:     free,
		Used:     total - free,
	}
}

// exchangeResponse is the action result envelope. Per-order statuses carry
// either a resting oid, a fill, or an error string.
type exchangeResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []orderStatusEntry `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

type orderStatusEntry struct {
	Resting *struct {
		OID int64 `json:"oid"`
	} `json:"resting"`
	Filled *struct {
		OID     int64  `json:"oid"`
		AvgPx   string `json:"avgPx"`
		TotalSz string `json:"totalSz"`
	} `json:"filled"`
	Error string `json:"error"`
}

func newMapper() *errs.Mapper {
	return errs.NewMapper(venueID).
		Contains("insufficient margin", errs.KindInsufficientMargin).
		Contains("insufficient balance", errs.KindInsufficientBalance).
		Contains("order not found", errs.KindOrderNotFound).
		Contains("was never placed", errs.KindOrderNotFound).
		Contains("order has invalid size", errs.KindMinimumOrderSize).
		Contains("minimum value", errs.KindMinimumOrderSize).
		Contains("invalid price", errs.KindInvalidParameter).
		Contains("post only order would have immediately matched", errs.KindOrderRejected).
		Contains("reduce only order would increase position", errs.KindOrderRejected).
		Contains("user or api wallet", errs.KindInvalidSignature).
		Contains("does not exist", errs.KindInvalidSymbol).
		Fallback(errs.KindOrderRejected)
}
