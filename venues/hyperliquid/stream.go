package hyperliquid

import (
	"context"
	"strings"

	"github.com/goccy/go-json"

	"github.com/perpgate/perpgate/driver"
	"github.com/perpgate/perpgate/schema"
	"github.com/perpgate/perpgate/stream"
)

// wsEnvelope is the server push frame. Channel "subscriptionResponse" and
// "pong" frames carry no event data.
type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsSubscribe struct {
	Method       string         `json:"method"`
	Subscription map[string]any `json:"subscription"`
}

func newRuntime(d *Driver) *stream.Runtime {
	url := mainnetWS
	if d.Config().Testnet {
		url = testnetWS
	}
	return stream.New(venueID, stream.Config{
		URL:   url,
		Route: routeFrame,
		PingFrame: func() []byte {
			return []byte(`{"method":"ping"}`)
		},
	}, d.Metrics, d.Logger)
}

// routeFrame keys coin-scoped channels as "<channel>:<coin>" so one socket
// carries any number of subscriptions. User-scoped channels key on the
// channel name alone; the account is fixed per driver.
func routeFrame(raw []byte) (string, json.RawMessage, bool) {
	var env wsEnvelope
	if json.Unmarshal(raw, &env) != nil || env.Channel == "" {
		return "", nil, false
	}
	switch env.Channel {
	case "l2Book":
		var body struct {
			Coin string `json:"coin"`
		}
		if json.Unmarshal(env.Data, &body) != nil || body.Coin == "" {
			return "", nil, false
		}
		return "l2Book:" + body.Coin, env.Data, true
	case "trades":
		var rows []struct {
			Coin string `json:"coin"`
		}
		if json.Unmarshal(env.Data, &rows) != nil || len(rows) == 0 {
			return "", nil, false
		}
		return "trades:" + rows[0].Coin, env.Data, true
	case "activeAssetCtx":
		var body struct {
			Coin string `json:"coin"`
		}
		if json.Unmarshal(env.Data, &body) != nil || body.Coin == "" {
			return "", nil, false
		}
		return "activeAssetCtx:" + body.Coin, env.Data, true
	case "candle":
		var body struct {
			Coin     string `json:"s"`
			Interval string `json:"i"`
		}
		if json.Unmarshal(env.Data, &body) != nil || body.Coin == "" {
			return "", nil, false
		}
		return "candle:" + body.Coin + ":" + body.Interval, env.Data, true
	case "orderUpdates", "userFills":
		return env.Channel, env.Data, true
	}
	return "", nil, false
}

func subscribeFrame(sub map[string]any) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) {
		return json.Marshal(wsSubscribe{Method: "subscribe", Subscription: sub})
	}
}

func unsubscribeFrame(sub map[string]any) func() []byte {
	return func() []byte {
		payload, err := json.Marshal(wsSubscribe{Method: "unsubscribe", Subscription: sub})
		if err != nil {
			return nil
		}
		return payload
	}
}

func (d *Driver) watch(ctx context.Context, channelID string, sub map[string]any) (*stream.Sequence, error) {
	if err := d.Runtime.Connect(ctx); err != nil {
		return nil, err
	}
	return d.Runtime.Subscribe(ctx, channelID, subscribeFrame(sub), unsubscribeFrame(sub))
}

func (d *Driver) WatchOrderBook(ctx context.Context, symbol string) (*driver.Sequence[schema.OrderBook], error) {
	if err := d.Require(driver.FeatureWatchOrderBook); err != nil {
		return nil, err
	}
	coin := d.SymbolToVenue(symbol)
	seq, err := d.watch(ctx, "l2Book:"+coin, map[string]any{"type": "l2Book", "coin": coin})
	if err != nil {
		return nil, err
	}
	canonical := canonicalSymbol(coin)
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.OrderBook, error) {
		var book l2Book
		if err := json.Unmarshal(raw, &book); err != nil {
			return schema.OrderBook{}, err
		}
		return book.normalize(canonical), nil
	}, d.Logger), nil
}

func (d *Driver) WatchTrades(ctx context.Context, symbol string) (*driver.Sequence[schema.Trade], error) {
	if err := d.Require(driver.FeatureWatchTrades); err != nil {
		return nil, err
	}
	coin := d.SymbolToVenue(symbol)
	seq, err := d.watch(ctx, "trades:"+coin, map[string]any{"type": "trades", "coin": coin})
	if err != nil {
		return nil, err
	}
	canonical := canonicalSymbol(coin)
	return driver.NewBatchSequence(seq, func(raw json.RawMessage) ([]schema.Trade, error) {
		var rows []venueTrade
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, err
		}
		out := make([]schema.Trade, 0, len(rows))
		for _, row := range rows {
			out = append(out, row.normalize(canonical))
		}
		return out, nil
	}, d.Logger), nil
}

// activeCtxFrame is the per-asset market state push.
type activeCtxFrame struct {
	Coin string   `json:"coin"`
	Ctx  assetCtx `json:"ctx"`
}

func (d *Driver) WatchTicker(ctx context.Context, symbol string) (*driver.Sequence[schema.Ticker], error) {
	if err := d.Require(driver.FeatureWatchTicker); err != nil {
		return nil, err
	}
	coin := d.SymbolToVenue(symbol)
	seq, err := d.watch(ctx, "activeAssetCtx:"+coin,
		map[string]any{"type": "activeAssetCtx", "coin": coin})
	if err != nil {
		return nil, err
	}
	canonical := canonicalSymbol(coin)
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.Ticker, error) {
		var frame activeCtxFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return schema.Ticker{}, err
		}
		return frame.Ctx.normalizeTicker(canonical, nowMilli()), nil
	}, d.Logger), nil
}

func (d *Driver) WatchFundingRate(ctx context.Context, symbol string) (*driver.Sequence[schema.FundingRate], error) {
	if err := d.Require(driver.FeatureWatchFundingRate); err != nil {
		return nil, err
	}
	coin := d.SymbolToVenue(symbol)
	seq, err := d.watch(ctx, "activeAssetCtx:"+coin,
		map[string]any{"type": "activeAssetCtx", "coin": coin})
	if err != nil {
		return nil, err
	}
	canonical := canonicalSymbol(coin)
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.FundingRate, error) {
		var frame activeCtxFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return schema.FundingRate{}, err
		}
		return frame.Ctx.normalizeFunding(canonical, nowMilli()), nil
	}, d.Logger), nil
}

func (d *Driver) WatchOHLCV(ctx context.Context, symbol, timeframe string) (*driver.Sequence[schema.OHLCV], error) {
	if err := d.Require(driver.FeatureWatchOHLCV); err != nil {
		return nil, err
	}
	coin := d.SymbolToVenue(symbol)
	seq, err := d.watch(ctx, "candle:"+coin+":"+timeframe,
		map[string]any{"type": "candle", "coin": coin, "interval": timeframe})
	if err != nil {
		return nil, err
	}
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.OHLCV, error) {
		var c candle
		if err := json.Unmarshal(raw, &c); err != nil {
			return schema.OHLCV{}, err
		}
		return c.normalize(), nil
	}, d.Logger), nil
}

// orderUpdateRow pairs the order with its lifecycle status.
type orderUpdateRow struct {
	Order           venueOrder `json:"order"`
	Status          string     `json:"status"`
	StatusTimestamp int64      `json:"statusTimestamp"`
}

// WatchOrders subscribes to the account's order lifecycle. Subscriptions
// are keyed by wallet address; no per-frame authentication is required.
func (d *Driver) WatchOrders(ctx context.Context) (*driver.Sequence[schema.Order], error) {
	if err := d.Require(driver.FeatureWatchOrders); err != nil {
		return nil, err
	}
	if err := d.requireAccount(); err != nil {
		return nil, err
	}
	seq, err := d.watch(ctx, "orderUpdates",
		map[string]any{"type": "orderUpdates", "user": d.account})
	if err != nil {
		return nil, err
	}
	return driver.NewBatchSequence(seq, func(raw json.RawMessage) ([]schema.Order, error) {
		var rows []orderUpdateRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, err
		}
		out := make([]schema.Order, 0, len(rows))
		for _, row := range rows {
			order := row.Order.normalize(row.Status, nil)
			if row.StatusTimestamp > 0 {
				order.Timestamp = row.StatusTimestamp
			}
			out = append(out, order)
		}
		return out, nil
	}, d.Logger), nil
}

func (d *Driver) WatchMyTrades(ctx context.Context, symbol string) (*driver.Sequence[schema.Trade], error) {
	if err := d.Require(driver.FeatureWatchMyTrades); err != nil {
		return nil, err
	}
	if err := d.requireAccount(); err != nil {
		return nil, err
	}
	seq, err := d.watch(ctx, "userFills",
		map[string]any{"type": "userFills", "user": d.account})
	if err != nil {
		return nil, err
	}
	upper := strings.ToUpper(symbol)
	return driver.NewBatchSequence(seq, func(raw json.RawMessage) ([]schema.Trade, error) {
		var body struct {
			Fills []venueTrade `json:"fills"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		out := make([]schema.Trade, 0, len(body.Fills))
		for _, fill := range body.Fills {
			trade := fill.normalize(canonicalSymbol(fill.Coin))
			if upper != "" && trade.Symbol != upper {
				continue
			}
			out = append(out, trade)
		}
		return out, nil
	}, d.Logger), nil
}
