package backpack

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/perpgate/perpgate/driver"
	"github.com/perpgate/perpgate/schema"
	"github.com/perpgate/perpgate/stream"
)

type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// wsEnvelope is the server push frame; the stream name keys the channel.
type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func newRuntime(d *Driver) *stream.Runtime {
	return stream.New(venueID, stream.Config{
		URL: baseWS,
		Route: func(raw []byte) (string, json.RawMessage, bool) {
			var env wsEnvelope
			if json.Unmarshal(raw, &env) != nil || env.Stream == "" {
				return "", nil, false
			}
			return env.Stream, env.Data, true
		},
		// The session token authorizes account streams; it is refetched
		// whenever it nears expiry, so reconnects never reuse stale auth.
		OnConnect: func(ctx context.Context, send func(context.Context, []byte) error) error {
			if d.signer == nil || !d.signer.HasCredentials() {
				return nil
			}
			token, err := d.session.Current(ctx)
			if err != nil {
				return err
			}
			frame, err := json.Marshal(wsCommand{Method: "AUTH", Params: []string{token}})
			if err != nil {
				return err
			}
			return send(ctx, frame)
		},
	}, d.Metrics, d.Logger)
}

// fetchSessionToken trades a signed REST call for a WebSocket session token.
func (d *Driver) fetchSessionToken(ctx context.Context) (string, time.Time, error) {
	resp, err := d.signedRequest(ctx, http.MethodPost, "/api/v1/ws/session", "wsSession",
		"sessionCreate", nil)
	if err != nil {
		return "", time.Time{}, err
	}
	var out struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil || out.Token == "" {
		return "", time.Time{}, d.decodeErr("ws session", err)
	}
	return out.Token, time.UnixMilli(out.ExpiresAt), nil
}

func subscribeFrame(name string) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) {
		return json.Marshal(wsCommand{Method: "SUBSCRIBE", Params: []string{name}})
	}
}

func unsubscribeFrame(name string) func() []byte {
	return func() []byte {
		payload, err := json.Marshal(wsCommand{Method: "UNSUBSCRIBE", Params: []string{name}})
		if err != nil {
			return nil
		}
		return payload
	}
}

func (d *Driver) watch(ctx context.Context, name string) (*stream.Sequence, error) {
	if err := d.Runtime.Connect(ctx); err != nil {
		return nil, err
	}
	return d.Runtime.Subscribe(ctx, name, subscribeFrame(name), unsubscribeFrame(name))
}

// wsDepth mirrors the REST depth shape with short field names.
type wsDepth struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Time   int64      `json:"T"`
}

func (d *Driver) WatchOrderBook(ctx context.Context, symbol string) (*driver.Sequence[schema.OrderBook], error) {
	if err := d.Require(driver.FeatureWatchOrderBook); err != nil {
		return nil, err
	}
	upper := strings.ToUpper(symbol)
	seq, err := d.watch(ctx, "depth."+symbolToWire(symbol))
	if err != nil {
		return nil, err
	}
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.OrderBook, error) {
		var ev wsDepth
		if err := json.Unmarshal(raw, &ev); err != nil {
			return schema.OrderBook{}, err
		}
		book := schema.OrderBook{
			Symbol:    upper,
			Timestamp: ev.Time,
			Bids:      schema.ParseLevels(ev.Bids),
			Asks:      schema.ParseLevels(ev.Asks),
			Venue:     venueID,
		}
		book.Normalize()
		return book, nil
	}, d.Logger), nil
}

type wsTrade struct {
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeID      int64  `json:"t"`
	Time         int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (d *Driver) WatchTrades(ctx context.Context, symbol string) (*driver.Sequence[schema.Trade], error) {
	if err := d.Require(driver.FeatureWatchTrades); err != nil {
		return nil, err
	}
	upper := strings.ToUpper(symbol)
	seq, err := d.watch(ctx, "trade."+symbolToWire(symbol))
	if err != nil {
		return nil, err
	}
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.Trade, error) {
		var ev wsTrade
		if err := json.Unmarshal(raw, &ev); err != nil {
			return schema.Trade{}, err
		}
		side := schema.TradeSideBuy
		if ev.IsBuyerMaker {
			side = schema.TradeSideSell
		}
		price := schema.ParseFloat(ev.Price)
		amount := schema.ParseFloat(ev.Quantity)
		return schema.Trade{
			ID:        formatID(ev.TradeID),
			Symbol:    upper,
			Side:      side,
			Price:     price,
			Amount:    amount,
			Cost:      price * amount,
			Timestamp: ev.Time,
		}, nil
	}, d.Logger), nil
}

type wsTicker struct {
	Last        string `json:"c"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	BaseVolume  string `json:"v"`
	QuoteVolume string `json:"V"`
	Time        int64  `json:"E"`
}

func (d *Driver) WatchTicker(ctx context.Context, symbol string) (*driver.Sequence[schema.Ticker], error) {
	if err := d.Require(driver.FeatureWatchTicker); err != nil {
		return nil, err
	}
	upper := strings.ToUpper(symbol)
	seq, err := d.watch(ctx, "ticker."+symbolToWire(symbol))
	if err != nil {
		return nil, err
	}
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.Ticker, error) {
		var ev wsTicker
		if err := json.Unmarshal(raw, &ev); err != nil {
			return schema.Ticker{}, err
		}
		last := schema.ParseFloat(ev.Last)
		open := schema.ParseFloat(ev.Open)
		t := schema.Ticker{
			Symbol:      upper,
			Last:        last,
			Close:       last,
			Open:        open,
			High:        schema.ParseFloat(ev.High),
			Low:         schema.ParseFloat(ev.Low),
			BaseVolume:  schema.ParseFloat(ev.BaseVolume),
			QuoteVolume: schema.ParseFloat(ev.QuoteVolume),
			Timestamp:   ev.Time,
		}
		if open > 0 {
			t.Change = last - open
			t.Percentage = t.Change / open * 100
		}
		return t, nil
	}, d.Logger), nil
}

type wsKline struct {
	Start  int64  `json:"t"`
	Open   string `json:"o"`
	High   string `json:"h"`
	Low    string `json:"l"`
	Close  string `json:"c"`
	Volume string `json:"v"`
}

func (d *Driver) WatchOHLCV(ctx context.Context, symbol, timeframe string) (*driver.Sequence[schema.OHLCV], error) {
	if err := d.Require(driver.FeatureWatchOHLCV); err != nil {
		return nil, err
	}
	seq, err := d.watch(ctx, "kline."+timeframe+"."+symbolToWire(symbol))
	if err != nil {
		return nil, err
	}
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.OHLCV, error) {
		var ev wsKline
		if err := json.Unmarshal(raw, &ev); err != nil {
			return schema.OHLCV{}, err
		}
		return schema.OHLCV{
			Timestamp: ev.Start,
			Open:      schema.ParseFloat(ev.Open),
			High:      schema.ParseFloat(ev.High),
			Low:       schema.ParseFloat(ev.Low),
			Close:     schema.ParseFloat(ev.Close),
			Volume:    schema.ParseFloat(ev.Volume),
		}, nil
	}, d.Logger), nil
}

type wsMarkPrice struct {
	MarkPrice   string `json:"p"`
	IndexPrice  string `json:"i"`
	FundingRate string `json:"f"`
	NextFunding int64  `json:"n"`
	Time        int64  `json:"E"`
}

func (d *Driver) WatchFundingRate(ctx context.Context, symbol string) (*driver.Sequence[schema.FundingRate], error) {
	if err := d.Require(driver.FeatureWatchFundingRate); err != nil {
		return nil, err
	}
	upper := strings.ToUpper(symbol)
	seq, err := d.watch(ctx, "markPrice."+symbolToWire(symbol))
	if err != nil {
		return nil, err
	}
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.FundingRate, error) {
		var ev wsMarkPrice
		if err := json.Unmarshal(raw, &ev); err != nil {
			return schema.FundingRate{}, err
		}
		return schema.FundingRate{
			Symbol:               upper,
			FundingRate:          schema.ParseFloat(ev.FundingRate),
			FundingTimestamp:     ev.Time,
			NextFundingTimestamp: ev.NextFunding,
			MarkPrice:            schema.ParseFloat(ev.MarkPrice),
			IndexPrice:           schema.ParseFloat(ev.IndexPrice),
			FundingIntervalHours: 8,
		}, nil
	}, d.Logger), nil
}

// wsOrderUpdate is the account order-update event.
type wsOrderUpdate struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	OrderID   string `json:"i"`
	ClientID  int64  `json:"c"`
	Side      string `json:"S"`
	OrderType string `json:"o"`
	Quantity  string `json:"q"`
	Price     string `json:"p"`
	Status    string `json:"X"`
	FilledQty string `json:"z"`
	Time      int64  `json:"E"`
}

func (d *Driver) WatchOrders(ctx context.Context) (*driver.Sequence[schema.Order], error) {
	if err := d.Require(driver.FeatureWatchOrders); err != nil {
		return nil, err
	}
	seq, err := d.watch(ctx, "account.orderUpdate")
	if err != nil {
		return nil, err
	}
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.Order, error) {
		var ev wsOrderUpdate
		if err := json.Unmarshal(raw, &ev); err != nil {
			return schema.Order{}, err
		}
		wire := venueOrder{
			ID:               ev.OrderID,
			ClientID:         ev.ClientID,
			Symbol:           ev.Symbol,
			Side:             ev.Side,
			OrderType:        ev.OrderType,
			Price:            ev.Price,
			Quantity:         ev.Quantity,
			ExecutedQuantity: ev.FilledQty,
			Status:           ev.Status,
			CreatedAt:        ev.Time,
		}
		return wire.normalize(raw), nil
	}, d.Logger), nil
}
