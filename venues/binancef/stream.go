package binancef

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/perpgate/perpgate/driver"
	"github.com/perpgate/perpgate/errs"
	"github.com/perpgate/perpgate/internal/rest"
	"github.com/perpgate/perpgate/observability"
	"github.com/perpgate/perpgate/schema"
	"github.com/perpgate/perpgate/stream"
)

// listenKeyKeepAlive is half the venue's 60-minute listen key validity.
const listenKeyKeepAlive = 30 * time.Minute

var wsRequestID atomic.Int64

type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func subscribeFrame(name string) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) {
		return json.Marshal(wsCommand{
			Method: "SUBSCRIBE",
			Params: []string{name},
			ID:     wsRequestID.Add(1),
		})
	}
}

func unsubscribeFrame(name string) func() []byte {
	return func() []byte {
		payload, err := json.Marshal(wsCommand{
			Method: "UNSUBSCRIBE",
			Params: []string{name},
			ID:     wsRequestID.Add(1),
		})
		if err != nil {
			return nil
		}
		return payload
	}
}

// combinedFrame is the combined-stream envelope. Frames without a stream
// name are command acknowledgements.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func newMarketRuntime(d *Driver) *stream.Runtime {
	url := mainnetMarketWS
	if d.Config().Testnet {
		url = testnetMarketWS
	}
	return stream.New(venueID, stream.Config{
		URL: url,
		Route: func(raw []byte) (string, json.RawMessage, bool) {
			var frame combinedFrame
			if json.Unmarshal(raw, &frame) != nil || frame.Stream == "" {
				return "", nil, false
			}
			return frame.Stream, frame.Data, true
		},
	}, d.Metrics, d.Logger)
}

// watchMarket connects lazily and registers one combined-stream channel.
func (d *Driver) watchMarket(ctx context.Context, name string) (*stream.Sequence, error) {
	if err := d.Runtime.Connect(ctx); err != nil {
		return nil, err
	}
	return d.Runtime.Subscribe(ctx, name, subscribeFrame(name), unsubscribeFrame(name))
}

func (d *Driver) streamSymbol(symbol string) string {
	return strings.ToLower(d.SymbolToVenue(symbol))
}

func (d *Driver) WatchOrderBook(ctx context.Context, symbol string) (*driver.Sequence[schema.OrderBook], error) {
	if err := d.Require(driver.FeatureWatchOrderBook); err != nil {
		return nil, err
	}
	upper := strings.ToUpper(symbol)
	seq, err := d.watchMarket(ctx, d.streamSymbol(symbol)+"@depth20@100ms")
	if err != nil {
		return nil, err
	}
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.OrderBook, error) {
		var ev wsDepth
		if err := json.Unmarshal(raw, &ev); err != nil {
			return schema.OrderBook{}, err
		}
		return ev.normalize(upper), nil
	}, d.Logger), nil
}

func (d *Driver) WatchTrades(ctx context.Context, symbol string) (*driver.Sequence[schema.Trade], error) {
	if err := d.Require(driver.FeatureWatchTrades); err != nil {
		return nil, err
	}
	upper := strings.ToUpper(symbol)
	seq, err := d.watchMarket(ctx, d.streamSymbol(symbol)+"@aggTrade")
	if err != nil {
		return nil, err
	}
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.Trade, error) {
		var ev wsAggTrade
		if err := json.Unmarshal(raw, &ev); err != nil {
			return schema.Trade{}, err
		}
		return ev.normalize(upper), nil
	}, d.Logger), nil
}

func (d *Driver) WatchTicker(ctx context.Context, symbol string) (*driver.Sequence[schema.Ticker], error) {
	if err := d.Require(driver.FeatureWatchTicker); err != nil {
		return nil, err
	}
	upper := strings.ToUpper(symbol)
	seq, err := d.watchMarket(ctx, d.streamSymbol(symbol)+"@ticker")
	if err != nil {
		return nil, err
	}
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.Ticker, error) {
		var ev wsTicker
		if err := json.Unmarshal(raw, &ev); err != nil {
			return schema.Ticker{}, err
		}
		return ev.normalize(upper), nil
	}, d.Logger), nil
}

func (d *Driver) WatchOHLCV(ctx context.Context, symbol, timeframe string) (*driver.Sequence[schema.OHLCV], error) {
	if err := d.Require(driver.FeatureWatchOHLCV); err != nil {
		return nil, err
	}
	seq, err := d.watchMarket(ctx, d.streamSymbol(symbol)+"@kline_"+timeframe)
	if err != nil {
		return nil, err
	}
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.OHLCV, error) {
		var ev wsKline
		if err := json.Unmarshal(raw, &ev); err != nil {
			return schema.OHLCV{}, err
		}
		return ev.normalize(), nil
	}, d.Logger), nil
}

func (d *Driver) WatchFundingRate(ctx context.Context, symbol string) (*driver.Sequence[schema.FundingRate], error) {
	if err := d.Require(driver.FeatureWatchFundingRate); err != nil {
		return nil, err
	}
	upper := strings.ToUpper(symbol)
	seq, err := d.watchMarket(ctx, d.streamSymbol(symbol)+"@markPrice")
	if err != nil {
		return nil, err
	}
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.FundingRate, error) {
		var ev wsMarkPrice
		if err := json.Unmarshal(raw, &ev); err != nil {
			return schema.FundingRate{}, err
		}
		return ev.normalize(upper), nil
	}, d.Logger), nil
}

// userRuntime starts the listen-key socket on first use. The key is fetched
// fresh, baked into the dial URL, and kept alive on a half-validity timer.
func (d *Driver) userRuntime(ctx context.Context) (*stream.Runtime, error) {
	d.userMu.Lock()
	defer d.userMu.Unlock()
	if d.user != nil {
		return d.user, nil
	}

	key, err := d.createListenKey(ctx)
	if err != nil {
		return nil, err
	}
	base := mainnetUserWS
	if d.Config().Testnet {
		base = testnetUserWS
	}
	rt := stream.New(venueID, stream.Config{
		URL: base + key,
		Route: func(raw []byte) (string, json.RawMessage, bool) {
			var ev struct {
				Event string `json:"e"`
			}
			if json.Unmarshal(raw, &ev) != nil || ev.Event == "" {
				return "", nil, false
			}
			return ev.Event, raw, true
		},
	}, d.Metrics, d.Logger)
	if err := rt.Connect(ctx); err != nil {
		return nil, err
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	go d.keepListenKeyAlive(keepCtx)
	d.user = rt
	d.userStop = cancel
	return rt, nil
}

// listenKey endpoints authenticate with the API key header alone.
func (d *Driver) listenKeyRequest(ctx context.Context, method string) (*rest.Response, error) {
	if !d.signer.HasCredentials() {
		return nil, errs.New(venueID, errs.KindInsufficientPermissions,
			errs.WithMessage("api credentials required"))
	}
	if err := d.AcquireToken(ctx, "listenKey", 0); err != nil {
		return nil, err
	}
	resp, err := d.rest.Do(ctx, rest.Request{
		Method:   method,
		Path:     "/fapi/v1/listenKey",
		Headers:  d.signer.Headers(),
		Endpoint: "listenKey",
	})
	if err != nil {
		return nil, d.mapVenueError(err)
	}
	return resp, nil
}

func (d *Driver) createListenKey(ctx context.Context) (string, error) {
	resp, err := d.listenKeyRequest(ctx, http.MethodPost)
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil || out.ListenKey == "" {
		return "", d.decodeErr("listenKey", err)
	}
	return out.ListenKey, nil
}

func (d *Driver) keepListenKeyAlive(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.listenKeyRequest(ctx, http.MethodPut); err != nil {
				d.Logger.Warn("listen key keep-alive failed",
					observability.F("error", err.Error()))
			}
		}
	}
}

// watchUser registers a consumer on one user-data event type. The socket
// authenticates through its URL, so channels carry no subscribe frame.
func (d *Driver) watchUser(ctx context.Context, event string) (*stream.Sequence, error) {
	rt, err := d.userRuntime(ctx)
	if err != nil {
		return nil, err
	}
	return rt.Subscribe(ctx, event,
		func(context.Context) ([]byte, error) { return nil, nil }, nil)
}

func (d *Driver) WatchOrders(ctx context.Context) (*driver.Sequence[schema.Order], error) {
	if err := d.Require(driver.FeatureWatchOrders); err != nil {
		return nil, err
	}
	seq, err := d.watchUser(ctx, "ORDER_TRADE_UPDATE")
	if err != nil {
		return nil, err
	}
	return driver.NewSequence(seq, func(raw json.RawMessage) (schema.Order, error) {
		var ev wsOrderUpdate
		if err := json.Unmarshal(raw, &ev); err != nil {
			return schema.Order{}, err
		}
		return ev.normalizeOrder(d.SymbolFromVenue(ev.Order.Symbol), raw), nil
	}, d.Logger), nil
}

func (d *Driver) WatchMyTrades(ctx context.Context, symbol string) (*driver.Sequence[schema.Trade], error) {
	if err := d.Require(driver.FeatureWatchMyTrades); err != nil {
		return nil, err
	}
	upper := strings.ToUpper(symbol)
	seq, err := d.watchUser(ctx, "ORDER_TRADE_UPDATE")
	if err != nil {
		return nil, err
	}
	return driver.NewBatchSequence(seq, func(raw json.RawMessage) ([]schema.Trade, error) {
		var ev wsOrderUpdate
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		canonical := d.SymbolFromVenue(ev.Order.Symbol)
		if upper != "" && canonical != upper {
			return nil, nil
		}
		trade, ok := ev.normalizeFill(canonical)
		if !ok {
			return nil, nil
		}
		return []schema.Trade{trade}, nil
	}, d.Logger), nil
}

func (d *Driver) WatchPositions(ctx context.Context) (*driver.Sequence[schema.Position], error) {
	if err := d.Require(driver.FeatureWatchPositions); err != nil {
		return nil, err
	}
	seq, err := d.watchUser(ctx, "ACCOUNT_UPDATE")
	if err != nil {
		return nil, err
	}
	return driver.NewBatchSequence(seq, func(raw json.RawMessage) ([]schema.Position, error) {
		var ev wsAccountUpdate
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		out := make([]schema.Position, 0, len(ev.Data.Positions))
		for _, p := range ev.Data.Positions {
			out = append(out, p.normalize(d.SymbolFromVenue(p.Symbol), ev.EventTime))
		}
		return out, nil
	}, d.Logger), nil
}

func (d *Driver) WatchBalance(ctx context.Context) (*driver.Sequence[schema.Balance], error) {
	if err := d.Require(driver.FeatureWatchBalance); err != nil {
		return nil, err
	}
	seq, err := d.watchUser(ctx, "ACCOUNT_UPDATE")
	if err != nil {
		return nil, err
	}
	return driver.NewBatchSequence(seq, func(raw json.RawMessage) ([]schema.Balance, error) {
		var ev wsAccountUpdate
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		out := make([]schema.Balance, 0, len(ev.Data.Balances))
		for _, b := range ev.Data.Balances {
			out = append(out, b.normalize())
		}
		return out, nil
	}, d.Logger), nil
}
