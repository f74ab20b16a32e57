// Package backpack implements the Ed25519 instruction-signing venue driver.
// Every private call names an instruction; the signature covers the
// alphabetized request parameters plus the timestamp and receive window.
package backpack

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/perpgate/perpgate/config"
	"github.com/perpgate/perpgate/driver"
	"github.com/perpgate/perpgate/errs"
	"github.com/perpgate/perpgate/internal/rest"
	"github.com/perpgate/perpgate/schema"
	"github.com/perpgate/perpgate/sign"
)

const (
	venueID     = "backpack"
	displayName = "Backpack Exchange"

	baseREST = "https://api.backpack.exchange"
	baseWS   = "wss://ws.backpack.exchange"
)

var endpointWeights = map[string]int{
	"markets":    1,
	"ticker":     1,
	"tickers":    2,
	"depth":      1,
	"trades":     1,
	"klines":     2,
	"markPrices": 1,
	"funding":    1,
	"order":      1,
	"orders":     2,
	"fills":      2,
	"position":   2,
	"capital":    2,
	"wsSession":  1,
}

func capabilities() driver.Capabilities {
	return driver.Capabilities{
		driver.FeatureFetchMarkets:            driver.SupportNative,
		driver.FeatureFetchTicker:             driver.SupportNative,
		driver.FeatureFetchTickers:            driver.SupportNative,
		driver.FeatureFetchOrderBook:          driver.SupportNative,
		driver.FeatureFetchTrades:             driver.SupportNative,
		driver.FeatureFetchOHLCV:              driver.SupportNative,
		driver.FeatureFetchFundingRate:        driver.SupportNative,
		driver.FeatureFetchFundingRateHistory: driver.SupportNative,
		driver.FeatureCreateOrder:             driver.SupportNative,
		driver.FeatureCancelOrder:             driver.SupportNative,
		driver.FeatureCancelAllOrders:         driver.SupportNative,
		driver.FeatureCreateBatchOrders:       driver.SupportEmulated,
		driver.FeatureCancelBatchOrders:       driver.SupportEmulated,
		driver.FeatureFetchPositions:          driver.SupportNative,
		driver.FeatureFetchBalance:            driver.SupportNative,
		driver.FeatureFetchOpenOrders:         driver.SupportNative,
		driver.FeatureFetchOrder:              driver.SupportNative,
		driver.FeatureFetchOrderHistory:       driver.SupportNative,
		driver.FeatureFetchMyTrades:           driver.SupportNative,
		driver.FeatureWatchOrderBook:          driver.SupportNative,
		driver.FeatureWatchTrades:             driver.SupportNative,
		driver.FeatureWatchTicker:             driver.SupportNative,
		driver.FeatureWatchOHLCV:              driver.SupportNative,
		driver.FeatureWatchFundingRate:        driver.SupportNative,
		driver.FeatureWatchOrders:             driver.SupportNative,
		driver.FeatureFetchStatus:             driver.SupportEmulated,
	}
}

func init() {
	driver.Register(venueID, func(cfg config.Config) (driver.Driver, error) {
		return New(cfg)
	})
}

// Driver authenticates with an Ed25519 keypair; the base64 public key is the
// API identity. Private WebSocket streams ride on a short-lived session token.
type Driver struct {
	*driver.Base
	rest    *rest.Client
	signer  *sign.InstructionSigner
	session *sign.Session
	mapper  *errs.Mapper
}

func New(cfg config.Config) (*Driver, error) {
	cfg = cfg.Normalize()
	if cfg.RateLimit.Weights == nil {
		cfg.RateLimit.Weights = endpointWeights
	}

	d := &Driver{
		Base:   driver.NewBase(venueID, displayName, capabilities(), cfg, nil, nil),
		mapper: newMapper(),
	}
	if secret := strings.TrimSpace(cfg.APISecret); secret != "" {
		signer, err := sign.NewInstructionSigner(secret, 0)
		if err != nil {
			return nil, err
		}
		d.signer = signer
	}
	d.session = sign.NewSession(30*time.Second, d.fetchSessionToken)

	d.rest = rest.New(venueID, rest.Config{
		BaseURL: baseREST,
		Timeout: cfg.Timeout,
		Jitter:  true,
	}, d.Breaker, d.Metrics, d.Logger)
	d.Runtime = newRuntime(d)
	d.Bind(d)
	return d, nil
}

// Initialize verifies the key against the balance query when present.
func (d *Driver) Initialize(ctx context.Context) error {
	if d.Initialized() {
		return nil
	}
	if d.signer != nil && d.signer.HasCredentials() {
		if _, err := d.FetchBalance(ctx); err != nil {
			return err
		}
	}
	return d.Base.Initialize(ctx)
}

func (d *Driver) SymbolToVenue(symbol string) string { return symbolToWire(symbol) }

func (d *Driver) SymbolFromVenue(wire string) string { return symbolFromWire(wire) }

func newMapper() *errs.Mapper {
	return errs.NewMapper(venueID).
		Code("INSUFFICIENT_FUNDS", errs.KindInsufficientBalance).
		Code("INSUFFICIENT_MARGIN", errs.KindInsufficientMargin).
		Code("INVALID_ORDER", errs.KindInvalidOrder).
		Code("INVALID_SIGNATURE", errs.KindInvalidSignature).
		Code("INVALID_SYMBOL", errs.KindInvalidSymbol).
		Code("RESOURCE_NOT_FOUND", errs.KindOrderNotFound).
		Code("ORDER_REJECTED", errs.KindOrderRejected).
		Code("INVALID_CLIENT_REQUEST", errs.KindInvalidParameter).
		Code("TIMESTAMP_OUT_OF_WINDOW", errs.KindExpiredAuth).
		Contains("below the minimum", errs.KindMinimumOrderSize).
		Fallback(errs.KindUnknown)
}

// venueError is the REST failure envelope with a string code.
type venueError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (d *Driver) refineError(err error) error {
	e, ok := errs.AsE(err)
	if !ok || e.HTTP == 0 || e.Message == "" {
		return err
	}
	var ve venueError
	if json.Unmarshal([]byte(e.Message), &ve) != nil || ve.Code == "" {
		return err
	}
	mapped := d.mapper.Map(ve.Code, ve.Message,
		errs.WithHTTP(e.HTTP),
		errs.WithCorrelationID(e.CorrelationID),
		errs.WithCause(err))
	if mapped.Kind == errs.KindUnknown {
		mapped.Kind = e.Kind
	}
	if e.RetryAfter > 0 {
		mapped.RetryAfter = e.RetryAfter
	}
	return mapped
}

func (d *Driver) publicRequest(ctx context.Context, path, endpoint string, params map[string]string) (*rest.Response, error) {
	if err := d.AcquireToken(ctx, endpoint, 0); err != nil {
		return nil, err
	}
	req := rest.Request{Method: http.MethodGet, Path: path, Endpoint: endpoint}
	if len(params) > 0 {
		req.Query = make(map[string][]string, len(params))
		for k, v := range params {
			req.Query[k] = []string{v}
		}
	}
	resp, err := d.rest.Do(ctx, req)
	if err != nil {
		return nil, d.refineError(err)
	}
	return resp, nil
}

// signedRequest signs the instruction over the request parameters. GET and
// DELETE carry the parameters in the query; POST carries them as JSON.
func (d *Driver) signedRequest(ctx context.Context, method, path, endpoint, instruction string, params map[string]string) (*rest.Response, error) {
	if d.signer == nil || !d.signer.HasCredentials() {
		return nil, errs.New(venueID, errs.KindInsufficientPermissions,
			errs.WithMessage("api credentials required"))
	}
	if err := d.AcquireToken(ctx, endpoint, 0); err != nil {
		return nil, err
	}
	signed, err := d.signer.Sign(&sign.Request{Instruction: instruction, Params: params})
	if err != nil {
		return nil, err
	}

	req := rest.Request{
		Method:   method,
		Path:     path,
		Headers:  signed.Headers,
		Endpoint: endpoint,
	}
	if method == http.MethodPost {
		body, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Body = body
	} else if len(params) > 0 {
		req.Query = make(map[string][]string, len(params))
		for k, v := range params {
			req.Query[k] = []string{v}
		}
	}
	resp, err := d.rest.Do(ctx, req)
	if err != nil {
		return nil, d.refineError(err)
	}
	return resp, nil
}

func (d *Driver) decodeErr(what string, cause error) error {
	return errs.New(venueID, errs.KindValidation,
		errs.WithMessage("decode "+what), errs.WithCause(cause))
}

func (d *Driver) FetchMarkets(ctx context.Context) ([]schema.Market, error) {
	return d.CachedMarkets(ctx, func(ctx context.Context) ([]schema.Market, error) {
		resp, err := d.publicRequest(ctx, "/api/v1/markets", "markets", nil)
		if err != nil {
			return nil, err
		}
		var rows []venueMarket
		if err := json.Unmarshal(resp.Body, &rows); err != nil {
			return nil, d.decodeErr("markets", err)
		}
		markets := make([]schema.Market, 0, len(rows))
		for _, row := range rows {
			if row.MarketType != "PERP" {
				continue
			}
			markets = append(markets, row.normalize())
		}
		return markets, nil
	})
}

func (d *Driver) FetchTicker(ctx context.Context, symbol string) (*schema.Ticker, error) {
	resp, err := d.publicRequest(ctx, "/api/v1/ticker", "ticker",
		map[string]string{"symbol": symbolToWire(symbol)})
	if err != nil {
		return nil, err
	}
	var t venueTicker
	if err := json.Unmarshal(resp.Body, &t); err != nil {
		return nil, d.decodeErr("ticker", err)
	}
	ticker := t.normalize(strings.ToUpper(symbol), time.Now().UnixMilli())
	ticker.Raw = resp.Body
	return &ticker, nil
}

func (d *Driver) FetchTickers(ctx context.Context, symbols []string) ([]schema.Ticker, error) {
	resp, err := d.publicRequest(ctx, "/api/v1/tickers", "tickers", nil)
	if err != nil {
		return nil, err
	}
	var rows []venueTicker
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		return nil, d.decodeErr("tickers", err)
	}
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[strings.ToUpper(s)] = true
	}
	now := time.Now().UnixMilli()
	out := make([]schema.Ticker, 0, len(rows))
	for _, row := range rows {
		symbol := symbolFromWire(row.Symbol)
		if !strings.Contains(row.Symbol, "_PERP") {
			continue
		}
		if len(wanted) > 0 && !wanted[symbol] {
			continue
		}
		out = append(out, row.normalize(symbol, now))
	}
	return out, nil
}

func (d *Driver) FetchOrderBook(ctx context.Context, symbol string, limit int) (*schema.OrderBook, error) {
	resp, err := d.publicRequest(ctx, "/api/v1/depth", "depth",
		map[string]string{"symbol": symbolToWire(symbol)})
	if err != nil {
		return nil, err
	}
	var depth depthPayload
	if err := json.Unmarshal(resp.Body, &depth); err != nil {
		return nil, d.decodeErr("depth", err)
	}
	book := depth.normalize(strings.ToUpper(symbol))
	if limit > 0 {
		if len(book.Bids) > limit {
			book.Bids = book.Bids[:limit]
		}
		if len(book.Asks) > limit {
			book.Asks = book.Asks[:limit]
		}
	}
	return &book, nil
}

func (d *Driver) FetchTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error) {
	params := map[string]string{"symbol": symbolToWire(symbol)}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	resp, err := d.publicRequest(ctx, "/api/v1/trades", "trades", params)
	if err != nil {
		return nil, err
	}
	var rows []venueTrade
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		return nil, d.decodeErr("trades", err)
	}
	upper := strings.ToUpper(symbol)
	out := make([]schema.Trade, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.normalize(upper))
	}
	return out, nil
}

func (d *Driver) FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]schema.OHLCV, error) {
	params := map[string]string{
		"symbol":   symbolToWire(symbol),
		"interval": timeframe,
	}
	if since > 0 {
		params["startTime"] = strconv.FormatInt(since/1000, 10)
	}
	resp, err := d.publicRequest(ctx, "/api/v1/klines", "klines", params)
	if err != nil {
		return nil, err
	}
	var rows []venueKline
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		return nil, d.decodeErr("klines", err)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]schema.OHLCV, 0, len(rows))
	for _, row := range rows {
		start, err := time.Parse("2006-01-02 15:04:05", row.Start)
		if err != nil {
			continue
		}
		out = append(out, schema.OHLCV{
			Timestamp: start.UnixMilli(),
			Open:      schema.ParseFloat(row.Open),
			High:      schema.ParseFloat(row.High),
			Low:       schema.ParseFloat(row.Low),
			Close:     schema.ParseFloat(row.Close),
			Volume:    schema.ParseFloat(row.Volume),
		})
	}
	return out, nil
}

func (d *Driver) FetchFundingRate(ctx context.Context, symbol string) (*schema.FundingRate, error) {
	resp, err := d.publicRequest(ctx, "/api/v1/markPrices", "markPrices",
		map[string]string{"symbol": symbolToWire(symbol)})
	if err != nil {
		return nil, err
	}
	var rows []markPrice
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		return nil, d.decodeErr("markPrices", err)
	}
	if len(rows) == 0 {
		return nil, errs.New(venueID, errs.KindInvalidSymbol,
			errs.WithMessage("no mark price for "+symbol))
	}
	rate := rows[0].normalize(strings.ToUpper(symbol), time.Now().UnixMilli())
	return &rate, nil
}

func (d *Driver) FetchFundingRateHistory(ctx context.Context, symbol string, limit int) ([]schema.FundingRate, error) {
	params := map[string]string{"symbol": symbolToWire(symbol)}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	resp, err := d.publicRequest(ctx, "/api/v1/fundingRates", "funding", params)
	if err != nil {
		return nil, err
	}
	var rows []fundingHistoryRow
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		return nil, d.decodeErr("fundingRates", err)
	}
	upper := strings.ToUpper(symbol)
	out := make([]schema.FundingRate, 0, len(rows))
	for _, row := range rows {
		ts := int64(0)
		if end, err := time.Parse(time.RFC3339, row.IntervalEnd); err == nil {
			ts = end.UnixMilli()
		}
		out = append(out, schema.FundingRate{
			Symbol:               upper,
			FundingRate:          schema.ParseFloat(row.FundingRate),
			FundingTimestamp:     ts,
			FundingIntervalHours: 8,
		})
	}
	return out, nil
}

var sideToWire = map[schema.OrderSide]string{
	schema.OrderSideBuy:  "Bid",
	schema.OrderSideSell: "Ask",
}

var orderTypeToWire = map[schema.OrderType]string{
	schema.OrderTypeMarket:     "Market",
	schema.OrderTypeLimit:      "Limit",
	schema.OrderTypeStopMarket: "StopMarket",
	schema.OrderTypeStopLimit:  "StopLimit",
}

func (d *Driver) CreateOrder(ctx context.Context, req schema.OrderRequest) (*schema.Order, error) {
	normalized, err := d.ValidateOrderRequest(req)
	if err != nil {
		return nil, err
	}
	params := map[string]string{
		"symbol":    symbolToWire(normalized.Symbol),
		"side":      sideToWire[normalized.Side],
		"orderType": orderTypeToWire[normalized.Type],
		"quantity":  formatAmount(normalized.Amount),
	}
	if normalized.Price > 0 {
		params["price"] = formatAmount(normalized.Price)
	}
	if normalized.StopPrice > 0 {
		params["triggerPrice"] = formatAmount(normalized.StopPrice)
	}
	if normalized.TimeInForce == schema.TimeInForcePO {
		params["postOnly"] = "true"
	} else if normalized.TimeInForce != "" && normalized.Type != schema.OrderTypeMarket {
		params["timeInForce"] = string(normalized.TimeInForce)
	}
	if normalized.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if normalized.ClientOrderID != "" {
		params["clientId"] = normalized.ClientOrderID
	}

	resp, err := d.signedRequest(ctx, http.MethodPost, "/api/v1/order", "order", "orderExecute", params)
	if err != nil {
		return nil, err
	}
	return d.decodeOrder(resp.Body)
}

func (d *Driver) CancelOrder(ctx context.Context, id, symbol string) (*schema.Order, error) {
	resp, err := d.signedRequest(ctx, http.MethodDelete, "/api/v1/order", "order", "orderCancel",
		map[string]string{"symbol": symbolToWire(symbol), "orderId": id})
	if err != nil {
		return nil, err
	}
	return d.decodeOrder(resp.Body)
}

func (d *Driver) CancelAllOrders(ctx context.Context, symbol string) ([]schema.Order, error) {
	resp, err := d.signedRequest(ctx, http.MethodDelete, "/api/v1/orders", "orders", "orderCancelAll",
		map[string]string{"symbol": symbolToWire(symbol)})
	if err != nil {
		return nil, err
	}
	orders, err := d.decodeOrders(resp.Body)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Status = schema.OrderStatusCanceled
	}
	return orders, nil
}

func (d *Driver) FetchOrder(ctx context.Context, id, symbol string) (*schema.Order, error) {
	resp, err := d.signedRequest(ctx, http.MethodGet, "/api/v1/order", "order", "orderQuery",
		map[string]string{"symbol": symbolToWire(symbol), "orderId": id})
	if err != nil {
		return nil, err
	}
	return d.decodeOrder(resp.Body)
}

func (d *Driver) FetchOpenOrders(ctx context.Context, symbol string) ([]schema.Order, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbolToWire(symbol)
	}
	resp, err := d.signedRequest(ctx, http.MethodGet, "/api/v1/orders", "orders", "orderQueryAll", params)
	if err != nil {
		return nil, err
	}
	return d.decodeOrders(resp.Body)
}

func (d *Driver) FetchOrderHistory(ctx context.Context, symbol string, limit int) ([]schema.Order, error) {
	params := map[string]string{"symbol": symbolToWire(symbol)}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	resp, err := d.signedRequest(ctx, http.MethodGet, "/api/v1/history/orders", "orders",
		"orderHistoryQueryAll", params)
	if err != nil {
		return nil, err
	}
	return d.decodeOrders(resp.Body)
}

func (d *Driver) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error) {
	params := map[string]string{"symbol": symbolToWire(symbol)}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	resp, err := d.signedRequest(ctx, http.MethodGet, "/api/v1/history/fills", "fills",
		"fillHistoryQueryAll", params)
	if err != nil {
		return nil, err
	}
	var rows []venueFill
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		return nil, d.decodeErr("fills", err)
	}
	out := make([]schema.Trade, 0, len(rows))
	for _, row := range rows {
		side := schema.TradeSideSell
		if row.Side == "Bid" {
			side = schema.TradeSideBuy
		}
		price := schema.ParseFloat(row.Price)
		amount := schema.ParseFloat(row.Quantity)
		ts := int64(0)
		if at, err := time.Parse(time.RFC3339, row.Timestamp); err == nil {
			ts = at.UnixMilli()
		}
		out = append(out, schema.Trade{
			ID:        formatID(row.TradeID),
			Symbol:    symbolFromWire(row.Symbol),
			Side:      side,
			Price:     price,
			Amount:    amount,
			Cost:      price * amount,
			Timestamp: ts,
		})
	}
	return out, nil
}

func (d *Driver) FetchPositions(ctx context.Context, symbols []string) ([]schema.Position, error) {
	resp, err := d.signedRequest(ctx, http.MethodGet, "/api/v1/position", "position",
		"positionQuery", nil)
	if err != nil {
		return nil, err
	}
	var rows []venuePosition
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		return nil, d.decodeErr("positions", err)
	}
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[strings.ToUpper(s)] = true
	}
	now := time.Now().UnixMilli()
	positions := make([]schema.Position, 0, len(rows))
	for _, row := range rows {
		p := row.normalize(now)
		if len(wanted) > 0 && !wanted[p.Symbol] {
			continue
		}
		positions = append(positions, p)
	}
	return schema.FilterOpenPositions(positions), nil
}

func (d *Driver) FetchBalance(ctx context.Context) ([]schema.Balance, error) {
	resp, err := d.signedRequest(ctx, http.MethodGet, "/api/v1/capital", "capital",
		"balanceQuery", nil)
	if err != nil {
		return nil, err
	}
	var rows map[string]struct {
		Available string `json:"available"`
		Locked    string `json:"locked"`
	}
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		return nil, d.decodeErr("capital", err)
	}
	out := make([]schema.Balance, 0, len(rows))
	for currency, row := range rows {
		out = append(out, schema.BalanceFromAvailableLocked(currency, row.Available, row.Locked))
	}
	return out, nil
}

func (d *Driver) decodeOrder(raw json.RawMessage) (*schema.Order, error) {
	var v venueOrder
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, d.decodeErr("order", err)
	}
	order := v.normalize(raw)
	return &order, nil
}

func (d *Driver) decodeOrders(raw json.RawMessage) ([]schema.Order, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, d.decodeErr("orders", err)
	}
	out := make([]schema.Order, 0, len(rows))
	for _, row := range rows {
		order, err := d.decodeOrder(row)
		if err != nil {
			continue
		}
		out = append(out, *order)
	}
	return out, nil
}

func formatAmount(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func formatID(v int64) string {
	return strconv.FormatInt(v, 10)
}
