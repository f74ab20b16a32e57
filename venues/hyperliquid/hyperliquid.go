// Package hyperliquid implements the on-chain-settled venue driver: every
// private call is an EIP-712 signed action posted to a single exchange
// endpoint, nonces are millisecond timestamps, and margin is cross-only.
package hyperliquid

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
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
	venueID     = "hyperliquid"
	displayName = "Hyperliquid"

	mainnetREST = "https://api.hyperliquid.xyz"
	testnetREST = "https://api.hyperliquid-testnet.xyz"
	mainnetWS   = "wss://api.hyperliquid.xyz/ws"
	testnetWS   = "wss://api.hyperliquid-testnet.xyz/ws"

	// actionDomain names the EIP-712 signing domain for exchange actions.
	actionDomain = "Exchange"
	actionChain  = 1337
)

var endpointWeights = map[string]int{
	"info":     2,
	"exchange": 1,
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
		driver.FeatureFetchMyTrades:           driver.SupportNative,
		driver.FeatureSetLeverage:             driver.SupportNative,
		// Margin mode is fixed by the venue's cross-margin clearinghouse.
		driver.FeatureSetMarginMode:    driver.SupportNone,
		driver.FeatureWatchOrderBook:   driver.SupportNative,
		driver.FeatureWatchTrades:      driver.SupportNative,
		driver.FeatureWatchTicker:      driver.SupportNative,
		driver.FeatureWatchFundingRate: driver.SupportNative,
		driver.FeatureWatchOHLCV:       driver.SupportNative,
		driver.FeatureWatchOrders:      driver.SupportNative,
		driver.FeatureWatchMyTrades:    driver.SupportNative,
		driver.FeatureFetchStatus:      driver.SupportEmulated,
	}
}

func init() {
	driver.Register(venueID, func(cfg config.Config) (driver.Driver, error) {
		return New(cfg)
	})
}

// Driver signs exchange actions with an EIP-712 wallet key. The queried
// account defaults to the signing address and can be overridden for agent
// wallets acting on behalf of a master account.
type Driver struct {
	*driver.Base
	rest    *rest.Client
	signer  *sign.EIP712Signer
	nonces  *sign.Nonce
	mapper  *errs.Mapper
	account string

	assetMu sync.Mutex
	assets  map[string]int
}

// New constructs the driver. APIPrivateKey is the signing wallet key;
// Wallet optionally names the master account being traded.
func New(cfg config.Config) (*Driver, error) {
	cfg = cfg.Normalize()
	if cfg.RateLimit.Weights == nil {
		cfg.RateLimit.Weights = endpointWeights
	}

	d := &Driver{
		Base:   driver.NewBase(venueID, displayName, capabilities(), cfg, nil, nil),
		nonces: sign.NewNonce(time.Now().UnixMilli()),
		mapper: newMapper(),
		assets: make(map[string]int),
	}
	if key := strings.TrimSpace(cfg.APIPrivateKey); key != "" {
		signer, err := sign.NewEIP712(key, actionChain)
		if err != nil {
			return nil, err
		}
		d.signer = signer
		d.account = strings.ToLower(signer.Address().Hex())
	}
	if w := strings.TrimSpace(cfg.Wallet); w != "" {
		d.account = strings.ToLower(w)
	}

	baseURL := mainnetREST
	if cfg.Testnet {
		baseURL = testnetREST
	}
	d.rest = rest.New(venueID, rest.Config{
		BaseURL: baseURL,
		Timeout: cfg.Timeout,
		Jitter:  true,
	}, d.Breaker, d.Metrics, d.Logger)
	d.Runtime = newRuntime(d)
	d.Bind(d)
	return d, nil
}

// Initialize probes the account snapshot when a wallet is configured.
func (d *Driver) Initialize(ctx context.Context) error {
	if d.Initialized() {
		return nil
	}
	if d.account != "" {
		if _, err := d.clearinghouse(ctx); err != nil {
			return err
		}
	}
	return d.Base.Initialize(ctx)
}

// SymbolToVenue maps BTC/USDC:USDC to the bare coin name.
func (d *Driver) SymbolToVenue(symbol string) string {
	parts, err := schema.ParseSymbol(symbol)
	if err != nil {
		return symbol
	}
	return parts.Base
}

func (d *Driver) SymbolFromVenue(venueSymbol string) string {
	return canonicalSymbol(venueSymbol)
}

// info executes a public query against the aggregate info endpoint.
func (d *Driver) info(ctx context.Context, query any) (json.RawMessage, error) {
	if err := d.AcquireToken(ctx, "info", 0); err != nil {
		return nil, err
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	resp, err := d.rest.Do(ctx, rest.Request{
		Method:   http.MethodPost,
		Path:     "/info",
		Body:     body,
		Endpoint: "info",
	})
	if err != nil {
		return nil, d.refineError(err)
	}
	return resp.Body, nil
}

// exchange signs and posts one action. The typed-data hash covers the
// action's order fields and the nonce; the venue rejects nonce reuse.
func (d *Driver) exchange(ctx context.Context, action any, td func(nonce int64) (string, error)) (*exchangeResponse, error) {
	if d.signer == nil || !d.signer.HasCredentials() {
		return nil, errs.New(venueID, errs.KindInsufficientPermissions,
			errs.WithMessage("wallet key required"))
	}
	if err := d.AcquireToken(ctx, "exchange", 0); err != nil {
		return nil, err
	}

	nonce := d.nonces.Next()
	signature, err := td(nonce)
	if err != nil {
		d.nonces.Rollback()
		return nil, err
	}
	body, err := json.Marshal(map[string]any{
		"action":    action,
		"nonce":     nonce,
		"signature": signature,
	})
	if err != nil {
		d.nonces.Rollback()
		return nil, err
	}

	resp, err := d.rest.Do(ctx, rest.Request{
		Method:   http.MethodPost,
		Path:     "/exchange",
		Body:     body,
		Endpoint: "exchange",
	})
	if err != nil {
		return nil, d.refineError(err)
	}

	var out exchangeResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, d.decodeErr("exchange response", err)
	}
	// Action-level failures arrive as HTTP 200 with an err status.
	if out.Status != "ok" {
		return nil, d.mapper.Map("", out.Status)
	}
	return &out, nil
}

// refineError picks the venue's plain-text error strings out of pipeline
// failures; the venue reports rejections as bare strings, not codes.
func (d *Driver) refineError(err error) error {
	e, ok := errs.AsE(err)
	if !ok || e.HTTP == 0 || e.Message == "" {
		return err
	}
	mapped := d.mapper.Map("", e.Message,
		errs.WithHTTP(e.HTTP),
		errs.WithCorrelationID(e.CorrelationID),
		errs.WithCause(err))
	if e.HTTP >= 500 || e.HTTP == 429 {
		// Keep the transport classification for retryable statuses.
		return err
	}
	return mapped
}

func (d *Driver) decodeErr(what string, cause error) error {
	return errs.New(venueID, errs.KindValidation,
		errs.WithMessage("decode "+what), errs.WithCause(cause))
}

// assetIndex resolves a coin to its universe position, refreshing the
// market cache on a miss.
func (d *Driver) assetIndex(ctx context.Context, coin string) (int, error) {
	d.assetMu.Lock()
	idx, ok := d.assets[coin]
	d.assetMu.Unlock()
	if ok {
		return idx, nil
	}
	if _, err := d.FetchMarkets(ctx); err != nil {
		return 0, err
	}
	d.assetMu.Lock()
	idx, ok = d.assets[coin]
	d.assetMu.Unlock()
	if !ok {
		return 0, errs.New(venueID, errs.KindInvalidSymbol,
			errs.WithMessage("unknown coin "+coin))
	}
	return idx, nil
}

func (d *Driver) FetchMarkets(ctx context.Context) ([]schema.Market, error) {
	return d.CachedMarkets(ctx, func(ctx context.Context) ([]schema.Market, error) {
		raw, err := d.info(ctx, map[string]string{"type": "meta"})
		if err != nil {
			return nil, err
		}
		var meta metaUniverse
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, d.decodeErr("meta", err)
		}
		markets := make([]schema.Market, 0, len(meta.Universe))
		index := make(map[string]int, len(meta.Universe))
		for i, asset := range meta.Universe {
			index[asset.Name] = i
			markets = append(markets, asset.normalize())
		}
		d.assetMu.Lock()
		d.assets = index
		d.assetMu.Unlock()
		return markets, nil
	})
}

// metaAndCtxs fetches the universe with its per-asset market state; the
// response is a two-element array of [meta, contexts].
func (d *Driver) metaAndCtxs(ctx context.Context) (metaUniverse, []assetCtx, error) {
	raw, err := d.info(ctx, map[string]string{"type": "metaAndAssetCtxs"})
	if err != nil {
		return metaUniverse{}, nil, err
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
		return metaUniverse{}, nil, d.decodeErr("metaAndAssetCtxs", err)
	}
	var meta metaUniverse
	if err := json.Unmarshal(pair[0], &meta); err != nil {
		return metaUniverse{}, nil, d.decodeErr("meta", err)
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(pair[1], &ctxs); err != nil {
		return metaUniverse{}, nil, d.decodeErr("assetCtxs", err)
	}
	return meta, ctxs, nil
}

func (d *Driver) FetchTicker(ctx context.Context, symbol string) (*schema.Ticker, error) {
	coin := d.SymbolToVenue(symbol)
	meta, ctxs, err := d.metaAndCtxs(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	for i, asset := range meta.Universe {
		if asset.Name == coin && i < len(ctxs) {
			t := ctxs[i].normalizeTicker(canonicalSymbol(coin), now)
			return &t, nil
		}
	}
	return nil, errs.New(venueID, errs.KindInvalidSymbol,
		errs.WithMessage("unknown coin "+coin))
}

func (d *Driver) FetchTickers(ctx context.Context, symbols []string) ([]schema.Ticker, error) {
	meta, ctxs, err := d.metaAndCtxs(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[strings.ToUpper(s)] = true
	}
	now := time.Now().UnixMilli()
	out := make([]schema.Ticker, 0, len(ctxs))
	for i, asset := range meta.Universe {
		if i >= len(ctxs) {
			break
		}
		symbol := canonicalSymbol(asset.Name)
		if len(wanted) > 0 && !wanted[symbol] {
			continue
		}
		out = append(out, ctxs[i].normalizeTicker(symbol, now))
	}
	return out, nil
}

func (d *Driver) FetchOrderBook(ctx context.Context, symbol string, limit int) (*schema.OrderBook, error) {
	coin := d.SymbolToVenue(symbol)
	raw, err := d.info(ctx, map[string]string{"type": "l2Book", "coin": coin})
	if err != nil {
		return nil, err
	}
	var book l2Book
	if err := json.Unmarshal(raw, &book); err != nil {
		return nil, d.decodeErr("l2Book", err)
	}
	normalized := book.normalize(canonicalSymbol(coin))
	if limit > 0 {
		if len(normalized.Bids) > limit {
			normalized.Bids = normalized.Bids[:limit]
		}
		if len(normalized.Asks) > limit {
			normalized.Asks = normalized.Asks[:limit]
		}
	}
	return &normalized, nil
}

func (d *Driver) FetchTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error) {
	coin := d.SymbolToVenue(symbol)
	raw, err := d.info(ctx, map[string]string{"type": "recentTrades", "coin": coin})
	if err != nil {
		return nil, err
	}
	var rows []venueTrade
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, d.decodeErr("recentTrades", err)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	symbol = canonicalSymbol(coin)
	out := make([]schema.Trade, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.normalize(symbol))
	}
	return out, nil
}

func (d *Driver) FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]schema.OHLCV, error) {
	req := map[string]any{
		"coin":     d.SymbolToVenue(symbol),
		"interval": timeframe,
	}
	if since > 0 {
		req["startTime"] = since
	}
	raw, err := d.info(ctx, map[string]any{"type": "candleSnapshot", "req": req})
	if err != nil {
		return nil, err
	}
	var rows []candle
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, d.decodeErr("candleSnapshot", err)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]schema.OHLCV, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.normalize())
	}
	return out, nil
}

func (d *Driver) FetchFundingRate(ctx context.Context, symbol string) (*schema.FundingRate, error) {
	coin := d.SymbolToVenue(symbol)
	meta, ctxs, err := d.metaAndCtxs(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	for i, asset := range meta.Universe {
		if asset.Name == coin && i < len(ctxs) {
			rate := ctxs[i].normalizeFunding(canonicalSymbol(coin), now)
			return &rate, nil
		}
	}
	return nil, errs.New(venueID, errs.KindInvalidSymbol,
		errs.WithMessage("unknown coin "+coin))
}

func (d *Driver) FetchFundingRateHistory(ctx context.Context, symbol string, limit int) ([]schema.FundingRate, error) {
	coin := d.SymbolToVenue(symbol)
	raw, err := d.info(ctx, map[string]any{
		"type":      "fundingHistory",
		"coin":      coin,
		"startTime": 0,
	})
	if err != nil {
		return nil, err
	}
	var rows []fundingHistoryRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, d.decodeErr("fundingHistory", err)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	symbol = canonicalSymbol(coin)
	out := make([]schema.FundingRate, 0, len(rows))
	for _, row := range rows {
		out = append(out, schema.FundingRate{
			Symbol:               symbol,
			FundingRate:          schema.ParseFloat(row.FundingRate),
			FundingTimestamp:     row.Time,
			FundingIntervalHours: 1,
		})
	}
	return out, nil
}

// orderTIF maps canonical time-in-force to the venue's limit order types.
// The venue has no FOK; post-only is a first-class "Alo" (add liquidity
// only) type rather than a flag.
func orderTIF(req schema.OrderRequest) (string, error) {
	if req.Type == schema.OrderTypeMarket {
		return "Ioc", nil
	}
	switch req.TimeInForce {
	case schema.TimeInForcePO:
		return "Alo", nil
	case schema.TimeInForceIOC:
		return "Ioc", nil
	case schema.TimeInForceGTC, "":
		return "Gtc", nil
	}
	return "", errs.New(venueID, errs.KindNotSupported,
		errs.WithMessage("time in force not supported: "+string(req.TimeInForce)))
}

func (d *Driver) CreateOrder(ctx context.Context, req schema.OrderRequest) (*schema.Order, error) {
	normalized, err := d.ValidateOrderRequest(req)
	if err != nil {
		return nil, err
	}
	coin := d.SymbolToVenue(normalized.Symbol)
	asset, err := d.assetIndex(ctx, coin)
	if err != nil {
		return nil, err
	}
	tif, err := orderTIF(normalized)
	if err != nil {
		return nil, err
	}

	price := formatAmount(normalized.Price)
	size := formatAmount(normalized.Amount)
	wire := map[string]any{
		"a": asset,
		"b": normalized.Side == schema.OrderSideBuy,
		"p": price,
		"s": size,
		"r": normalized.ReduceOnly,
		"t": map[string]any{"limit": map[string]string{"tif": tif}},
	}
	if normalized.ClientOrderID != "" {
		wire["c"] = normalized.ClientOrderID
	}
	action := map[string]any{
		"type":     "order",
		"orders":   []any{wire},
		"grouping": "na",
	}
	if cfg := d.Config(); cfg.BuilderCodeEnabled {
		action["builder"] = map[string]string{"b": cfg.BuilderCode}
	}

	side := "A"
	if normalized.Side == schema.OrderSideBuy {
		side = "B"
	}
	resp, err := d.exchange(ctx, action, func(nonce int64) (string, error) {
		return d.signer.SignTypedDataHex(
			d.signer.OrderTypedData(actionDomain, coin, coin, side, size, price, nonce))
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Response.Data.Statuses) == 0 {
		return nil, d.decodeErr("order statuses", nil)
	}
	return d.orderFromStatus(resp.Response.Data.Statuses[0], normalized)
}

// orderFromStatus folds the action result into the canonical order.
func (d *Driver) orderFromStatus(st orderStatusEntry, req schema.OrderRequest) (*schema.Order, error) {
	if st.Error != "" {
		return nil, d.mapper.Map("", st.Error)
	}
	order := schema.Order{
		Symbol:        req.Symbol,
		Type:          req.Type,
		Side:          req.Side,
		Amount:        req.Amount,
		Price:         req.Price,
		ReduceOnly:    req.ReduceOnly,
		PostOnly:      req.TimeInForce == schema.TimeInForcePO,
		ClientOrderID: req.ClientOrderID,
		Timestamp:     time.Now().UnixMilli(),
	}
	switch {
	case st.Resting != nil:
		order.ID = strconv.FormatInt(st.Resting.OID, 10)
		order.Status = schema.OrderStatusOpen
		order.Remaining = req.Amount
	case st.Filled != nil:
		order.ID = strconv.FormatInt(st.Filled.OID, 10)
		order.Status = schema.OrderStatusFilled
		order.Filled = schema.ParseFloat(st.Filled.TotalSz)
		order.AveragePrice = schema.ParseFloat(st.Filled.AvgPx)
	default:
		return nil, d.decodeErr("order status", nil)
	}
	order.Reconcile()
	return &order, nil
}

func (d *Driver) CancelOrder(ctx context.Context, id, symbol string) (*schema.Order, error) {
	coin := d.SymbolToVenue(symbol)
	asset, err := d.assetIndex(ctx, coin)
	if err != nil {
		return nil, err
	}
	oid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, errs.New(venueID, errs.KindInvalidParameter,
			errs.WithMessage("order id must be numeric"), errs.WithCause(err))
	}
	action := map[string]any{
		"type":    "cancel",
		"cancels": []any{map[string]any{"a": asset, "o": oid}},
	}
	resp, err := d.exchange(ctx, action, func(nonce int64) (string, error) {
		return d.signer.SignTypedDataHex(
			d.signer.CancelTypedData(actionDomain, coin, id, nonce))
	})
	if err != nil {
		return nil, err
	}
	for _, st := range resp.Response.Data.Statuses {
		if st.Error != "" {
			return nil, d.mapper.Map("", st.Error)
		}
	}
	order := schema.Order{
		ID:        id,
		Symbol:    strings.ToUpper(symbol),
		Status:    schema.OrderStatusCanceled,
		Timestamp: time.Now().UnixMilli(),
	}
	return &order, nil
}

func (d *Driver) CancelAllOrders(ctx context.Context, symbol string) ([]schema.Order, error) {
	open, err := d.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	canceled := make([]schema.Order, 0, len(open))
	for _, o := range open {
		result, err := d.CancelOrder(ctx, o.ID, o.Symbol)
		if err != nil {
			if errs.KindOf(err) == errs.KindOrderNotFound {
				continue
			}
			return canceled, err
		}
		o.Status = result.Status
		canceled = append(canceled, o)
	}
	return canceled, nil
}

func (d *Driver) requireAccount() error {
	if d.account == "" {
		return errs.New(venueID, errs.KindInsufficientPermissions,
			errs.WithMessage("wallet address required"))
	}
	return nil
}

func (d *Driver) FetchOpenOrders(ctx context.Context, symbol string) ([]schema.Order, error) {
	if err := d.requireAccount(); err != nil {
		return nil, err
	}
	raw, err := d.info(ctx, map[string]string{"type": "openOrders", "user": d.account})
	if err != nil {
		return nil, err
	}
	var rows []venueOrder
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, d.decodeErr("openOrders", err)
	}
	upper := strings.ToUpper(symbol)
	out := make([]schema.Order, 0, len(rows))
	for _, row := range rows {
		order := row.normalize("open", nil)
		if upper != "" && order.Symbol != upper {
			continue
		}
		out = append(out, order)
	}
	return out, nil
}

func (d *Driver) FetchOrder(ctx context.Context, id, symbol string) (*schema.Order, error) {
	if err := d.requireAccount(); err != nil {
		return nil, err
	}
	oid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, errs.New(venueID, errs.KindInvalidParameter,
			errs.WithMessage("order id must be numeric"), errs.WithCause(err))
	}
	raw, err := d.info(ctx, map[string]any{
		"type": "orderStatus",
		"user": d.account,
		"oid":  oid,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Status string `json:"status"`
		Order  struct {
			Order  venueOrder `json:"order"`
			Status string     `json:"status"`
		} `json:"order"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, d.decodeErr("orderStatus", err)
	}
	if out.Status != "order" {
		return nil, errs.New(venueID, errs.KindOrderNotFound,
			errs.WithMessage("order "+id+" not found"))
	}
	order := out.Order.Order.normalize(out.Order.Status, raw)
	return &order, nil
}

func (d *Driver) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error) {
	if err := d.requireAccount(); err != nil {
		return nil, err
	}
	raw, err := d.info(ctx, map[string]string{"type": "userFills", "user": d.account})
	if err != nil {
		return nil, err
	}
	var rows []venueTrade
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, d.decodeErr("userFills", err)
	}
	upper := strings.ToUpper(symbol)
	out := make([]schema.Trade, 0, len(rows))
	for _, row := range rows {
		trade := row.normalize(canonicalSymbol(row.Coin))
		if upper != "" && trade.Symbol != upper {
			continue
		}
		out = append(out, trade)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (d *Driver) clearinghouse(ctx context.Context) (*clearinghouseState, error) {
	if err := d.requireAccount(); err != nil {
		return nil, err
	}
	raw, err := d.info(ctx, map[string]string{"type": "clearinghouseState", "user": d.account})
	if err != nil {
		return nil, err
	}
	var state clearinghouseState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, d.decodeErr("clearinghouseState", err)
	}
	return &state, nil
}

func (d *Driver) FetchPositions(ctx context.Context, symbols []string) ([]schema.Position, error) {
	state, err := d.clearinghouse(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[strings.ToUpper(s)] = true
	}
	positions := make([]schema.Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		p := ap.Position.normalize(state.Time)
		if len(wanted) > 0 && !wanted[p.Symbol] {
			continue
		}
		positions = append(positions, p)
	}
	return schema.FilterOpenPositions(positions), nil
}

func (d *Driver) FetchBalance(ctx context.Context) ([]schema.Balance, error) {
	state, err := d.clearinghouse(ctx)
	if err != nil {
		return nil, err
	}
	return []schema.Balance{state.normalizeBalance()}, nil
}

func (d *Driver) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return errs.New(venueID, errs.KindInvalidParameter,
			errs.WithMessage("leverage must be at least 1"))
	}
	coin := d.SymbolToVenue(symbol)
	asset, err := d.assetIndex(ctx, coin)
	if err != nil {
		return err
	}
	action := map[string]any{
		"type":     "updateLeverage",
		"asset":    asset,
		"isCross":  true,
		"leverage": leverage,
	}
	_, err = d.exchange(ctx, action, func(nonce int64) (string, error) {
		return d.signer.SignTypedDataHex(
			d.signer.LeverageTypedData(actionDomain, coin, leverage, nonce))
	})
	return err
}

func formatAmount(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}
