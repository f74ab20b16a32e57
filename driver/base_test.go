package driver

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/perpgate/perpgate/config"
	"github.com/perpgate/perpgate/errs"
	"github.com/perpgate/perpgate/schema"
)

// fakeDriver exercises the emulation layer: native market data and single
// order calls, everything else inherited from Base.
type fakeDriver struct {
	*Base
	marketCalls  atomic.Int32
	orderCalls   atomic.Int32
	failSymbols  map[string]bool
	failOrderIDs map[string]bool
}

func newFakeDriver(t *testing.T, caps Capabilities) *fakeDriver {
	t.Helper()
	if caps == nil {
		caps = Capabilities{
			FeatureFetchMarkets:      SupportNative,
			FeatureFetchTicker:       SupportNative,
			FeatureFetchTickers:      SupportEmulated,
			FeatureCreateOrder:       SupportNative,
			FeatureCancelOrder:       SupportNative,
			FeatureCreateBatchOrders: SupportEmulated,
			FeatureCancelBatchOrders: SupportEmulated,
		}
	}
	cfg := config.Default()
	cfg.RateLimit.MaxRequests = 100
	d := &fakeDriver{
		Base:         NewBase("fakevenue", "Fake Venue", caps, cfg, nil, nil),
		failSymbols:  map[string]bool{},
		failOrderIDs: map[string]bool{},
	}
	d.Bind(d)
	t.Cleanup(func() { _ = d.Disconnect(context.Background()) })
	return d
}

func (d *fakeDriver) FetchMarkets(context.Context) ([]schema.Market, error) {
	d.marketCalls.Add(1)
	return []schema.Market{
		{Symbol: "BTC/USDT:USDT", Base: "BTC", Quote: "USDT", Settle: "USDT", Active: true, PriceTickSize: 0.1, AmountStepSize: 0.001},
		{Symbol: "ETH/USDT:USDT", Base: "ETH", Quote: "USDT", Settle: "USDT", Active: true, PriceTickSize: 0.01, AmountStepSize: 0.01},
	}, nil
}

func (d *fakeDriver) FetchTicker(_ context.Context, symbol string) (*schema.Ticker, error) {
	if d.failSymbols[symbol] {
		return nil, errs.New("fakevenue", errs.KindExchangeUnavailable)
	}
	return &schema.Ticker{Symbol: symbol, Last: 100}, nil
}

func (d *fakeDriver) CreateOrder(_ context.Context, req schema.OrderRequest) (*schema.Order, error) {
	d.orderCalls.Add(1)
	if d.failSymbols[req.Symbol] {
		return nil, errs.New("fakevenue", errs.KindOrderRejected)
	}
	return &schema.Order{
		ID: "o1", Symbol: req.Symbol, Type: req.Type, Side: req.Side,
		Amount: req.Amount, Remaining: req.Amount, Status: schema.OrderStatusOpen,
	}, nil
}

func (d *fakeDriver) CancelOrder(_ context.Context, id, symbol string) (*schema.Order, error) {
	if d.failOrderIDs[id] {
		return nil, errs.New("fakevenue", errs.KindOrderNotFound)
	}
	return &schema.Order{ID: id, Symbol: symbol, Status: schema.OrderStatusCanceled}, nil
}

func limitReq(symbol string) schema.OrderRequest {
	return schema.OrderRequest{
		Symbol: symbol, Type: schema.OrderTypeLimit, Side: schema.OrderSideBuy,
		Amount: 0.1, Price: 50_000,
	}
}

func TestUnsupportedCapabilityRejected(t *testing.T) {
	d := newFakeDriver(t, Capabilities{FeatureFetchMarkets: SupportNative})
	_, err := d.CreateBatchOrders(context.Background(), []schema.OrderRequest{limitReq("BTC/USDT:USDT")})
	if errs.KindOf(err) != errs.KindNotSupported {
		t.Fatalf("kind = %v, want not_supported", errs.KindOf(err))
	}
}

func TestBatchCreatePartialSuccess(t *testing.T) {
	d := newFakeDriver(t, nil)
	d.failSymbols["ETH/USDT:USDT"] = true

	result, err := d.CreateBatchOrders(context.Background(), []schema.OrderRequest{
		limitReq("BTC/USDT:USDT"), limitReq("ETH/USDT:USDT"), limitReq("BTC/USDT:USDT"),
	})
	if err != nil {
		t.Fatalf("partial failure must not raise: %v", err)
	}
	if len(result.Orders) != 2 || len(result.Errors) != 1 {
		t.Fatalf("orders=%d errors=%d", len(result.Orders), len(result.Errors))
	}
	if errs.KindOf(result.Errors[0]) != errs.KindOrderRejected {
		t.Fatalf("underlying error kind = %v", errs.KindOf(result.Errors[0]))
	}
}

func TestBatchCreateAllFailRaisesAggregate(t *testing.T) {
	d := newFakeDriver(t, nil)
	d.failSymbols["BTC/USDT:USDT"] = true

	_, err := d.CreateBatchOrders(context.Background(), []schema.OrderRequest{
		limitReq("BTC/USDT:USDT"), limitReq("BTC/USDT:USDT"),
	})
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("kind = %v, want validation aggregate", errs.KindOf(err))
	}
	e, _ := errs.AsE(err)
	if errs.KindOf(e.Unwrap()) != errs.KindOrderRejected {
		t.Fatal("aggregate must preserve the first underlying error")
	}
}

func TestBatchCancelPartialSuccess(t *testing.T) {
	d := newFakeDriver(t, nil)
	d.failOrderIDs["gone"] = true

	result, err := d.CancelBatchOrders(context.Background(), []string{"a", "gone", "b"}, "BTC/USDT:USDT")
	if err != nil {
		t.Fatalf("partial failure must not raise: %v", err)
	}
	if len(result.Orders) != 2 || len(result.Errors) != 1 {
		t.Fatalf("orders=%d errors=%d", len(result.Orders), len(result.Errors))
	}
}

func TestEmulatedFetchTickersSkipsFailures(t *testing.T) {
	d := newFakeDriver(t, nil)
	d.failSymbols["ETH/USDT:USDT"] = true

	tickers, err := d.FetchTickers(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchTickers: %v", err)
	}
	if len(tickers) != 1 || tickers[0].Symbol != "BTC/USDT:USDT" {
		t.Fatalf("tickers = %+v", tickers)
	}
}

func TestFetchStatusProbesMarkets(t *testing.T) {
	d := newFakeDriver(t, nil)
	status, err := d.FetchStatus(context.Background())
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if status.Status != StatusOK {
		t.Fatalf("status = %v", status.Status)
	}
}

func TestMarketCacheReusesSnapshot(t *testing.T) {
	d := newFakeDriver(t, nil)
	fetch := func(ctx context.Context) ([]schema.Market, error) {
		return d.FetchMarkets(ctx)
	}

	if _, err := d.CachedMarkets(context.Background(), fetch); err != nil {
		t.Fatalf("CachedMarkets: %v", err)
	}
	if _, err := d.CachedMarkets(context.Background(), fetch); err != nil {
		t.Fatalf("CachedMarkets: %v", err)
	}
	if d.marketCalls.Load() != 1 {
		t.Fatalf("fetch calls = %d, want 1", d.marketCalls.Load())
	}

	d.InvalidateMarkets()
	if _, err := d.CachedMarkets(context.Background(), fetch); err != nil {
		t.Fatalf("CachedMarkets: %v", err)
	}
	if d.marketCalls.Load() != 2 {
		t.Fatalf("fetch calls after invalidate = %d, want 2", d.marketCalls.Load())
	}
}

func TestValidateOrderRequestDoesNotChargeLimiter(t *testing.T) {
	d := newFakeDriver(t, nil)
	before := d.Limiter.AvailableTokens()

	_, err := d.ValidateOrderRequest(schema.OrderRequest{Symbol: "BTC/USDT:USDT", Type: "weird", Side: schema.OrderSideBuy, Amount: 1})
	if errs.KindOf(err) != errs.KindInvalidOrder {
		t.Fatalf("kind = %v", errs.KindOf(err))
	}
	if d.Limiter.AvailableTokens() != before {
		t.Fatal("validation consumed rate-limit tokens")
	}
}

func TestValidateNormalizesPostOnly(t *testing.T) {
	d := newFakeDriver(t, nil)
	req := limitReq("btc/usdt:usdt")
	req.PostOnly = true
	normalized, err := d.ValidateOrderRequest(req)
	if err != nil {
		t.Fatalf("ValidateOrderRequest: %v", err)
	}
	if normalized.Symbol != "BTC/USDT:USDT" || normalized.TimeInForce != schema.TimeInForcePO {
		t.Fatalf("normalized = %+v", normalized)
	}
}

func TestDisconnectIdempotentAndLeakFree(t *testing.T) {
	d := newFakeDriver(t, nil)
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := d.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := d.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	// Released resources reject further use instead of leaking goroutines.
	if err := d.AcquireToken(context.Background(), "markets", 0); err == nil {
		t.Fatal("limiter usable after disconnect")
	}
	if err := d.EnsureInitialized(); err == nil {
		t.Fatal("driver still initialized after disconnect")
	}
	if err := d.Initialize(context.Background()); err == nil {
		t.Fatal("disconnected driver must not re-initialize")
	}
}

func TestSymbolConversionDefaults(t *testing.T) {
	d := newFakeDriver(t, nil)
	if got := d.SymbolToVenue("BTC/USDT:USDT"); got != "BTCUSDT" {
		t.Fatalf("SymbolToVenue = %s", got)
	}
	if got := d.SymbolFromVenue("BTCUSDT"); got != "BTC/USDT:USDT" {
		t.Fatalf("SymbolFromVenue = %s", got)
	}
	if got := d.SymbolFromVenue("WEIRDPAIR"); got != "WEIRDPAIR" {
		t.Fatalf("unknown venue symbol must pass through, got %s", got)
	}
}

func TestHealthCheckDegradedWithoutSocket(t *testing.T) {
	d := newFakeDriver(t, nil)
	health, err := d.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if health.Status != HealthHealthy || !health.API.Reachable {
		t.Fatalf("health = %+v", health)
	}
	if health.RateLimit == nil || health.RateLimit.AvailableTokens <= 0 {
		t.Fatal("rate limit section missing")
	}
}

func TestClientOrderID(t *testing.T) {
	id := ClientOrderID("pg-")
	if !strings.HasPrefix(id, "pg-") || len(id) != 32 {
		t.Fatalf("client order id = %q", id)
	}
	if ClientOrderID("pg-") == id {
		t.Fatal("client order ids must be unique")
	}
}

func TestMetricsAccessors(t *testing.T) {
	d := newFakeDriver(t, nil)
	if err := d.AcquireToken(context.Background(), "markets", 0); err != nil {
		t.Fatalf("AcquireToken: %v", err)
	}
	snapshot := d.GetMetrics()
	if snapshot.Counters == nil || snapshot.Gauges == nil {
		t.Fatal("snapshot maps must be non-nil")
	}
	cb := d.GetCircuitBreakerMetrics()
	if cb.State != 0 {
		t.Fatalf("breaker state = %v, want Closed", cb.State)
	}
	d.ResetMetrics()
	counters, _ := d.Recorder.Snapshot()
	if len(counters) != 0 {
		t.Fatal("reset left counters behind")
	}
}

func TestMarketForUnknownSymbol(t *testing.T) {
	d := newFakeDriver(t, nil)
	if _, err := d.MarketFor(context.Background(), "DOGE/USDT:USDT"); errs.KindOf(err) != errs.KindInvalidSymbol {
		t.Fatalf("kind = %v", errs.KindOf(err))
	}
	m, err := d.MarketFor(context.Background(), "btc/usdt:usdt")
	if err != nil {
		t.Fatalf("MarketFor: %v", err)
	}
	if m.Symbol != "BTC/USDT:USDT" {
		t.Fatalf("market = %+v", m)
	}
}
