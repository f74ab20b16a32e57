package driver

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/perpgate/perpgate/config"
	"github.com/perpgate/perpgate/errs"
	"github.com/perpgate/perpgate/internal/breaker"
	"github.com/perpgate/perpgate/internal/ratelimit"
	"github.com/perpgate/perpgate/observability"
	"github.com/perpgate/perpgate/schema"
	"github.com/perpgate/perpgate/sign"
	"github.com/perpgate/perpgate/stream"
)

// DefaultMarketCacheTTL bounds how long fetchMarkets results are reused.
const DefaultMarketCacheTTL = 5 * time.Minute

const tickerFanOutWidth = 8

// Base is the shared adapter every venue driver composes: rate limiter,
// circuit breaker, HTTP pipeline, WebSocket runtime, signer, metrics and
// the market cache, plus default implementations for every contract method
// so drivers override only what their venue offers.
type Base struct {
	id   string
	name string
	caps Capabilities
	cfg  config.Config

	Logger   observability.Logger
	Recorder *observability.Recorder
	Metrics  observability.Metrics
	Limiter  *ratelimit.Bucket
	Breaker  *breaker.Breaker
	Runtime  *stream.Runtime
	Signer   sign.Signer

	self        Driver
	initialized atomic.Bool
	closed      atomic.Bool

	marketMu  sync.RWMutex
	markets   []schema.Market
	marketsAt time.Time
	marketTTL time.Duration
}

// NewBase wires the shared components from the normalized configuration.
// observer is the optional external metrics sink; emissions always reach
// the internal recorder for the driver metrics accessors.
func NewBase(id, displayName string, caps Capabilities, cfg config.Config, observer observability.Metrics, logger observability.Logger) *Base {
	cfg = cfg.Normalize()
	if logger == nil {
		logger = observability.NopLogger()
	}
	recorder := observability.NewRecorder()
	metrics := observability.Multi(recorder, observer)

	b := &Base{
		id:        id,
		name:      displayName,
		caps:      caps,
		cfg:       cfg,
		Logger:    logger,
		Recorder:  recorder,
		Metrics:   metrics,
		marketTTL: DefaultMarketCacheTTL,
	}
	b.Limiter = ratelimit.New(id, ratelimit.Config{
		MaxTokens:  cfg.RateLimit.MaxRequests,
		Window:     time.Duration(cfg.RateLimit.WindowMs) * time.Millisecond,
		RefillRate: cfg.RateLimit.RefillRate,
		Weights:    cfg.RateLimit.Weights,
	}, metrics)
	b.Breaker = breaker.New(id, breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
		Enabled:          cfg.CircuitBreaker.Enabled,
	}, metrics, nil)
	return b
}

// Bind installs the outermost driver so emulations dispatch through venue
// overrides. Must be called once at construction.
func (b *Base) Bind(self Driver) { b.self = self }

func (b *Base) ID() string          { return b.id }
func (b *Base) DisplayName() string { return b.name }
func (b *Base) Has() Capabilities   { return b.caps }

// Config returns the normalized driver configuration.
func (b *Base) Config() config.Config { return b.cfg }

// Initialize marks the driver ready. Venue drivers that need venue setup
// (nonce sync, session auth) override and call this at the end. Idempotent.
func (b *Base) Initialize(_ context.Context) error {
	if b.closed.Load() {
		return errs.New(b.id, errs.KindValidation, errs.WithMessage("driver disconnected"))
	}
	b.initialized.Store(true)
	return nil
}

// Disconnect releases every owned resource: the limiter queue, breaker,
// WebSocket runtime and market cache. Idempotent.
func (b *Base) Disconnect(_ context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.initialized.Store(false)
	if b.Runtime != nil {
		b.Runtime.Disconnect()
	}
	if b.Limiter != nil {
		b.Limiter.Destroy()
	}
	if b.Breaker != nil {
		b.Breaker.Destroy()
	}
	b.marketMu.Lock()
	b.markets = nil
	b.marketsAt = time.Time{}
	b.marketMu.Unlock()
	return nil
}

// Initialized reports whether Initialize has completed.
func (b *Base) Initialized() bool { return b.initialized.Load() }

// EnsureInitialized gates authenticated methods.
func (b *Base) EnsureInitialized() error {
	if !b.initialized.Load() {
		return errs.New(b.id, errs.KindValidation,
			errs.WithMessage("driver not initialized"))
	}
	return nil
}

// Require rejects calls on unsupported capabilities.
func (b *Base) Require(f Feature) error {
	if !b.caps.Supports(f) {
		return errs.NotSupported(b.id, string(f))
	}
	return nil
}

// AcquireToken charges the rate limiter for an endpoint before dispatch.
func (b *Base) AcquireToken(ctx context.Context, endpoint string, weight int) error {
	if b.Limiter == nil {
		return nil
	}
	if err := b.Limiter.Acquire(ctx, endpoint, weight); err != nil {
		if err == ratelimit.ErrDestroyed {
			return errs.New(b.id, errs.KindValidation,
				errs.WithMessage("driver disconnected"))
		}
		return err
	}
	return nil
}

// ValidateOrderRequest normalizes and validates a request locally. Failures
// never touch the network or the rate limiter.
func (b *Base) ValidateOrderRequest(req schema.OrderRequest) (schema.OrderRequest, error) {
	normalized := req.Normalize()
	if err := normalized.Validate(); err != nil {
		if e, ok := errs.AsE(err); ok && e.Venue == "" {
			e.Venue = b.id
		}
		return normalized, err
	}
	return normalized, nil
}

// ClientOrderID produces a venue-acceptable client order id with the given
// prefix, or a bare UUID when the prefix is empty.
func ClientOrderID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + id[:32-len(prefix)]
}

// CachedMarkets returns a cache snapshot when fresh, otherwise invokes
// fetch and replaces the snapshot. Readers always get an immutable copy.
func (b *Base) CachedMarkets(ctx context.Context, fetch func(context.Context) ([]schema.Market, error)) ([]schema.Market, error) {
	b.marketMu.RLock()
	if b.markets != nil && time.Since(b.marketsAt) < b.marketTTL {
		snapshot := b.markets
		b.marketMu.RUnlock()
		return snapshot, nil
	}
	b.marketMu.RUnlock()

	markets, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	copied := make([]schema.Market, len(markets))
	copy(copied, markets)
	b.marketMu.Lock()
	b.markets = copied
	b.marketsAt = time.Now()
	b.marketMu.Unlock()
	return copied, nil
}

// InvalidateMarkets drops the cached snapshot.
func (b *Base) InvalidateMarkets() {
	b.marketMu.Lock()
	b.markets = nil
	b.marketsAt = time.Time{}
	b.marketMu.Unlock()
}

// SetMarketCacheTTL overrides the default snapshot lifetime.
func (b *Base) SetMarketCacheTTL(ttl time.Duration) {
	if ttl > 0 {
		b.marketTTL = ttl
	}
}

// MarketFor resolves one cached market by canonical symbol.
func (b *Base) MarketFor(ctx context.Context, symbol string) (*schema.Market, error) {
	if b.self == nil {
		return nil, errs.NotImplemented(b.id, "fetchMarkets")
	}
	markets, err := b.self.FetchMarkets(ctx)
	if err != nil {
		return nil, err
	}
	upper := strings.ToUpper(strings.TrimSpace(symbol))
	for i := range markets {
		if markets[i].Symbol == upper {
			return &markets[i], nil
		}
	}
	return nil, errs.New(b.id, errs.KindInvalidSymbol,
		errs.WithMessage("unknown market: "+symbol))
}

// SymbolToVenue renders the canonical symbol in concatenated venue form,
// e.g. BTC/USDT:USDT becomes BTCUSDT. Venue drivers with other formats
// override.
func (b *Base) SymbolToVenue(symbol string) string {
	parts, err := schema.ParseSymbol(symbol)
	if err != nil {
		return symbol
	}
	return parts.Base + parts.Quote
}

// SymbolFromVenue reverses a concatenated venue symbol using the quote
// suffix priority list; unknown forms pass through unchanged.
func (b *Base) SymbolFromVenue(venueSymbol string) string {
	if canonical, ok := schema.SplitConcatenated(venueSymbol); ok {
		return canonical
	}
	return venueSymbol
}

// GetMetrics snapshots the driver's recorded series.
func (b *Base) GetMetrics() MetricsSnapshot {
	counters, gauges := b.Recorder.Snapshot()
	return MetricsSnapshot{Counters: counters, Gauges: gauges}
}

// GetCircuitBreakerMetrics snapshots the breaker counters.
func (b *Base) GetCircuitBreakerMetrics() breaker.Metrics {
	if b.Breaker == nil {
		return breaker.Metrics{}
	}
	return b.Breaker.Snapshot()
}

// ResetMetrics clears the recorded series.
func (b *Base) ResetMetrics() { b.Recorder.Reset() }

// CreateBatchOrders emulates batch submission by sequential CreateOrder
// calls. Partial failure returns the successes plus the error list; only a
// fully failed batch raises an aggregate Validation error.
func (b *Base) CreateBatchOrders(ctx context.Context, reqs []schema.OrderRequest) (*BatchResult, error) {
	if err := b.Require(FeatureCreateBatchOrders); err != nil {
		return nil, err
	}
	if b.self == nil {
		return nil, errs.NotImplemented(b.id, string(FeatureCreateBatchOrders))
	}
	result := &BatchResult{}
	for i := range reqs {
		order, err := b.self.CreateOrder(ctx, reqs[i])
		if err != nil {
			result.Errors = append(result.Errors, err)
			b.Logger.Warn("batch order failed",
				observability.F("venue", b.id),
				observability.F("symbol", reqs[i].Symbol))
			continue
		}
		result.Orders = append(result.Orders, *order)
	}
	return b.finishBatch(result, len(reqs))
}

// CancelBatchOrders emulates batch cancellation by sequential CancelOrder
// calls with the same partial-success contract as CreateBatchOrders.
func (b *Base) CancelBatchOrders(ctx context.Context, ids []string, symbol string) (*BatchResult, error) {
	if err := b.Require(FeatureCancelBatchOrders); err != nil {
		return nil, err
	}
	if b.self == nil {
		return nil, errs.NotImplemented(b.id, string(FeatureCancelBatchOrders))
	}
	result := &BatchResult{}
	for _, id := range ids {
		order, err := b.self.CancelOrder(ctx, id, symbol)
		if err != nil {
			result.Errors = append(result.Errors, err)
			b.Logger.Warn("batch cancel failed",
				observability.F("venue", b.id),
				observability.F("order_id", id))
			continue
		}
		result.Orders = append(result.Orders, *order)
	}
	return b.finishBatch(result, len(ids))
}

func (b *Base) finishBatch(result *BatchResult, requested int) (*BatchResult, error) {
	if requested > 0 && len(result.Orders) == 0 && len(result.Errors) > 0 {
		return nil, errs.New(b.id, errs.KindValidation,
			errs.WithMessage("all batch requests failed"),
			errs.WithCause(result.Errors[0]))
	}
	return result, nil
}

// FetchTickers emulates a bulk ticker endpoint with a bounded per-symbol
// fan-out. Individual symbol failures are skipped.
func (b *Base) FetchTickers(ctx context.Context, symbols []string) ([]schema.Ticker, error) {
	if err := b.Require(FeatureFetchTickers); err != nil {
		return nil, err
	}
	if b.self == nil {
		return nil, errs.NotImplemented(b.id, string(FeatureFetchTickers))
	}
	if len(symbols) == 0 {
		markets, err := b.self.FetchMarkets(ctx)
		if err != nil {
			return nil, err
		}
		for _, m := range markets {
			if m.Active {
				symbols = append(symbols, m.Symbol)
			}
		}
	}

	p := pool.NewWithResults[*schema.Ticker]().WithMaxGoroutines(tickerFanOutWidth)
	for _, symbol := range symbols {
		symbol := symbol
		p.Go(func() *schema.Ticker {
			ticker, err := b.self.FetchTicker(ctx, symbol)
			if err != nil {
				b.Logger.Debug("ticker fan-out miss",
					observability.F("venue", b.id),
					observability.F("symbol", symbol))
				return nil
			}
			return ticker
		})
	}
	var out []schema.Ticker
	for _, ticker := range p.Wait() {
		if ticker != nil {
			out = append(out, *ticker)
		}
	}
	return out, nil
}

// FetchStatus emulates a status endpoint by probing fetchMarkets.
func (b *Base) FetchStatus(ctx context.Context) (*Status, error) {
	if b.self == nil {
		return nil, errs.NotImplemented(b.id, string(FeatureFetchStatus))
	}
	now := time.Now().UnixMilli()
	if _, err := b.self.FetchMarkets(ctx); err != nil {
		return &Status{Status: StatusError, Message: err.Error(), Updated: now}, nil
	}
	return &Status{Status: StatusOK, Updated: now}, nil
}

// HealthCheck probes the REST surface and reports socket and limiter state.
func (b *Base) HealthCheck(ctx context.Context) (*Health, error) {
	health := &Health{Status: HealthHealthy}

	start := time.Now()
	var apiErr error
	if b.self != nil {
		_, apiErr = b.self.FetchMarkets(ctx)
	} else {
		apiErr = errs.NotImplemented(b.id, "fetchMarkets")
	}
	latency := time.Since(start)
	health.Latency = latency
	health.API = ProbeResult{Reachable: apiErr == nil, Latency: latency}
	if apiErr != nil {
		health.API.Error = apiErr.Error()
		health.Status = HealthUnhealthy
	}

	if b.Runtime != nil {
		ws := &ProbeResult{Reachable: b.Runtime.State() == stream.Connected}
		health.WebSocket = ws
		if !ws.Reachable && health.Status == HealthHealthy {
			health.Status = HealthDegraded
		}
	}
	if b.Limiter != nil {
		health.RateLimit = &RateLimitHealth{
			AvailableTokens: b.Limiter.AvailableTokens(),
			NextRefill:      b.Limiter.TimeUntilRefill(),
		}
	}
	return health, nil
}

// Default contract methods. Venue drivers override the operations their
// venue offers; anything left over reports NotImplemented so callers can
// distinguish "driver gap" from "venue gap".

func (b *Base) FetchMarkets(context.Context) ([]schema.Market, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureFetchMarkets))
}

func (b *Base) FetchTicker(context.Context, string) (*schema.Ticker, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureFetchTicker))
}

func (b *Base) FetchOrderBook(context.Context, string, int) (*schema.OrderBook, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureFetchOrderBook))
}

func (b *Base) FetchTrades(context.Context, string, int) ([]schema.Trade, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureFetchTrades))
}

func (b *Base) FetchOHLCV(context.Context, string, string, int64, int) ([]schema.OHLCV, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureFetchOHLCV))
}

func (b *Base) FetchFundingRate(context.Context, string) (*schema.FundingRate, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureFetchFundingRate))
}

func (b *Base) FetchFundingRateHistory(context.Context, string, int) ([]schema.FundingRate, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureFetchFundingRateHistory))
}

func (b *Base) CreateOrder(context.Context, schema.OrderRequest) (*schema.Order, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureCreateOrder))
}

func (b *Base) CancelOrder(context.Context, string, string) (*schema.Order, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureCancelOrder))
}

func (b *Base) CancelAllOrders(context.Context, string) ([]schema.Order, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureCancelAllOrders))
}

func (b *Base) EditOrder(context.Context, string, schema.OrderRequest) (*schema.Order, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureEditOrder))
}

func (b *Base) FetchPositions(context.Context, []string) ([]schema.Position, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureFetchPositions))
}

func (b *Base) FetchBalance(context.Context) ([]schema.Balance, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureFetchBalance))
}

func (b *Base) FetchOpenOrders(context.Context, string) ([]schema.Order, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureFetchOpenOrders))
}

func (b *Base) FetchOrder(context.Context, string, string) (*schema.Order, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureFetchOrder))
}

func (b *Base) FetchOrderHistory(context.Context, string, int) ([]schema.Order, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureFetchOrderHistory))
}

func (b *Base) FetchMyTrades(context.Context, string, int) ([]schema.Trade, error) {
	return nil, errs.NotImplemented(b.id, string(FeatureFetchMyTrades))
}

func (b *Base) SetLeverage(context.Context, string, int) error {
	if err := b.Require(FeatureSetLeverage); err != nil {
		return err
	}
	return errs.NotImplemented(b.id, string(FeatureSetLeverage))
}

func (b *Base) SetMarginMode(context.Context, string, schema.MarginMode) error {
	if err := b.Require(FeatureSetMarginMode); err != nil {
		return err
	}
	return errs.NotImplemented(b.id, string(FeatureSetMarginMode))
}

func (b *Base) WatchOrderBook(context.Context, string) (*Sequence[schema.OrderBook], error) {
	return nil, errs.NotImplemented(b.id, string(FeatureWatchOrderBook))
}

func (b *Base) WatchTrades(context.Context, string) (*Sequence[schema.Trade], error) {
	return nil, errs.NotImplemented(b.id, string(FeatureWatchTrades))
}

func (b *Base) WatchTicker(context.Context, string) (*Sequence[schema.Ticker], error) {
	return nil, errs.NotImplemented(b.id, string(FeatureWatchTicker))
}

func (b *Base) WatchTickers(context.Context, []string) (*Sequence[schema.Ticker], error) {
	return nil, errs.NotImplemented(b.id, string(FeatureWatchTickers))
}

func (b *Base) WatchPositions(context.Context) (*Sequence[schema.Position], error) {
	return nil, errs.NotImplemented(b.id, string(FeatureWatchPositions))
}

func (b *Base) WatchOrders(context.Context) (*Sequence[schema.Order], error) {
	return nil, errs.NotImplemented(b.id, string(FeatureWatchOrders))
}

func (b *Base) WatchBalance(context.Context) (*Sequence[schema.Balance], error) {
	return nil, errs.NotImplemented(b.id, string(FeatureWatchBalance))
}

func (b *Base) WatchFundingRate(context.Context, string) (*Sequence[schema.FundingRate], error) {
	return nil, errs.NotImplemented(b.id, string(FeatureWatchFundingRate))
}

func (b *Base) WatchOHLCV(context.Context, string, string) (*Sequence[schema.OHLCV], error) {
	return nil, errs.NotImplemented(b.id, string(FeatureWatchOHLCV))
}

func (b *Base) WatchMyTrades(context.Context, string) (*Sequence[schema.Trade], error) {
	return nil, errs.NotImplemented(b.id, string(FeatureWatchMyTrades))
}
