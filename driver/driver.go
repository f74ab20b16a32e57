// Package driver defines the uniform venue driver contract: the capability
// map, the full operation set, and the shared base adapter venue drivers
// compose with.
package driver

import (
	"context"
	"time"

	"github.com/perpgate/perpgate/internal/breaker"
	"github.com/perpgate/perpgate/schema"
)

// Feature identifies one operation in the capability map.
type Feature string

const (
	FeatureFetchMarkets            Feature = "fetchMarkets"
	FeatureFetchTicker             Feature = "fetchTicker"
	FeatureFetchTickers            Feature = "fetchTickers"
	FeatureFetchOrderBook          Feature = "fetchOrderBook"
	FeatureFetchTrades             Feature = "fetchTrades"
	FeatureFetchOHLCV              Feature = "fetchOHLCV"
	FeatureFetchFundingRate        Feature = "fetchFundingRate"
	FeatureFetchFundingRateHistory Feature = "fetchFundingRateHistory"
	FeatureCreateOrder             Feature = "createOrder"
	FeatureCancelOrder             Feature = "cancelOrder"
	FeatureCancelAllOrders         Feature = "cancelAllOrders"
	FeatureCreateBatchOrders       Feature = "createBatchOrders"
	FeatureCancelBatchOrders       Feature = "cancelBatchOrders"
	FeatureEditOrder               Feature = "editOrder"
	FeatureFetchPositions          Feature = "fetchPositions"
	FeatureFetchBalance            Feature = "fetchBalance"
	FeatureFetchOpenOrders         Feature = "fetchOpenOrders"
	FeatureFetchOrder              Feature = "fetchOrder"
	FeatureFetchOrderHistory       Feature = "fetchOrderHistory"
	FeatureFetchMyTrades           Feature = "fetchMyTrades"
	FeatureSetLeverage             Feature = "setLeverage"
	FeatureSetMarginMode           Feature = "setMarginMode"
	FeatureWatchOrderBook          Feature = "watchOrderBook"
	FeatureWatchTrades             Feature = "watchTrades"
	FeatureWatchTicker             Feature = "watchTicker"
	FeatureWatchTickers            Feature = "watchTickers"
	FeatureWatchPositions          Feature = "watchPositions"
	FeatureWatchOrders             Feature = "watchOrders"
	FeatureWatchBalance            Feature = "watchBalance"
	FeatureWatchFundingRate        Feature = "watchFundingRate"
	FeatureWatchOHLCV              Feature = "watchOHLCV"
	FeatureWatchMyTrades           Feature = "watchMyTrades"
	FeatureFetchStatus             Feature = "fetchStatus"
)

// Support is the tri-state capability level of one feature.
type Support int

const (
	// SupportNone means the venue does not offer the feature.
	SupportNone Support = iota
	// SupportNative means the driver maps the feature onto a venue endpoint.
	SupportNative
	// SupportEmulated means the framework synthesizes the feature from
	// other primitives.
	SupportEmulated
)

// Capabilities is the closed capability map of a driver. Missing keys read
// as SupportNone.
type Capabilities map[Feature]Support

// Supports reports whether the feature is available natively or emulated.
func (c Capabilities) Supports(f Feature) bool {
	return c[f] != SupportNone
}

// BatchResult is the partial-success outcome of an emulated batch call:
// successful orders plus one error per failed request, index-aligned with
// the failures only.
type BatchResult struct {
	Orders []schema.Order
	Errors []error
}

// StatusCode is the coarse venue availability verdict.
type StatusCode string

const (
	StatusOK    StatusCode = "ok"
	StatusError StatusCode = "error"
)

// Status is the venue availability report.
type Status struct {
	Status  StatusCode `json:"status"`
	Message string     `json:"message,omitempty"`
	Updated int64      `json:"updated"`
}

// HealthStatus grades a health check.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ProbeResult is the outcome of one health probe.
type ProbeResult struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// RateLimitHealth summarizes the token bucket for health reporting.
type RateLimitHealth struct {
	AvailableTokens int           `json:"availableTokens"`
	NextRefill      time.Duration `json:"nextRefill"`
}

// Health is the aggregate health-check report.
type Health struct {
	Status    HealthStatus     `json:"status"`
	Latency   time.Duration    `json:"latency"`
	API       ProbeResult      `json:"api"`
	WebSocket *ProbeResult     `json:"websocket,omitempty"`
	Auth      *ProbeResult     `json:"auth,omitempty"`
	RateLimit *RateLimitHealth `json:"rateLimit,omitempty"`
}

// MetricsSnapshot is the driver-level metrics accessor payload: rendered
// series name → value.
type MetricsSnapshot struct {
	Counters map[string]float64 `json:"counters"`
	Gauges   map[string]float64 `json:"gauges"`
}

// Driver is the uniform venue contract. Methods on unsupported capabilities
// return NotSupported; unimplemented ones on offered capabilities return
// NotImplemented.
type Driver interface {
	ID() string
	DisplayName() string
	Has() Capabilities

	Initialize(ctx context.Context) error
	Disconnect(ctx context.Context) error

	FetchMarkets(ctx context.Context) ([]schema.Market, error)
	FetchTicker(ctx context.Context, symbol string) (*schema.Ticker, error)
	FetchTickers(ctx context.Context, symbols []string) ([]schema.Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, limit int) (*schema.OrderBook, error)
	FetchTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]schema.OHLCV, error)
	FetchFundingRate(ctx context.Context, symbol string) (*schema.FundingRate, error)
	FetchFundingRateHistory(ctx context.Context, symbol string, limit int) ([]schema.FundingRate, error)

	CreateOrder(ctx context.Context, req schema.OrderRequest) (*schema.Order, error)
	CancelOrder(ctx context.Context, id, symbol string) (*schema.Order, error)
	CancelAllOrders(ctx context.Context, symbol string) ([]schema.Order, error)
	CreateBatchOrders(ctx context.Context, reqs []schema.OrderRequest) (*BatchResult, error)
	CancelBatchOrders(ctx context.Context, ids []string, symbol string) (*BatchResult, error)
	EditOrder(ctx context.Context, id string, req schema.OrderRequest) (*schema.Order, error)

	FetchPositions(ctx context.Context, symbols []string) ([]schema.Position, error)
	FetchBalance(ctx context.Context) ([]schema.Balance, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]schema.Order, error)
	FetchOrder(ctx context.Context, id, symbol string) (*schema.Order, error)
	FetchOrderHistory(ctx context.Context, symbol string, limit int) ([]schema.Order, error)
	FetchMyTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode schema.MarginMode) error

	WatchOrderBook(ctx context.Context, symbol string) (*Sequence[schema.OrderBook], error)
	WatchTrades(ctx context.Context, symbol string) (*Sequence[schema.Trade], error)
	WatchTicker(ctx context.Context, symbol string) (*Sequence[schema.Ticker], error)
	WatchTickers(ctx context.Context, symbols []string) (*Sequence[schema.Ticker], error)
	WatchPositions(ctx context.Context) (*Sequence[schema.Position], error)
	WatchOrders(ctx context.Context) (*Sequence[schema.Order], error)
	WatchBalance(ctx context.Context) (*Sequence[schema.Balance], error)
	WatchFundingRate(ctx context.Context, symbol string) (*Sequence[schema.FundingRate], error)
	WatchOHLCV(ctx context.Context, symbol, timeframe string) (*Sequence[schema.OHLCV], error)
	WatchMyTrades(ctx context.Context, symbol string) (*Sequence[schema.Trade], error)

	SymbolToVenue(symbol string) string
	SymbolFromVenue(venueSymbol string) string

	FetchStatus(ctx context.Context) (*Status, error)
	HealthCheck(ctx context.Context) (*Health, error)

	GetMetrics() MetricsSnapshot
	GetCircuitBreakerMetrics() breaker.Metrics
	ResetMetrics()
}

// Normalizer converts venue payloads into canonical schema values. Each
// venue driver implements the subset its endpoints need; the contract
// exists so emulations and tests can substitute normalizers.
type Normalizer interface {
	Market(raw []byte) (*schema.Market, error)
	Ticker(raw []byte, symbol string) (*schema.Ticker, error)
	OrderBook(raw []byte, symbol string) (*schema.OrderBook, error)
	Trade(raw []byte, symbol string) (*schema.Trade, error)
	Order(raw []byte) (*schema.Order, error)
	Position(raw []byte) (*schema.Position, error)
	Balance(raw []byte) ([]schema.Balance, error)
}
