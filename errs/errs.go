// Package errs provides the structured error taxonomy shared across venue drivers.
package errs

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Kind identifies an error category in the closed taxonomy.
type Kind string

const (
	// KindNetwork indicates a transport-level failure.
	KindNetwork Kind = "network"
	// KindTimeout indicates a request or connection deadline was exceeded.
	KindTimeout Kind = "timeout"
	// KindRateLimit indicates the venue rejected the request for exceeding rate limits.
	KindRateLimit Kind = "rate_limit"
	// KindExchangeUnavailable indicates the venue is down or degraded.
	KindExchangeUnavailable Kind = "exchange_unavailable"
	// KindWebSocketDisconnected indicates the streaming transport was lost.
	KindWebSocketDisconnected Kind = "websocket_disconnected"
	// KindInvalidSignature indicates request signing failed or was rejected.
	KindInvalidSignature Kind = "invalid_signature"
	// KindExpiredAuth indicates an expired token, nonce window, or timestamp.
	KindExpiredAuth Kind = "expired_auth"
	// KindInsufficientPermissions indicates the credentials lack the required scope.
	KindInsufficientPermissions Kind = "insufficient_permissions"
	// KindValidation indicates the caller supplied an invalid request.
	KindValidation Kind = "validation"
	// KindInvalidSymbol indicates an unknown or malformed symbol.
	KindInvalidSymbol Kind = "invalid_symbol"
	// KindInvalidParameter indicates a well-formed request with an out-of-range field.
	KindInvalidParameter Kind = "invalid_parameter"
	// KindInsufficientMargin indicates margin requirements were not met.
	KindInsufficientMargin Kind = "insufficient_margin"
	// KindInsufficientBalance indicates the account balance cannot cover the request.
	KindInsufficientBalance Kind = "insufficient_balance"
	// KindOrderNotFound indicates the referenced order does not exist.
	KindOrderNotFound Kind = "order_not_found"
	// KindOrderRejected indicates the venue rejected the order.
	KindOrderRejected Kind = "order_rejected"
	// KindInvalidOrder indicates the order parameters are unacceptable to the venue.
	KindInvalidOrder Kind = "invalid_order"
	// KindMinimumOrderSize indicates the order is below the venue minimum.
	KindMinimumOrderSize Kind = "minimum_order_size"
	// KindPositionNotFound indicates the referenced position does not exist.
	KindPositionNotFound Kind = "position_not_found"
	// KindTransactionFailed indicates an on-chain settlement failure.
	KindTransactionFailed Kind = "transaction_failed"
	// KindSlippageExceeded indicates execution moved past the allowed price band.
	KindSlippageExceeded Kind = "slippage_exceeded"
	// KindLiquidation indicates the action was blocked or caused by liquidation.
	KindLiquidation Kind = "liquidation"
	// KindNotSupported indicates the venue does not offer the feature.
	KindNotSupported Kind = "not_supported"
	// KindNotImplemented indicates the driver has not implemented a feature the venue offers.
	KindNotImplemented Kind = "not_implemented"
	// KindUnknown captures uncategorized failures.
	KindUnknown Kind = "unknown"
)

// E captures structured error information produced across the library.
type E struct {
	Kind          Kind
	Venue         string
	VenueCode     string
	Message       string
	HTTP          int
	CorrelationID string

	// Kind-specific payloads. Zero values mean "not applicable".
	RetryAfter time.Duration
	Required   float64
	Available  float64
	Min        float64
	Requested  float64
	Expected   float64
	Actual     float64
	Reason     string
	TxHash     string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and kind.
func New(venue string, kind Kind, opts ...Option) *E {
	if kind == "" {
		kind = KindUnknown
	}
	e := &E{
		Kind:  kind,
		Venue: strings.TrimSpace(venue),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithVenueCode captures the raw venue error code.
func WithVenueCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.VenueCode = trimmed
	}
}

// WithCorrelationID attaches the request correlation identifier.
func WithCorrelationID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.CorrelationID = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithRetryAfter records the venue-provided backoff hint for rate-limit errors.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

// WithBalance records the required and available amounts on balance errors.
func WithBalance(required, available float64) Option {
	return func(e *E) {
		e.Required = required
		e.Available = available
	}
}

// WithMinimum records the venue minimum and the requested amount.
func WithMinimum(min, requested float64) Option {
	return func(e *E) {
		e.Min = min
		e.Requested = requested
	}
}

// WithSlippage records the expected and actual execution prices.
func WithSlippage(expected, actual float64) Option {
	return func(e *E) {
		e.Expected = expected
		e.Actual = actual
	}
}

// WithReason records the venue-supplied rejection reason.
func WithReason(reason string) Option {
	trimmed := strings.TrimSpace(reason)
	return func(e *E) {
		e.Reason = trimmed
	}
}

// WithTxHash records the transaction hash on settlement failures.
func WithTxHash(hash string) Option {
	trimmed := strings.TrimSpace(hash)
	return func(e *E) {
		e.TxHash = trimmed
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = string(KindUnknown)
	}
	parts = append(parts, "kind="+kind)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.VenueCode != "" {
		parts = append(parts, "venue_code="+strconv.Quote(e.VenueCode))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Reason != "" {
		parts = append(parts, "reason="+strconv.Quote(e.Reason))
	}
	if e.CorrelationID != "" {
		parts = append(parts, "correlation_id="+e.CorrelationID)
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.TxHash != "" {
		parts = append(parts, "tx_hash="+e.TxHash)
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// AsE extracts the structured envelope from an error chain.
func AsE(err error) (*E, bool) {
	var e *E
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the taxonomy kind of an error, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	if e, ok := AsE(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the operation may be safely retried.
// Transport failures, timeouts, rate limits, venue outages, and websocket
// drops qualify, as do HTTP 408, 429, and 5xx statuses.
func IsRetryable(err error) bool {
	e, ok := AsE(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimit, KindExchangeUnavailable, KindWebSocketDisconnected:
		return true
	}
	return RetryableStatus(e.HTTP)
}

// RetryableStatus reports whether an HTTP status code is retry-safe.
func RetryableStatus(status int) bool {
	switch status {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// IsAuth reports whether the error concerns authentication or authorization.
func IsAuth(err error) bool {
	switch KindOf(err) {
	case KindInvalidSignature, KindExpiredAuth, KindInsufficientPermissions:
		return true
	}
	return false
}

// IsValidation reports whether the error was caused by invalid caller input.
func IsValidation(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindInvalidSymbol, KindInvalidParameter, KindInvalidOrder:
		return true
	}
	return false
}

// IsOrder reports whether the error concerns a specific order.
func IsOrder(err error) bool {
	switch KindOf(err) {
	case KindOrderNotFound, KindOrderRejected, KindInvalidOrder, KindMinimumOrderSize:
		return true
	}
	return false
}

// IsTrading reports whether the error arose from trading activity.
func IsTrading(err error) bool {
	if IsOrder(err) {
		return true
	}
	switch KindOf(err) {
	case KindInsufficientMargin, KindInsufficientBalance, KindPositionNotFound,
		KindSlippageExceeded, KindLiquidation, KindTransactionFailed:
		return true
	}
	return false
}

// NotSupported returns a standardized error for features the venue does not offer.
func NotSupported(venue, feature string) *E {
	return New(venue, KindNotSupported, WithMessage(feature+" is not supported by this venue"))
}

// NotImplemented returns a standardized error for venue features the driver lacks.
func NotImplemented(venue, feature string) *E {
	return New(venue, KindNotImplemented, WithMessage(feature+" is not implemented by this driver"))
}
