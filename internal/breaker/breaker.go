// Package breaker adapts sony/gobreaker to the driver execution pipeline.
package breaker

import (
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/perpgate/perpgate/errs"
	"github.com/perpgate/perpgate/observability"
)

// State is the breaker state exposed to metrics: Closed=0, HalfOpen=1, Open=2.
type State int

const (
	// Closed passes requests through.
	Closed State = 0
	// HalfOpen admits a limited number of probes.
	HalfOpen State = 1
	// Open rejects requests immediately.
	Open State = 2
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	}
	return "state_" + strconv.Itoa(int(s))
}

// EventKind enumerates observer notifications.
type EventKind string

const (
	// EventOpen fires on a transition to Open.
	EventOpen EventKind = "open"
	// EventHalfOpen fires on a transition to HalfOpen.
	EventHalfOpen EventKind = "halfOpen"
	// EventClose fires on a transition to Closed.
	EventClose EventKind = "close"
	// EventSuccess fires after each successful execution.
	EventSuccess EventKind = "success"
	// EventFailure fires after each failed execution.
	EventFailure EventKind = "failure"
)

// Event carries a breaker notification.
type Event struct {
	Kind EventKind
	From State
	To   State
}

// Config parameterizes the breaker.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	Enabled          bool
}

// Metrics is a snapshot of breaker counters for driver accessors.
type Metrics struct {
	State                State
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker guards a venue with a three-state circuit.
type Breaker struct {
	venue    string
	cb       *gobreaker.CircuitBreaker
	enabled  atomic.Bool
	metrics  observability.Metrics
	onEvent  func(Event)
}

// New constructs a breaker. A nil metrics sink disables emission; onEvent
// may be nil.
func New(venue string, cfg Config, metrics observability.Metrics, onEvent func(Event)) *Breaker {
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}

	b := &Breaker{venue: venue, metrics: metrics, onEvent: onEvent}
	b.enabled.Store(cfg.Enabled)

	settings := gobreaker.Settings{
		Name:        venue,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.recordTransition(mapState(from), mapState(to))
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	b.metrics.SetGauge(observability.MetricBreakerState, float64(Closed), b.labels())
	return b
}

// Execute runs fn through the breaker. When the circuit is open the call
// fails fast with an ExchangeUnavailable error; the underlying error is
// otherwise passed through unchanged.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	if !b.enabled.Load() {
		return fn()
	}
	out, err := b.cb.Execute(func() (any, error) {
		res, execErr := fn()
		if execErr != nil {
			return res, execErr
		}
		return res, nil
	})
	switch {
	case err == nil:
		b.emit(Event{Kind: EventSuccess})
		b.metrics.IncCounter(observability.MetricBreakerSuccessTotal, 1, b.labels())
		return out, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, errs.New(b.venue, errs.KindExchangeUnavailable,
			errs.WithMessage("circuit breaker open"), errs.WithCause(err))
	default:
		b.emit(Event{Kind: EventFailure})
		b.metrics.IncCounter(observability.MetricBreakerFailureTotal, 1, b.labels())
		return out, err
	}
}

// State reports the current breaker state.
func (b *Breaker) State() State {
	if !b.enabled.Load() {
		return Closed
	}
	return mapState(b.cb.State())
}

// Snapshot returns the current counters and state.
func (b *Breaker) Snapshot() Metrics {
	counts := b.cb.Counts()
	return Metrics{
		State:                b.State(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// Destroy disables the breaker. gobreaker computes state transitions
// lazily, so there is no reset timer to cancel beyond disabling.
func (b *Breaker) Destroy() {
	b.enabled.Store(false)
}

func (b *Breaker) labels() map[string]string {
	return map[string]string{"venue": b.venue}
}

func (b *Breaker) recordTransition(from, to State) {
	b.metrics.SetGauge(observability.MetricBreakerState, float64(to), b.labels())
	b.metrics.IncCounter(observability.MetricBreakerTransitions, 1, map[string]string{
		"venue": b.venue,
		"from":  from.String(),
		"to":    to.String(),
	})
	switch to {
	case Open:
		b.emit(Event{Kind: EventOpen, From: from, To: to})
	case HalfOpen:
		b.emit(Event{Kind: EventHalfOpen, From: from, To: to})
	case Closed:
		b.emit(Event{Kind: EventClose, From: from, To: to})
	}
}

func (b *Breaker) emit(evt Event) {
	if b.onEvent != nil {
		b.onEvent(evt)
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}
