// Package rest implements the retriable HTTP execution pipeline shared by
// all venue drivers: correlation ids, circuit breaking, jittered backoff,
// typed error classification, and per-attempt metric emission.
package rest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/perpgate/perpgate/errs"
	"github.com/perpgate/perpgate/internal/breaker"
	"github.com/perpgate/perpgate/observability"
)

// CorrelationHeader carries the per-request opaque identifier.
const CorrelationHeader = "X-Correlation-ID"

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxAttempts  = 3
	defaultInitialDelay = 100 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
	defaultMultiplier   = 2.0
	maxErrorBodyBytes   = 8 << 10
)

// Config parameterizes the pipeline.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// Request describes one venue call. Endpoint names the metric bucket and
// rate-limit weight entry; it never reaches the wire.
type Request struct {
	Method   string
	Path     string
	Query    url.Values
	Body     []byte
	Headers  http.Header
	Endpoint string
}

// Response is the parsed result of a successful call.
type Response struct {
	Status        int
	Body          json.RawMessage
	Header        http.Header
	CorrelationID string
	Attempts      int
}

// Client executes requests through the breaker with retries. The rate
// limiter is deliberately absent here; drivers acquire tokens before
// handing off so validation failures never consume them.
type Client struct {
	venue   string
	cfg     Config
	http    *http.Client
	breaker *breaker.Breaker
	metrics observability.Metrics
	logger  observability.Logger
}

// New constructs a client for the venue. breaker may be nil to disable
// circuit breaking; nil metrics and logger default to no-ops.
func New(venue string, cfg Config, cb *breaker.Breaker, metrics observability.Metrics, logger observability.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = defaultMultiplier
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Client{
		venue:   venue,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: cb,
		metrics: metrics,
		logger:  logger,
	}
}

// Do executes the request and returns the parsed JSON body. Every error
// carries the correlation id assigned to the request.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	correlationID := uuid.NewString()

	if c.breaker != nil && c.breaker.State() == breaker.Open {
		return nil, errs.New(c.venue, errs.KindExchangeUnavailable,
			errs.WithMessage("circuit breaker open"),
			errs.WithCorrelationID(correlationID))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialDelay
	bo.MaxInterval = c.cfg.MaxDelay
	bo.Multiplier = c.cfg.Multiplier
	if c.cfg.Jitter {
		bo.RandomizationFactor = 0.2
	} else {
		bo.RandomizationFactor = 0
	}
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		resp, err := c.attempt(ctx, req, correlationID, attempt)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !errs.IsRetryable(err) || attempt == c.cfg.MaxAttempts {
			break
		}
		if errs.KindOf(err) == errs.KindExchangeUnavailable {
			if e, ok := errs.AsE(err); ok && e.HTTP == 0 {
				// Breaker tripped mid-flight; stop burning attempts.
				break
			}
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = c.cfg.MaxDelay
		}
		c.logger.Debug("retrying request",
			observability.F("venue", c.venue),
			observability.F("endpoint", req.Endpoint),
			observability.F("attempt", attempt),
			observability.F("delay", delay.String()),
			observability.F("correlation_id", correlationID))
		select {
		case <-ctx.Done():
			return nil, errs.New(c.venue, errs.KindTimeout,
				errs.WithMessage("request canceled during backoff"),
				errs.WithCorrelationID(correlationID),
				errs.WithCause(ctx.Err()))
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, req Request, correlationID string, attempt int) (*Response, error) {
	execute := func() (any, error) {
		return c.roundTrip(ctx, req, correlationID, attempt)
	}

	var out any
	var err error
	if c.breaker != nil {
		out, err = c.breaker.Execute(execute)
	} else {
		out, err = execute()
	}
	if err != nil {
		if e, ok := errs.AsE(err); ok && e.CorrelationID == "" {
			e.CorrelationID = correlationID
		}
		return nil, err
	}
	return out.(*Response), nil
}

func (c *Client) roundTrip(ctx context.Context, req Request, correlationID string, attempt int) (*Response, error) {
	fullURL := strings.TrimRight(c.cfg.BaseURL, "/") + req.Path
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, fullURL, body)
	if err != nil {
		return nil, errs.New(c.venue, errs.KindValidation,
			errs.WithMessage("build request: "+err.Error()),
			errs.WithCorrelationID(correlationID),
			errs.WithCause(err))
	}
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set(CorrelationHeader, correlationID)
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	latency := time.Since(start)

	endpointLabels := map[string]string{"venue": c.venue, "endpoint": req.Endpoint}
	c.metrics.ObserveHistogram(observability.MetricRequestLatencyMs, float64(latency.Milliseconds()), endpointLabels)

	if err != nil {
		kind := errs.KindNetwork
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			kind = errs.KindTimeout
		}
		c.recordOutcome(req.Endpoint, "transport_error", kind)
		return nil, errs.New(c.venue, kind,
			errs.WithMessage("transport failure on attempt "+strconv.Itoa(attempt)),
			errs.WithCorrelationID(correlationID),
			errs.WithCause(err))
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	status := httpResp.StatusCode
	c.metrics.IncCounter(observability.MetricRequestsTotal, 1, map[string]string{
		"venue": c.venue, "endpoint": req.Endpoint, "status": strconv.Itoa(status),
	})

	if status >= 200 && status < 300 {
		raw, readErr := io.ReadAll(httpResp.Body)
		if readErr != nil {
			c.recordOutcome(req.Endpoint, "read_error", errs.KindNetwork)
			return nil, errs.New(c.venue, errs.KindNetwork,
				errs.WithMessage("read response body"),
				errs.WithCorrelationID(correlationID),
				errs.WithCause(readErr))
		}
		return &Response{
			Status:        status,
			Body:          json.RawMessage(raw),
			Header:        httpResp.Header,
			CorrelationID: correlationID,
			Attempts:      attempt,
		}, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodyBytes))
	kind := statusKind(status)
	c.recordOutcome(req.Endpoint, strconv.Itoa(status), kind)

	opts := []errs.Option{
		errs.WithHTTP(status),
		errs.WithMessage(strings.TrimSpace(string(raw))),
		errs.WithCorrelationID(correlationID),
	}
	if status == http.StatusTooManyRequests {
		if retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After")); retryAfter > 0 {
			opts = append(opts, errs.WithRetryAfter(retryAfter))
		}
	}
	return nil, errs.New(c.venue, kind, opts...)
}

func (c *Client) recordOutcome(endpoint, status string, kind errs.Kind) {
	c.metrics.IncCounter(observability.MetricRequestErrorsTotal, 1, map[string]string{
		"venue": c.venue, "endpoint": endpoint, "status": status, "kind": string(kind),
	})
}

func statusKind(status int) errs.Kind {
	switch {
	case status == http.StatusRequestTimeout:
		return errs.KindTimeout
	case status == http.StatusTooManyRequests:
		return errs.KindRateLimit
	case status == http.StatusUnauthorized:
		return errs.KindExpiredAuth
	case status == http.StatusForbidden:
		return errs.KindInsufficientPermissions
	case status >= 500:
		return errs.KindExchangeUnavailable
	default:
		return errs.KindUnknown
	}
}

func parseRetryAfter(value string) time.Duration {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0
	}
	if secs, err := strconv.Atoi(trimmed); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
