package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/perpgate/perpgate/errs"
	"github.com/perpgate/perpgate/internal/breaker"
	"github.com/perpgate/perpgate/observability"
)

func fastConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		Timeout:      2 * time.Second,
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestRetriesTransientServerErrors(t *testing.T) {
	var mu sync.Mutex
	var attempts int
	var correlations []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		correlations = append(correlations, r.Header.Get(CorrelationHeader))
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := New("testvenue", fastConfig(server.URL), nil, nil, nil)
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/time", Endpoint: "time"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", resp.Attempts)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Fatalf("body = %s", resp.Body)
	}
	// Every attempt of one logical request carries the same correlation id.
	for i := 1; i < len(correlations); i++ {
		if correlations[i] != correlations[0] || correlations[i] == "" {
			t.Fatalf("correlation ids diverged: %v", correlations)
		}
	}
	if resp.CorrelationID != correlations[0] {
		t.Fatalf("response correlation %q != header %q", resp.CorrelationID, correlations[0])
	}
}

func TestExhaustedRetriesReturnLastError(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := New("testvenue", fastConfig(server.URL), nil, nil, nil)
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x", Endpoint: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	e, ok := errs.AsE(err)
	if !ok {
		t.Fatalf("error type: %T", err)
	}
	if e.Kind != errs.KindExchangeUnavailable || e.HTTP != http.StatusBadGateway {
		t.Fatalf("kind=%v http=%d", e.Kind, e.HTTP)
	}
	if e.CorrelationID == "" {
		t.Fatal("correlation id missing from final error")
	}
}

func TestNonRetryableStatusFailsImmediately(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1102,"msg":"param missing"}`))
	}))
	defer server.Close()

	c := New("testvenue", fastConfig(server.URL), nil, nil, nil)
	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/order", Endpoint: "order"})
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	e, ok := errs.AsE(err)
	if !ok || e.HTTP != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
	if e.Message == "" {
		t.Fatal("venue error body must be preserved for mapping")
	}
}

func TestAuthStatusesDoNotRetry(t *testing.T) {
	for status, kind := range map[int]errs.Kind{
		http.StatusUnauthorized: errs.KindExpiredAuth,
		http.StatusForbidden:    errs.KindInsufficientPermissions,
	} {
		var attempts int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			attempts++
			w.WriteHeader(status)
		}))
		c := New("testvenue", fastConfig(server.URL), nil, nil, nil)
		_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/account", Endpoint: "account"})
		server.Close()
		if attempts != 1 {
			t.Fatalf("status %d: attempts = %d, want 1", status, attempts)
		}
		if errs.KindOf(err) != kind {
			t.Fatalf("status %d: kind = %v, want %v", status, errs.KindOf(err), kind)
		}
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.MaxAttempts = 1
	c := New("testvenue", cfg, nil, nil, nil)
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x", Endpoint: "x"})
	e, ok := errs.AsE(err)
	if !ok || e.Kind != errs.KindRateLimit {
		t.Fatalf("err = %v", err)
	}
	if e.RetryAfter != 7*time.Second {
		t.Fatalf("retry-after = %v, want 7s", e.RetryAfter)
	}
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	rec := observability.NewRecorder()
	cb := breaker.New("testvenue", breaker.Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
		Enabled:          true,
	}, rec, nil)
	cfg := fastConfig(server.URL)
	cfg.MaxAttempts = 1
	c := New("testvenue", cfg, cb, rec, nil)

	for i := 0; i < 3; i++ {
		if _, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x", Endpoint: "x"}); err == nil {
			t.Fatalf("call %d unexpectedly succeeded", i)
		}
	}
	if cb.State() != breaker.Open {
		t.Fatalf("breaker state = %v, want Open", cb.State())
	}

	start := time.Now()
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x", Endpoint: "x"})
	if errs.KindOf(err) != errs.KindExchangeUnavailable {
		t.Fatalf("open breaker kind = %v", errs.KindOf(err))
	}
	if e, _ := errs.AsE(err); e.CorrelationID == "" {
		t.Fatal("fail-fast error must carry a correlation id")
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("open breaker did not fail fast")
	}
}

func TestBackoffDelaysGrow(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.InitialDelay = 20 * time.Millisecond
	cfg.MaxDelay = 500 * time.Millisecond
	c := New("testvenue", cfg, nil, nil, nil)
	_, _ = c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x", Endpoint: "x"})

	if len(stamps) != 3 {
		t.Fatalf("attempts = %d, want 3", len(stamps))
	}
	first := stamps[1].Sub(stamps[0])
	second := stamps[2].Sub(stamps[1])
	if second <= first {
		t.Fatalf("backoff not increasing: %v then %v", first, second)
	}
}

func TestPerAttemptMetrics(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	rec := observability.NewRecorder()
	c := New("testvenue", fastConfig(server.URL), nil, rec, nil)
	if _, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x", Endpoint: "markets"}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	if got := rec.Counter(observability.MetricRequestsTotal, map[string]string{
		"venue": "testvenue", "endpoint": "markets", "status": "503",
	}); got != 1 {
		t.Fatalf("503 counter = %v, want 1", got)
	}
	if got := rec.Counter(observability.MetricRequestsTotal, map[string]string{
		"venue": "testvenue", "endpoint": "markets", "status": "200",
	}); got != 1 {
		t.Fatalf("200 counter = %v, want 1", got)
	}
}

func TestErrorCounterTaggedWithStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	rec := observability.NewRecorder()
	c := New("testvenue", fastConfig(server.URL), nil, rec, nil)
	if _, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x", Endpoint: "order"}); err == nil {
		t.Fatal("expected error")
	}

	if got := rec.Counter(observability.MetricRequestErrorsTotal, map[string]string{
		"venue": "testvenue", "endpoint": "order", "status": "400",
		"kind": string(errs.KindUnknown),
	}); got != 1 {
		t.Fatalf("error counter = %v, want 1", got)
	}
}
