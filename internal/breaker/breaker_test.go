package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/perpgate/perpgate/errs"
	"github.com/perpgate/perpgate/observability"
)

var errVenue = errors.New("http 500")

func failing() (any, error) { return nil, errVenue }
func succeeding() (any, error) { return "ok", nil }

func newTestBreaker(t *testing.T, reset time.Duration) (*Breaker, *observability.Recorder, *[]Event) {
	t.Helper()
	rec := observability.NewRecorder()
	events := &[]Event{}
	b := New("testvenue", Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     reset,
		Enabled:          true,
	}, rec, func(evt Event) { *events = append(*events, evt) })
	return b, rec, events
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b, rec, _ := newTestBreaker(t, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := b.Execute(failing); !errors.Is(err, errVenue) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want Open", b.State())
	}

	_, err := b.Execute(succeeding)
	if errs.KindOf(err) != errs.KindExchangeUnavailable {
		t.Fatalf("open breaker must fail fast with exchange_unavailable, got %v", err)
	}
	if got := rec.Gauge(observability.MetricBreakerState, map[string]string{"venue": "testvenue"}); got != float64(Open) {
		t.Fatalf("breaker state gauge = %v, want %v", got, float64(Open))
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	b, _, events := newTestBreaker(t, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(failing)
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want Open", b.State())
	}

	time.Sleep(70 * time.Millisecond)

	// Two successful probes close the circuit.
	for i := 0; i < 2; i++ {
		if _, err := b.Execute(succeeding); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed", b.State())
	}

	var kinds []EventKind
	for _, evt := range *events {
		kinds = append(kinds, evt.Kind)
	}
	wantSubsequence(t, kinds, []EventKind{EventOpen, EventHalfOpen, EventClose})
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, _, _ := newTestBreaker(t, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		_, _ = b.Execute(failing)
	}
	time.Sleep(70 * time.Millisecond)
	if _, err := b.Execute(failing); !errors.Is(err, errVenue) {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want Open after half-open failure", b.State())
	}
}

func TestDisabledBreakerPassesThrough(t *testing.T) {
	b := New("testvenue", Config{Enabled: false}, nil, nil)
	for i := 0; i < 20; i++ {
		_, _ = b.Execute(failing)
	}
	if b.State() != Closed {
		t.Fatal("disabled breaker must always report Closed")
	}
	if _, err := b.Execute(succeeding); err != nil {
		t.Fatalf("disabled breaker must pass through: %v", err)
	}
}

func TestSuccessFailureCounters(t *testing.T) {
	b, rec, _ := newTestBreaker(t, time.Minute)
	_, _ = b.Execute(succeeding)
	_, _ = b.Execute(failing)
	labels := map[string]string{"venue": "testvenue"}
	if got := rec.Counter(observability.MetricBreakerSuccessTotal, labels); got != 1 {
		t.Fatalf("success counter = %v, want 1", got)
	}
	if got := rec.Counter(observability.MetricBreakerFailureTotal, labels); got != 1 {
		t.Fatalf("failure counter = %v, want 1", got)
	}
}

func wantSubsequence(t *testing.T, got []EventKind, want []EventKind) {
	t.Helper()
	i := 0
	for _, k := range got {
		if i < len(want) && k == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("events %v missing subsequence %v", got, want)
	}
}
