package sign

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestNonceConcurrentUniqueness(t *testing.T) {
	n := NewNonce(0)

	const goroutines = 50
	const perGoroutine = 20
	results := make(chan int64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				results <- n.Next()
			}
		}()
	}
	wg.Wait()
	close(results)

	var values []int64
	for v := range results {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, v := range values {
		if v != int64(i) {
			t.Fatalf("values not a contiguous unique range: index %d holds %d", i, v)
		}
	}
	if n.Current() != goroutines*perGoroutine {
		t.Fatalf("current = %d, want %d", n.Current(), goroutines*perGoroutine)
	}
}

func TestNonceSetRollbackReset(t *testing.T) {
	n := NewNonce(0)
	n.Set(100)
	if got := n.Next(); got != 100 {
		t.Fatalf("Next after Set = %d, want 100", got)
	}
	n.Rollback()
	if got := n.Next(); got != 100 {
		t.Fatalf("Next after Rollback = %d, want 100", got)
	}
	n.Reset()
	if got := n.Current(); got != 0 {
		t.Fatalf("Current after Reset = %d, want 0", got)
	}
}

func TestNonceSyncFromServer(t *testing.T) {
	n := NewNonce(5)
	err := n.SyncFromServer(context.Background(), func(context.Context) (int64, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("SyncFromServer: %v", err)
	}
	if n.Current() != 42 {
		t.Fatalf("current = %d, want 42", n.Current())
	}

	wantErr := errors.New("venue down")
	if err := n.SyncFromServer(context.Background(), func(context.Context) (int64, error) {
		return 0, wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}
	if n.Current() != 42 {
		t.Fatal("failed sync must not change the counter")
	}
}

func TestSessionRefreshesNearExpiry(t *testing.T) {
	var calls int
	now := time.Unix(1000, 0)
	s := NewSession(30*time.Second, func(context.Context) (string, time.Time, error) {
		calls++
		return "token-" + string(rune('0'+calls)), now.Add(60 * time.Second), nil
	})
	s.now = func() time.Time { return now }

	token, err := s.Current(context.Background())
	if err != nil || token != "token-1" {
		t.Fatalf("token = %q err = %v", token, err)
	}
	// Still valid: no refetch.
	if token, _ = s.Current(context.Background()); token != "token-1" || calls != 1 {
		t.Fatalf("token = %q calls = %d", token, calls)
	}

	// Inside the refresh buffer: refetch.
	now = now.Add(35 * time.Second)
	if token, _ = s.Current(context.Background()); calls != 2 {
		t.Fatalf("expected refresh inside buffer, calls = %d", calls)
	}

	s.Reset()
	if _, _ = s.Current(context.Background()); calls != 3 {
		t.Fatalf("expected refetch after reset, calls = %d", calls)
	}
	_ = token
}
