package sign

import (
	"context"
	"sync"
	"time"
)

// Nonce is a serialized monotonic 64-bit counter. Two concurrent signers
// never observe the same value.
type Nonce struct {
	mu    sync.Mutex
	value int64
}

// NewNonce seeds the counter; millisecond timestamps are a common seed.
func NewNonce(seed int64) *Nonce {
	return &Nonce{value: seed}
}

// Next returns the current value and increments.
func (n *Nonce) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.value
	n.value++
	return v
}

// Current returns the value the next call to Next would produce.
func (n *Nonce) Current() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.value
}

// Set synchronizes the counter with an externally-authoritative value.
func (n *Nonce) Set(v int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.value = v
}

// Rollback returns one value to the pool after a signed message is known
// not to have been submitted.
func (n *Nonce) Rollback() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.value > 0 {
		n.value--
	}
}

// Reset zeroes the counter.
func (n *Nonce) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.value = 0
}

// SyncFromServer replaces the counter with the venue's authoritative value.
func (n *Nonce) SyncFromServer(ctx context.Context, fetch func(context.Context) (int64, error)) error {
	v, err := fetch(ctx)
	if err != nil {
		return err
	}
	n.Set(v)
	return nil
}

// Session caches an auth token and refreshes it before expiry. Used for
// bearer-token and WebSocket session schemes.
type Session struct {
	mu            sync.Mutex
	token         string
	expiresAt     time.Time
	refreshBuffer time.Duration
	fetch         func(context.Context) (string, time.Time, error)
	now           func() time.Time
}

// NewSession constructs a session around the token fetcher. refreshBuffer
// is how long before expiry a refresh is forced; zero defaults to 30s.
func NewSession(refreshBuffer time.Duration, fetch func(context.Context) (string, time.Time, error)) *Session {
	if refreshBuffer <= 0 {
		refreshBuffer = 30 * time.Second
	}
	return &Session{refreshBuffer: refreshBuffer, fetch: fetch, now: time.Now}
}

// Current returns a valid token, refreshing when within the buffer of expiry.
func (s *Session) Current(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Before(s.expiresAt.Add(-s.refreshBuffer)) {
		return s.token, nil
	}
	token, expiresAt, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expiresAt = expiresAt
	return s.token, nil
}

// Reset invalidates the cached token; the next Current refetches.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}
