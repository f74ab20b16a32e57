// Package ratelimit implements the weighted token bucket guarding venue requests.
package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/perpgate/perpgate/observability"
)

// ErrDestroyed is returned to every waiter when the bucket is destroyed.
var ErrDestroyed = errors.New("ratelimit: bucket destroyed")

// pollInterval caps how often the queue processor re-checks feasibility.
const pollInterval = 100 * time.Millisecond

// Config parameterizes a bucket.
type Config struct {
	MaxTokens int
	Window    time.Duration
	// RefillRate is the number of tokens restored per elapsed window.
	// Zero defaults to MaxTokens.
	RefillRate int
	// Weights maps endpoint names to token costs; unlisted endpoints cost 1.
	Weights map[string]int
}

type waiter struct {
	weight int
	done   chan error
}

// Bucket is a weighted token bucket with a strict-FIFO waiter queue.
// The head waiter blocks the queue even when later waiters would fit.
type Bucket struct {
	mu         sync.Mutex
	cfg        Config
	tokens     int
	lastRefill time.Time
	queue      *list.List
	timer      *time.Timer
	destroyed  bool

	venue   string
	metrics observability.Metrics
	now     func() time.Time
}

// New constructs a bucket for the venue. A nil metrics sink disables emission.
func New(venue string, cfg Config, metrics observability.Metrics) *Bucket {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = cfg.MaxTokens
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	b := &Bucket{
		cfg:     cfg,
		tokens:  cfg.MaxTokens,
		queue:   list.New(),
		venue:   venue,
		metrics: metrics,
		now:     time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// Cost resolves the token cost of an endpoint: explicit weight if positive,
// the configured endpoint weight otherwise, defaulting to 1.
func (b *Bucket) Cost(endpoint string, weight int) int {
	if weight > 0 {
		return weight
	}
	if w, ok := b.cfg.Weights[endpoint]; ok && w > 0 {
		return w
	}
	return 1
}

// Acquire blocks until the caller may proceed or the context is canceled.
// Waiters are served strictly in arrival order.
func (b *Bucket) Acquire(ctx context.Context, endpoint string, weight int) error {
	cost := b.Cost(endpoint, weight)

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	b.refillLocked()
	if b.queue.Len() == 0 && b.tokens >= cost {
		b.tokens -= cost
		b.mu.Unlock()
		return nil
	}

	w := &waiter{weight: cost, done: make(chan error, 1)}
	elem := b.queue.PushBack(w)
	b.metrics.IncCounter(observability.MetricRateLimitHitsTotal, 1, map[string]string{"venue": b.venue})
	b.scheduleLocked()
	b.mu.Unlock()

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		b.mu.Lock()
		removed := false
		for e := b.queue.Front(); e != nil; e = e.Next() {
			if e == elem {
				b.queue.Remove(e)
				removed = true
				break
			}
		}
		b.mu.Unlock()
		if !removed {
			// Released concurrently with cancellation; the tokens were
			// already consumed, so the caller may proceed.
			return <-w.done
		}
		return ctx.Err()
	}
}

// TryAcquire consumes tokens without blocking. Queued waiters keep priority.
func (b *Bucket) TryAcquire(endpoint string, weight int) bool {
	cost := b.Cost(endpoint, weight)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return false
	}
	b.refillLocked()
	if b.queue.Len() > 0 || b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// AvailableTokens reports the current token count after refill accounting.
func (b *Bucket) AvailableTokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// TimeUntilRefill reports the delay until the next window boundary.
func (b *Bucket) TimeUntilRefill() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	next := b.lastRefill.Add(b.cfg.Window).Sub(b.now())
	if next < 0 {
		return 0
	}
	return next
}

// Reset restores the bucket to full and wakes any now-feasible waiters.
func (b *Bucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.tokens = b.cfg.MaxTokens
	b.lastRefill = b.now()
	b.releaseLocked()
}

// Destroy cancels the processor and rejects every queued waiter with a
// terminal error. The bucket is unusable afterwards.
func (b *Bucket) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	for e := b.queue.Front(); e != nil; e = e.Next() {
		e.Value.(*waiter).done <- ErrDestroyed
	}
	b.queue.Init()
}

// refillLocked applies the window refill rule: whole elapsed windows each
// restore RefillRate tokens, capped at MaxTokens, and the refill anchor
// advances by the consumed windows only.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed < b.cfg.Window {
		return
	}
	windows := int(elapsed / b.cfg.Window)
	b.tokens += windows * b.cfg.RefillRate
	if b.tokens > b.cfg.MaxTokens {
		b.tokens = b.cfg.MaxTokens
	}
	b.lastRefill = now.Add(-(elapsed % b.cfg.Window))
}

// releaseLocked serves queued waiters from the head while tokens allow.
func (b *Bucket) releaseLocked() {
	for {
		front := b.queue.Front()
		if front == nil {
			return
		}
		w := front.Value.(*waiter)
		if b.tokens < w.weight {
			return
		}
		b.tokens -= w.weight
		b.queue.Remove(front)
		w.done <- nil
	}
}

// scheduleLocked arms the processor timer if waiters are pending.
func (b *Bucket) scheduleLocked() {
	if b.queue.Len() == 0 || b.timer != nil {
		return
	}
	delay := b.lastRefill.Add(b.cfg.Window).Sub(b.now())
	if delay > pollInterval {
		delay = pollInterval
	}
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	b.timer = time.AfterFunc(delay, b.process)
}

func (b *Bucket) process() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer = nil
	if b.destroyed {
		return
	}
	b.refillLocked()
	b.releaseLocked()
	b.scheduleLocked()
}
