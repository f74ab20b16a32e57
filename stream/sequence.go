package stream

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
)

// Sequence is a lazy, non-restartable stream of raw channel events for one
// consumer. Events arrive in server order; when the consumer falls behind
// the bounded buffer, the oldest event is dropped.
type Sequence struct {
	r   *Runtime
	sub *subscription
	ch  chan json.RawMessage

	mu     sync.Mutex
	err    error
	done   chan struct{}
	closed sync.Once
}

func newSequence(r *Runtime, sub *subscription, buffer int) *Sequence {
	return &Sequence{
		r:    r,
		sub:  sub,
		ch:   make(chan json.RawMessage, buffer),
		done: make(chan struct{}),
	}
}

// Channel returns the deterministic channel id this sequence consumes.
func (s *Sequence) Channel() string { return s.sub.id }

// Next blocks for the next event. It drains buffered events before
// reporting a terminal error, and returns ErrClosed after Close.
func (s *Sequence) Next(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		// Late buffered events still win over the terminal error.
		select {
		case msg := <-s.ch:
			return msg, nil
		default:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return nil, s.err
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the consumer's interest in the channel. When this was the
// last consumer the runtime sends the venue unsubscribe frame.
func (s *Sequence) Close() {
	s.closed.Do(func() {
		close(s.done)
		s.r.dropConsumer(s)
	})
}

// deliver enqueues an event, dropping the oldest buffered one on overflow.
// Reports whether a drop occurred.
func (s *Sequence) deliver(msg json.RawMessage) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- msg:
		return false
	default:
	}
	dropped := false
	select {
	case <-s.ch:
		dropped = true
	default:
	}
	select {
	case s.ch <- msg:
	default:
		dropped = true
	}
	return dropped
}

// fail terminates the sequence with err; pending buffered events remain
// readable before the error surfaces.
func (s *Sequence) fail(err error) {
	s.closed.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}
