package driver

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/perpgate/perpgate/observability"
	"github.com/perpgate/perpgate/stream"
)

// Sequence is a typed, lazy, non-restartable stream of normalized events.
// Malformed frames are logged and skipped; transport errors terminate the
// sequence and the consumer re-watches to resume.
type Sequence[T any] struct {
	inner   *stream.Sequence
	decode  func(json.RawMessage) ([]T, error)
	logger  observability.Logger
	pending []T
}

// NewSequence wraps a raw stream sequence with a one-event-per-frame decoder.
func NewSequence[T any](inner *stream.Sequence, decode func(json.RawMessage) (T, error), logger observability.Logger) *Sequence[T] {
	return NewBatchSequence(inner, func(raw json.RawMessage) ([]T, error) {
		v, err := decode(raw)
		if err != nil {
			return nil, err
		}
		return []T{v}, nil
	}, logger)
}

// NewBatchSequence wraps a raw sequence whose frames decode to zero or more
// events, delivered one at a time. Venues that batch account deltas into a
// single push use this to fan the batch out.
func NewBatchSequence[T any](inner *stream.Sequence, decode func(json.RawMessage) ([]T, error), logger observability.Logger) *Sequence[T] {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Sequence[T]{inner: inner, decode: decode, logger: logger}
}

// Channel returns the deterministic channel id this sequence consumes.
func (s *Sequence[T]) Channel() string { return s.inner.Channel() }

// Next blocks for the next decodable event.
func (s *Sequence[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		if len(s.pending) > 0 {
			v := s.pending[0]
			s.pending = s.pending[1:]
			return v, nil
		}
		raw, err := s.inner.Next(ctx)
		if err != nil {
			return zero, err
		}
		batch, err := s.decode(raw)
		if err != nil {
			s.logger.Debug("skipping undecodable event",
				observability.F("channel", s.inner.Channel()),
				observability.F("error", err.Error()))
			continue
		}
		s.pending = batch
	}
}

// Close releases the consumer's subscription reference.
func (s *Sequence[T]) Close() { s.inner.Close() }
