package event

import (
	"context"
	"sync"
)

// Sink is the single outbound channel a run writes events to. The driver and
// its spawned tool-call tasks are all writers; the run's caller is the sole
// reader of Events(). Sink stamps each event with a monotonically increasing
// sequence number at emission time, so concurrent writers never race on
// ordering: Emit itself is the serialization point.
type Sink interface {
	// Emit stamps ev with the next sequence number and delivers it to the
	// channel returned by Events. Emit blocks if the channel is unread and
	// full, and returns ctx.Err() if ctx is canceled first.
	Emit(ctx context.Context, ev Event) error
	// Events returns the channel the run's caller reads from. Closed once
	// the sink is Closed.
	Events() <-chan Event
	// Close closes the underlying channel. Idempotent.
	Close()
}

type sink struct {
	mu     sync.Mutex
	seq    uint64
	ch     chan Event
	closed bool
}

// NewSink constructs a Sink with the given channel buffer size. A buffer of
// 0 makes every Emit rendezvous with a reader; callers that want a lazy but
// non-blocking producer typically buffer a handful of events.
func NewSink(buffer int) Sink {
	return &sink{ch: make(chan Event, buffer)}
}

func (s *sink) Emit(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.seq++

	if seqr, ok := ev.(Sequencer); ok {
		seqr.SetSeq(s.seq)
	}

	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sink) Events() <-chan Event { return s.ch }

func (s *sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
