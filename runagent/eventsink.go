package runagent

import (
	"context"
	"sync"

	"github.com/hpd-agent/core/event"
)

// eventSink is the outbound event channel (spec §2's EventSink leaf): a
// single writer (the driver and its dispatched tool calls, via
// filter.Emit), a single reader (the consumer of Run's returned channel),
// stamping each event with a monotonically increasing sequence number at
// emission time.
type eventSink struct {
	mu  sync.Mutex
	seq uint64
	ch  chan event.Event
}

func newEventSink(buffer int) *eventSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &eventSink{ch: make(chan event.Event, buffer)}
}

// emit stamps ev with the next sequence number and delivers it, blocking
// until the reader receives it or ctx is canceled. The stamp and the send
// share one critical section so concurrent emitters (e.g. concurrently
// dispatched tool calls) cannot have their sequence numbers assigned in one
// order and their channel deliveries observed in another: s.mu doubles as
// the single-writer queue spec §5's total ordering requires.
func (s *eventSink) emit(ctx context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	if sq, ok := ev.(event.Sequencer); ok {
		sq.SetSeq(s.seq)
	}

	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *eventSink) events() <-chan event.Event { return s.ch }

func (s *eventSink) close() { close(s.ch) }
