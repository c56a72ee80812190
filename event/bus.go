package event

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus fans an event out to every registered Subscriber synchronously,
	// in registration order, stopping at the first subscriber error. It is
	// a side channel alongside Sink: subscribers are used for persistence
	// and observability hooks that must see every event as it is emitted,
	// whereas Sink's channel is the one the run's external caller lazily
	// consumes.
	Bus interface {
		// Publish delivers ev to every current subscriber. Stops and
		// returns the first error encountered.
		Publish(ctx context.Context, ev Event) error
		// Register adds a subscriber and returns a handle to remove it.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to events published on a Bus.
	Subscriber interface {
		HandleEvent(ctx context.Context, ev Event) error
	}

	// SubscriberFunc adapts a plain function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, ev Event) error

	// Subscription represents an active registration. Close is idempotent.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
		order       []*subscription
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

func (f SubscriberFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// NewBus constructs an empty, ready-to-use Bus.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

func (b *bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.order {
		subs = append(subs, b.subscribers[s])
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("event: subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.order = append(b.order, s)
	b.mu.Unlock()
	return s, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		for i, o := range s.bus.order {
			if o == s {
				s.bus.order = append(s.bus.order[:i], s.bus.order[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
