package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	count := 0
	sub := SubscriberFunc(func(context.Context, Event) error {
		count++
		return nil
	})
	_, err := bus.Register(sub)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, NewRunStarted("run1", false)))
	require.NoError(t, bus.Publish(ctx, NewRunFinished("run1", "natural_stop")))
	require.Equal(t, 2, count)
}

func TestBusRegisterNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}

func TestSubscriptionCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	count := 0
	sub := SubscriberFunc(func(context.Context, Event) error {
		count++
		return nil
	})
	sub1, err := bus.Register(sub)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, NewRunStarted("run1", false)))
	require.NoError(t, sub1.Close())
	require.NoError(t, sub1.Close())
	require.NoError(t, bus.Publish(ctx, NewRunFinished("run1", "natural_stop")))
	require.Equal(t, 1, count)
}

func TestBusPublishStopsAtFirstError(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	boom := errors.New("boom")

	var calledSecond bool
	_, err := bus.Register(SubscriberFunc(func(context.Context, Event) error { return boom }))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(context.Context, Event) error {
		calledSecond = true
		return nil
	}))
	require.NoError(t, err)

	err = bus.Publish(ctx, NewRunStarted("run1", false))
	require.ErrorIs(t, err, boom)
	require.False(t, calledSecond)
}
