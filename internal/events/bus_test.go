package events

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return NewBus(DefaultNames, zerolog.Nop())
}

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	bus := newTestBus()
	var calls []string

	_, err := bus.Subscribe(DataStored, func(ctx context.Context, e Event) error {
		calls = append(calls, "h1")
		return nil
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(DataStored, func(ctx context.Context, e Event) error {
		calls = append(calls, "h2")
		return nil
	})
	require.NoError(t, err)

	bus.Publish(context.Background(), DataStored, DataStoredPayload{DataID: "x"})

	assert.Equal(t, []string{"h1", "h2"}, calls)
}

func TestBus_FailingHandlersAreIsolated(t *testing.T) {
	bus := newTestBus()
	var calls []string

	_, _ = bus.Subscribe(DataStored, func(ctx context.Context, e Event) error {
		calls = append(calls, "panics")
		panic("boom")
	})
	_, _ = bus.Subscribe(DataStored, func(ctx context.Context, e Event) error {
		calls = append(calls, "errors")
		return errors.New("handler failed")
	})
	_, _ = bus.Subscribe(DataStored, func(ctx context.Context, e Event) error {
		calls = append(calls, "ok")
		return nil
	})

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), DataStored, nil)
	})
	assert.Equal(t, []string{"panics", "errors", "ok"}, calls)
}

func TestBus_UnknownEventIsNoop(t *testing.T) {
	bus := newTestBus()

	assert.False(t, bus.Known("somethingElse"))
	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), "somethingElse", 1)
	})

	_, err := bus.Subscribe("somethingElse", func(ctx context.Context, e Event) error { return nil })
	assert.Error(t, err)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := newTestBus()
	count := 0

	id, err := bus.Subscribe(DataDeleted, func(ctx context.Context, e Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	bus.Publish(context.Background(), DataDeleted, nil)
	assert.True(t, bus.Unsubscribe(DataDeleted, id))
	assert.False(t, bus.Unsubscribe(DataDeleted, id), "second unsubscribe should report false")
	bus.Publish(context.Background(), DataDeleted, nil)

	assert.Equal(t, 1, count)
}

func TestBus_NestedPublishOfSameEventIsDropped(t *testing.T) {
	bus := newTestBus()
	stored := 0
	retrieved := 0

	_, _ = bus.Subscribe(DataStored, func(ctx context.Context, e Event) error {
		stored++
		bus.Publish(ctx, DataStored, nil)
		bus.Publish(ctx, DataRetrieved, nil)
		return nil
	})
	_, _ = bus.Subscribe(DataRetrieved, func(ctx context.Context, e Event) error {
		retrieved++
		return nil
	})

	bus.Publish(context.Background(), DataStored, nil)

	assert.Equal(t, 1, stored)
	assert.Equal(t, 1, retrieved)
}

func TestBus_EventCarriesPayload(t *testing.T) {
	bus := newTestBus()
	var got Event

	_, _ = bus.Subscribe(NodeAdded, func(ctx context.Context, e Event) error {
		got = e
		return nil
	})
	bus.Publish(context.Background(), NodeAdded, NodePayload{NodeID: "a", Status: "online"})

	assert.Equal(t, NodeAdded, got.Name)
	assert.False(t, got.Time.IsZero())
	assert.Equal(t, NodePayload{NodeID: "a", Status: "online"}, got.Payload)
}
