package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := New(zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	bus.Publish(Event{Name: Connect, ConnectionID: 1})

	select {
	case evt := <-events:
		require.Equal(t, Connect, evt.Name)
		require.Equal(t, 1, evt.ConnectionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestErrorBusFiltersToErrorSubset(t *testing.T) {
	bus := New(zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs, err := bus.SubscribeErrors(ctx)
	require.NoError(t, err)

	bus.Publish(Event{Name: Send, ConnectionID: 1})
	bus.Publish(Event{Name: ReconnectFailed, ConnectionID: 1, Payload: map[string]any{"attempt": 2}})

	select {
	case evt := <-errs:
		require.Equal(t, ReconnectFailed, evt.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
}
