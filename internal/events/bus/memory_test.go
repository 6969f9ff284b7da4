package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind/hivemind/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("hivemind.agents", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	ev := NewEvent("agent.created", "manager", map[string]interface{}{"agentId": "a1"})
	require.NoError(t, b.Publish(context.Background(), "hivemind.agents", ev))

	select {
	case got := <-received:
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, "agent.created", got.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan string, 4)
	_, err := b.Subscribe("hivemind.>", func(ctx context.Context, e *Event) error {
		received <- e.Type
		return nil
	})
	require.NoError(t, err)

	_, err = b.Subscribe("hivemind.*", func(ctx context.Context, e *Event) error {
		received <- "single:" + e.Type
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "hivemind.agents.a1",
		NewEvent("agent.status_changed", "manager", nil)))

	select {
	case typ := <-received:
		// hivemind.agents.a1 has two trailing tokens, only > matches
		assert.Equal(t, "agent.status_changed", typ)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case typ := <-received:
		t.Fatalf("unexpected second delivery: %s", typ)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("hivemind.bus", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "hivemind.bus",
		NewEvent("bus.message_posted", "bus", nil)))

	select {
	case <-received:
		t.Fatal("delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	b.Close()

	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "hivemind.agents", NewEvent("agent.created", "manager", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("hivemind.agents", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
