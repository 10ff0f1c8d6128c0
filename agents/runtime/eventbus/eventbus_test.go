package eventbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreagent/platform/agents/runtime/eventbus"
)

func recvWithTimeout(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroadcastFansOutToAllSubscribers(t *testing.T) {
	bus := eventbus.New()
	subA := bus.Subscribe("wf-1")
	subB := bus.Subscribe("wf-1")
	defer subA.Close()
	defer subB.Close()

	bus.Broadcast("wf-1", "hello")

	assert.Equal(t, "hello", recvWithTimeout(t, subA.Events()))
	assert.Equal(t, "hello", recvWithTimeout(t, subB.Events()))
}

func TestBroadcastIsolatesWorkflows(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("wf-1")
	defer sub.Close()

	bus.Broadcast("wf-2", "other workflow's event")

	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected event delivered across workflows: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeBeforeBroadcastExistingChannel(t *testing.T) {
	bus := eventbus.New()
	// Broadcast before any subscriber exists must not panic, and must
	// create a channel set so the next broadcast still has somewhere to go.
	bus.Broadcast("wf-3", "no one listening yet")

	sub := bus.Subscribe("wf-3")
	defer sub.Close()
	bus.Broadcast("wf-3", "second event")
	assert.Equal(t, "second event", recvWithTimeout(t, sub.Events()))
}

func TestCleanupClosesPendingReceivers(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("wf-4")

	bus.Cleanup("wf-4")

	_, open := <-sub.Events()
	assert.False(t, open, "channel should be closed after cleanup")
}

func TestCloseRemovesSubscriberFromFutureBroadcasts(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("wf-5")
	sub.Close()

	// Must not panic even though the channel backing sub is now closed.
	require.NotPanics(t, func() {
		bus.Broadcast("wf-5", "after close")
	})
}

func TestLaggedSubscriberReceivesLaggedSignal(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("wf-6")
	defer sub.Close()

	// Fill the buffer completely, then push one more: the overflow send
	// must be dropped rather than blocking.
	for i := 0; i < eventbus.Capacity; i++ {
		bus.Broadcast("wf-6", i)
	}
	bus.Broadcast("wf-6", "overflow")

	// Free exactly one slot, then broadcast again: the pending lagged
	// marker takes that freed slot ahead of the new event.
	<-sub.Events()
	bus.Broadcast("wf-6", "after-drain")

	var sawLagged bool
	for i := 0; i < eventbus.Capacity; i++ {
		evt := recvWithTimeout(t, sub.Events())
		if _, ok := evt.(eventbus.LaggedEvent); ok {
			sawLagged = true
		}
	}
	assert.True(t, sawLagged, "expected a LaggedEvent after overflowing the buffer")
}
