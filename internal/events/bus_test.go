package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// TestBus_Broadcast verifies every subscriber receives a published event.
func TestBus_Broadcast(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	bus.Publish(Event{Type: QueueChanged, PendingCount: 2})

	for _, ch := range []<-chan Event{a, b} {
		ev := receive(t, ch)
		assert.Equal(t, QueueChanged, ev.Type)
		assert.Equal(t, 2, ev.PendingCount)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

// TestBus_PublishNeverBlocks verifies a full subscriber drops events instead of blocking.
func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: QueueChanged, PendingCount: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Equal(t, 0, receive(t, ch).PendingCount)
}

// TestBus_Cancel verifies cancel closes the channel and is safe to repeat.
func TestBus_Cancel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	bus.Publish(Event{Type: ConflictsChanged})
}

// TestBus_Close verifies Close ends all subscriptions.
func TestBus_Close(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	bus.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := bus.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

// TestBus_NilPublish verifies a nil bus ignores events.
func TestBus_NilPublish(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(Event{Type: QueueChanged}) })
}
