// Package events provides the in-process broadcast channel the sync core
// uses to tell observers that the queue or the conflict set changed.
package events

import (
	"sync"
	"time"
)

// Type identifies an event.
type Type string

const (
	QueueChanged     Type = "sync.queue_changed"
	ConflictsChanged Type = "sync.conflicts_changed"
	SyncStarted      Type = "sync.started"
	SyncCompleted    Type = "sync.completed"
	SyncFailed       Type = "sync.failed"
)

// Event is a broadcast notification.
type Event struct {
	Type Type
	// PendingCount is the queue length for QueueChanged and the number of
	// pending conflicts for ConflictsChanged.
	PendingCount int
	Timestamp    time.Time
}

const defaultBuffer = 64

// Bus fans events out to every subscriber. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel function removes it
// and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish broadcasts ev to all subscribers. A nil bus is a no-op.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
