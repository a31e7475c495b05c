package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the event channel capacity used when none is given.
const DefaultBufferSize = 256

const publishTimeout = 100 * time.Millisecond

type EventBus struct {
	events    chan Event
	closed    bool
	published atomic.Uint64
	dropped   atomic.Uint64
	mu        sync.RWMutex
}

func NewEventBus(size int) *EventBus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &EventBus{events: make(chan Event, size)}
}

// Publish enqueues ev, waiting up to publishTimeout for room before dropping
// it. It reports whether the event was accepted.
func (b *EventBus) Publish(ctx context.Context, ev Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}

	select {
	case b.events <- ev:
		b.published.Add(1)
		return true
	default:
	}

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case b.events <- ev:
		b.published.Add(1)
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	b.dropped.Add(1)
	return false
}

// Consume blocks for the next event. ok is false once the bus is closed and
// drained or ctx is done.
func (b *EventBus) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-b.events:
		if !ok {
			return Event{}, false
		}
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.events)
}

func (b *EventBus) Published() uint64 { return b.published.Load() }

func (b *EventBus) Dropped() uint64 { return b.dropped.Load() }

// Pending is the number of buffered, unconsumed events.
func (b *EventBus) Pending() int { return len(b.events) }
