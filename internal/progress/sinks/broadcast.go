package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/tabclip/internal/progress"
)

// Broadcaster fans events out to in-process subscribers such as SSE clients.
// A subscriber that falls behind loses events rather than stalling the hub.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan progress.Event
	next   int
	buffer int
	closed bool
}

// NewBroadcaster returns a Broadcaster whose subscriber channels hold buffer
// events (16 when buffer <= 0).
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{subs: make(map[int]chan progress.Event), buffer: buffer}
}

// Subscribe registers a listener. The returned cancel func unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan progress.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan progress.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Subscribers reports the number of active listeners.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Consume delivers the batch to every subscriber without blocking.
func (b *Broadcaster) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		for _, evt := range batch {
			select {
			case ch <- evt:
			default:
			}
		}
	}
	return nil
}

// Close ends every subscription.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	return nil
}
