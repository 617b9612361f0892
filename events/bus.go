// Package events provides a minimal in-process pub/sub bus. The lifecycle
// controller publishes kernel state changes on it so host glue (menu items,
// toolbar state) can react without polling the controller.
package events

import (
	"context"
	"sync"
)

// Event is implemented by all payloads published on the bus.
type Event interface {
	// EventType returns a string identifier for the event type.
	EventType() string
}

// Bus is a topic-keyed pub/sub bus. Subscribers with full channels are
// skipped rather than blocking the publisher: publishing happens on the
// host's main thread and must stay non-blocking.
type Bus interface {
	Subscribe(topic string) (<-chan Event, func())
	Publish(ctx context.Context, topic string, payload Event)
	Close()
}

type bus struct {
	mu     sync.RWMutex
	topics map[string]map[chan Event]struct{}
	closed bool
}

// New returns a new event bus.
func New() Bus {
	return &bus{topics: make(map[string]map[chan Event]struct{})}
}

func (b *bus) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[chan Event]struct{})
		b.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.topics[topic]; ok {
			if _, exists := subs[ch]; exists {
				delete(subs, ch)
				close(ch)
				if len(subs) == 0 {
					delete(b.topics, topic)
				}
			}
		}
	}
	return ch, cancel
}

func (b *bus) Publish(ctx context.Context, topic string, payload Event) {
	b.mu.RLock()
	subs := b.topics[topic]
	chs := make([]chan Event, 0, len(subs))
	for ch := range subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()
	for _, ch := range chs {
		select {
		case ch <- payload:
		case <-ctx.Done():
			return
		default:
			// drop if subscriber is slow
		}
	}
}

func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for ch := range subs {
			close(ch)
		}
		delete(b.topics, topic)
	}
}
