package memory

import (
	"context"
	"sync"

	"github.com/municipio-digital/actas-engine/internal/domain/providers"
)

// LocalEventBus is an in-process EventBus for tests and single-node runs.
type LocalEventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *providers.ActaEvent
	published   map[string][]*providers.ActaEvent
	closed      bool
}

// NewLocalEventBus creates an in-process event bus.
func NewLocalEventBus() *LocalEventBus {
	return &LocalEventBus{
		subscribers: make(map[string][]chan *providers.ActaEvent),
		published:   make(map[string][]*providers.ActaEvent),
	}
}

var _ providers.EventBus = (*LocalEventBus)(nil)

// Publish fans the event out to channel subscribers and records it.
func (b *LocalEventBus) Publish(ctx context.Context, channel string, event *providers.ActaEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], event)
	for _, sub := range b.subscribers[channel] {
		select {
		case sub <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a buffered channel for a topic.
func (b *LocalEventBus) Subscribe(ctx context.Context, channel string) (<-chan *providers.ActaEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *providers.ActaEvent, 100)
	b.subscribers[channel] = append(b.subscribers[channel], ch)
	return ch, nil
}

// Unsubscribe drops all subscribers of a channel.
func (b *LocalEventBus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers[channel] {
		close(sub)
	}
	delete(b.subscribers, channel)
	return nil
}

// Close drops all subscriptions.
func (b *LocalEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for channel, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub)
		}
		delete(b.subscribers, channel)
	}
	return nil
}

// Published returns the events recorded for a channel, for assertions.
func (b *LocalEventBus) Published(channel string) []*providers.ActaEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*providers.ActaEvent(nil), b.published[channel]...)
}
