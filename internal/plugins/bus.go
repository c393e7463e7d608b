package plugins

import "sync"

// EventHandler receives one published event.
type EventHandler func(topic string, payload any)

// Bus is the inter-plugin pub/sub channel. Publication is synchronous
// and in subscription order; handlers must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: map[string][]EventHandler{}}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, handler EventHandler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	b.mu.Unlock()
}

// Publish delivers payload to every subscriber of the topic.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := make([]EventHandler, len(b.handlers[topic]))
	copy(subs, b.handlers[topic])
	b.mu.RUnlock()

	for _, handler := range subs {
		handler(topic, payload)
	}
}
