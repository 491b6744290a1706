package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus. It backs the test suite and single-node
// deployments that run without Redis. Delivery is synchronous in the
// publisher's goroutine, which trivially preserves publish order per topic.
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string][]*memorySubscription
}

type memorySubscription struct {
	bus     *MemoryBus
	topic   string
	handler Handler
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string][]*memorySubscription)}
}

// Publish delivers the payload to every handler registered on the topic, in
// registration order. Publishing to a topic with no handlers is not an
// error.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	subs := append([]*memorySubscription(nil), b.topics[topic]...)
	b.mu.Unlock()

	for _, sub := range subs {
		invoke(sub.handler, payload, topic)
	}
	return nil
}

// Subscribe registers a handler for a topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	sub := &memorySubscription{bus: b, topic: topic, handler: h}
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()
	return sub, nil
}

// Subscribers returns the number of handlers currently registered on a
// topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

func (s *memorySubscription) Topic() string { return s.topic }

func (s *memorySubscription) Unsubscribe(ctx context.Context) error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[s.topic]
	for i, h := range subs {
		if h == s {
			b.topics[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[s.topic]) == 0 {
		delete(b.topics, s.topic)
	}
	return nil
}
