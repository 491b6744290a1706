package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis PUBLISH/SUBSCRIBE. One redis.PubSub is
// held per topic with at least one handler; logical handlers share it and
// are dispatched in registration order by a single goroutine, which
// preserves publish order within the topic.
type RedisBus struct {
	client *redis.Client

	mu     sync.Mutex
	topics map[string]*redisTopic
}

type redisTopic struct {
	pubsub   *redis.PubSub
	handlers []*redisSubscription
}

type redisSubscription struct {
	bus     *RedisBus
	topic   string
	handler Handler
}

// NewRedisBus creates a bus backed by the given Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		topics: make(map[string]*redisTopic),
	}
}

// Publish publishes a payload to a topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a topic, opening the physical
// subscription if this is the topic's first handler.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &redisSubscription{bus: b, topic: topic, handler: h}

	t, ok := b.topics[topic]
	if !ok {
		pubsub := b.client.Subscribe(ctx, topic)
		// Confirm the subscription before reporting success, so a bus
		// outage surfaces here rather than as silent message loss.
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		t = &redisTopic{pubsub: pubsub}
		b.topics[topic] = t
		go b.dispatch(topic, pubsub)
	}

	t.handlers = append(t.handlers, sub)
	return sub, nil
}

// dispatch reads the physical subscription and fans each message out to the
// topic's registered handlers.
func (b *RedisBus) dispatch(topic string, pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		for _, sub := range b.snapshot(topic) {
			invoke(sub.handler, []byte(msg.Payload), topic)
		}
	}
}

func (b *RedisBus) snapshot(topic string) []*redisSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	return append([]*redisSubscription(nil), t.handlers...)
}

func (s *redisSubscription) Topic() string { return s.topic }

func (s *redisSubscription) Unsubscribe(ctx context.Context) error {
	b := s.bus
	b.mu.Lock()
	t, ok := b.topics[s.topic]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	for i, h := range t.handlers {
		if h == s {
			t.handlers = append(t.handlers[:i], t.handlers[i+1:]...)
			break
		}
	}
	var pubsub *redis.PubSub
	if len(t.handlers) == 0 {
		pubsub = t.pubsub
		delete(b.topics, s.topic)
	}
	b.mu.Unlock()

	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			return fmt.Errorf("failed to close subscription to %s: %w", s.topic, err)
		}
	}
	return nil
}

// invoke runs a handler with panic isolation so one failing handler cannot
// stop delivery to the others.
func invoke(h Handler, payload []byte, topic string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: handler panic on topic %s: %v", topic, r)
		}
	}()
	h(payload)
}
