// Package bus provides topic-based publish/subscribe fan-out. Many logical
// listeners are multiplexed over one physical subscription per topic;
// handlers run in registration order and a failing handler does not prevent
// the others from running.
package bus

import "context"

// Handler is invoked for each message delivered on a subscribed topic.
// Within one topic, handlers observe messages in publish order.
type Handler func(payload []byte)

// Subscription is a handle to one registered handler.
type Subscription interface {
	// Topic returns the topic this subscription listens on.
	Topic() string
	// Unsubscribe removes the handler. The physical topic subscription is
	// released when the last handler leaves.
	Unsubscribe(ctx context.Context) error
}

// Bus is a topic-based message fan-out with at-least-one-listener delivery
// while subscribed.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
}
