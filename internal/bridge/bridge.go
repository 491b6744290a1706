// Package bridge consumes the research worker's SSE stream and republishes
// its events onto the conversation topic, so relays and the coordinator's
// cleanup listener see the same event flow regardless of whether the worker
// was reached through the job queue or called directly.
package bridge

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/finresearch/backend/internal/adapter/worker"
	"github.com/finresearch/backend/internal/bus"
	"github.com/finresearch/backend/internal/checkpoint"
	"github.com/finresearch/backend/internal/domain"
)

// Bridge connects a worker stream to the pub/sub bus.
type Bridge struct {
	worker      *worker.Client
	bus         bus.Bus
	checkpoints *checkpoint.Store
	namespace   string
	retry       schedule
}

// New creates a bridge. maxAttempts bounds stream attempts; backoffBase is
// the first retry delay, doubling per attempt.
func New(workerClient *worker.Client, b bus.Bus, checkpoints *checkpoint.Store, namespace string, maxAttempts int, backoffBase time.Duration) *Bridge {
	return &Bridge{
		worker:      workerClient,
		bus:         b,
		checkpoints: checkpoints,
		namespace:   namespace,
		retry:       schedule{base: backoffBase, maxAttempts: maxAttempts},
	}
}

// Consume streams the worker's output for one run, republishing every frame
// onto the conversation topic. An unexpected disconnect is retried with
// backoff; after the attempt budget is spent a terminal error event is
// published so waiting relays are released rather than left hanging. A
// clean end (terminal event observed before the stream closed) is not
// retried.
func (b *Bridge) Consume(ctx context.Context, userID, conversationID, question string) error {
	topic := domain.EventTopic(b.namespace, userID, conversationID)
	req := worker.RunRequest{UserID: userID, ConversationID: conversationID, Question: question}

	var lastErr error
	for attempt := 1; ; attempt++ {
		cleanEnd := false

		err := b.worker.Stream(ctx, req, func(data []byte) error {
			if b.forward(ctx, topic, userID, conversationID, data) {
				cleanEnd = true
			}
			return nil
		})

		if err == nil && cleanEnd {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("worker stream ended without a terminal event")
		}
		lastErr = err
		log.Printf("WARN: worker stream attempt %d for %s failed: %v", attempt, domain.RunID(userID, conversationID), err)

		next, delay := b.retry.next(attempt)
		if next == outcomeExhausted {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	failure := domain.NewEvent(domain.EventKindError, domain.ErrorPayload{
		Message: fmt.Sprintf("worker stream failed after %d attempts: %v", b.retry.maxAttempts, lastErr),
	})
	if err := b.bus.Publish(ctx, topic, failure.Encode()); err != nil {
		log.Printf("ERROR: failed to publish bridge failure event: %v", err)
	}
	return fmt.Errorf("worker stream failed after %d attempts: %w", b.retry.maxAttempts, lastErr)
}

// forward republishes one worker frame and applies any checkpoint-relevant
// payload fields. Reports whether the frame was a terminal event.
func (b *Bridge) forward(ctx context.Context, topic, userID, conversationID string, data []byte) bool {
	ev, ok := domain.ParseEvent(data)
	if !ok {
		// Untagged frames pass through untouched when they are valid JSON;
		// only unparseable output is wrapped.
		if err := b.bus.Publish(ctx, topic, domain.EnsureJSON(data)); err != nil {
			log.Printf("ERROR: failed to publish raw frame: %v", err)
		}
		return false
	}

	if err := b.bus.Publish(ctx, topic, data); err != nil {
		log.Printf("ERROR: failed to publish %s event: %v", ev.Event, err)
	}

	if ev.Event == domain.EventKindNodeOutput && len(ev.Payload) > 0 {
		var out domain.NodeOutputPayload
		if err := ev.DecodePayload(&out); err != nil {
			log.Printf("WARN: undecodable node_output payload: %v", err)
		} else if err := b.checkpoints.ApplyNodeOutput(ctx, userID, conversationID, out); err != nil {
			log.Printf("ERROR: failed to merge checkpoint for %s: %v", domain.RunID(userID, conversationID), err)
		}
	}
	return domain.IsTerminal(ev.Event)
}
