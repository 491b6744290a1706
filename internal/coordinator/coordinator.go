// Package coordinator owns the set of in-flight research runs: it
// deduplicates run requests per conversation, publishes jobs, and reclaims
// stuck runs with a safety timeout.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/finresearch/backend/internal/adapter/worker"
	"github.com/finresearch/backend/internal/bridge"
	"github.com/finresearch/backend/internal/bus"
	"github.com/finresearch/backend/internal/checkpoint"
	"github.com/finresearch/backend/internal/config"
	"github.com/finresearch/backend/internal/domain"
	"github.com/finresearch/backend/internal/registry"
	"github.com/finresearch/backend/policy"
)

var (
	// ErrInvalidArgument marks a run request missing identity fields. It is
	// rejected synchronously and never enqueued.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPolicyBlocked marks a run request rejected by the admission policy.
	ErrPolicyBlocked = errors.New("blocked by policy")
)

// StartResult identifies where an accepted (or already active) run's events
// and checkpoint live.
type StartResult struct {
	Topic         string `json:"channel"`
	CheckpointKey string `json:"checkpoint_key"`
}

// Coordinator enforces at-most-one-active-run per conversation.
type Coordinator struct {
	bus         bus.Bus
	registry    registry.RunRegistry
	checkpoints *checkpoint.Store
	policy      *policy.Engine
	worker      *worker.Client
	bridge      *bridge.Bridge
	mode        config.WorkerMode
	namespace   string
	runTimeout  time.Duration
}

// New creates a coordinator. policyEngine may be nil (no admission policy);
// workerClient serves blocking runs and workerBridge is required only in
// direct worker mode.
func New(b bus.Bus, reg registry.RunRegistry, checkpoints *checkpoint.Store, policyEngine *policy.Engine, workerClient *worker.Client, workerBridge *bridge.Bridge, mode config.WorkerMode, namespace string, runTimeout time.Duration) *Coordinator {
	return &Coordinator{
		bus:         b,
		registry:    reg,
		checkpoints: checkpoints,
		policy:      policyEngine,
		worker:      workerClient,
		bridge:      workerBridge,
		mode:        mode,
		namespace:   namespace,
		runTimeout:  runTimeout,
	}
}

// activeRun is one accepted run's teardown state. The cleanup listener, the
// safety timer, and StartRun itself all touch it from different goroutines;
// the mutex orders those accesses and the done flag makes teardown fire
// exactly once per run. Each run owns its own timer, so a successor run for
// the same identity can never have its timer stopped or its registry entry
// removed by a predecessor's teardown.
type activeRun struct {
	c     *Coordinator
	id    string
	topic string

	mu    sync.Mutex
	sub   bus.Subscription
	timer *time.Timer
	done  bool
}

// teardown marks the run done and hands back the resources to release.
// Reports false when another path got there first.
func (r *activeRun) teardown() (bus.Subscription, *time.Timer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil, nil, false
	}
	r.done = true
	return r.sub, r.timer, true
}

// attach records the subscription handle. When a terminal event beat the
// Subscribe return, the run is already done and the handle is released here
// instead.
func (r *activeRun) attach(sub bus.Subscription) {
	r.mu.Lock()
	if !r.done {
		r.sub = sub
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sub.Unsubscribe(ctx); err != nil {
		log.Printf("WARN: failed to unsubscribe cleanup listener for %s: %v", r.id, err)
	}
}

// arm starts the safety timer. A run that already finished is not armed.
func (r *activeRun) arm(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.timer = time.AfterFunc(d, r.expire)
}

// onEvent is the cleanup listener: the first terminal event on the topic
// releases the run even when no client is streaming.
func (r *activeRun) onEvent(payload []byte) {
	ev, ok := domain.ParseEvent(payload)
	if !ok || !domain.IsTerminal(ev.Event) {
		return
	}
	r.finish()
}

// finish releases the run after a terminal event.
func (r *activeRun) finish() {
	sub, timer, first := r.teardown()
	if !first {
		return
	}
	if timer != nil {
		timer.Stop()
	}
	r.c.registry.Remove(r.id)
	if sub == nil {
		// Terminal event raced the Subscribe return; attach releases the
		// handle when it arrives.
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sub.Unsubscribe(ctx); err != nil {
			log.Printf("WARN: failed to unsubscribe cleanup listener for %s: %v", r.id, err)
		}
	}()
}

// expire reclaims a run whose worker never produced a terminal event. The
// synthetic error event releases any relay still waiting on the topic.
func (r *activeRun) expire() {
	sub, _, first := r.teardown()
	if !first {
		return
	}
	r.c.registry.Remove(r.id)
	log.Printf("WARN: run %s reclaimed by safety timeout after %s", r.id, r.c.runTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	abandoned := domain.NewEvent(domain.EventKindError, domain.ErrorPayload{
		Message: fmt.Sprintf("run abandoned after %s safety timeout", r.c.runTimeout),
	})
	if err := r.c.bus.Publish(ctx, r.topic, abandoned.Encode()); err != nil {
		log.Printf("ERROR: failed to publish timeout event for %s: %v", r.id, err)
	}
	if sub != nil {
		if err := sub.Unsubscribe(ctx); err != nil {
			log.Printf("WARN: failed to unsubscribe cleanup listener for %s: %v", r.id, err)
		}
	}
}

// abort rolls the run back when dispatch failed.
func (r *activeRun) abort(ctx context.Context) {
	sub, _, first := r.teardown()
	if !first {
		return
	}
	r.c.registry.Remove(r.id)
	if sub != nil {
		if err := sub.Unsubscribe(ctx); err != nil {
			log.Printf("WARN: failed to unsubscribe cleanup listener for %s: %v", r.id, err)
		}
	}
}

// StartRun accepts a run request for a conversation. A request for a
// conversation that already has an active run is an idempotent no-op
// returning the existing topic and checkpoint key; a burst of duplicate
// requests never enqueues duplicate work.
func (c *Coordinator) StartRun(ctx context.Context, userID, conversationID, question string) (*StartResult, error) {
	if userID == "" || conversationID == "" {
		return nil, fmt.Errorf("%w: user_id and conversation_id are required", ErrInvalidArgument)
	}

	if c.policy != nil {
		decision, err := c.policy.Evaluate(ctx, policy.Input{
			UserID:         userID,
			ConversationID: conversationID,
			Question:       question,
		})
		if err != nil {
			return nil, fmt.Errorf("policy evaluation failed: %w", err)
		}
		if decision == "block" {
			return nil, fmt.Errorf("%w: run request for %s", ErrPolicyBlocked, domain.RunID(userID, conversationID))
		}
	}

	id := domain.RunID(userID, conversationID)
	topic := domain.EventTopic(c.namespace, userID, conversationID)
	result := &StartResult{
		Topic:         topic,
		CheckpointKey: c.checkpoints.Key(userID, conversationID),
	}

	if !c.registry.InsertIfAbsent(id) {
		return result, nil
	}

	// First run request for the conversation seeds the checkpoint with the
	// question. Best-effort: a failed write must not block the run.
	if _, err := c.checkpoints.Merge(ctx, userID, conversationID, checkpoint.Patch{Question: &question}); err != nil {
		log.Printf("WARN: failed to seed checkpoint for %s: %v", id, err)
	}

	run := &activeRun{c: c, id: id, topic: topic}

	// The cleanup listener keeps the registry correct even when no client
	// is streaming. It must be in place before the job is published, or a
	// fast worker could finish before anyone is listening.
	sub, err := c.bus.Subscribe(ctx, topic, run.onEvent)
	if err != nil {
		c.registry.Remove(id)
		return nil, fmt.Errorf("failed to subscribe cleanup listener: %w", err)
	}
	run.attach(sub)

	if err := c.dispatch(ctx, userID, conversationID, question, topic); err != nil {
		run.abort(ctx)
		return nil, err
	}

	run.arm(c.runTimeout)

	return result, nil
}

// dispatch hands the run to the worker: a job on the queue topic, or the
// SSE bridge in direct mode.
func (c *Coordinator) dispatch(ctx context.Context, userID, conversationID, question, topic string) error {
	if c.mode == config.WorkerModeDirect {
		if c.bridge == nil {
			return fmt.Errorf("direct worker mode with no bridge configured")
		}
		go func() {
			if err := c.bridge.Consume(context.Background(), userID, conversationID, question); err != nil {
				log.Printf("ERROR: worker bridge for %s: %v", domain.RunID(userID, conversationID), err)
			}
		}()
		return nil
	}

	job := domain.Job{
		Type:           domain.JobTypeResearch,
		UserID:         userID,
		ConversationID: conversationID,
		Question:       question,
		Topic:          topic,
		CreatedAt:      time.Now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := c.bus.Publish(ctx, domain.JobQueueTopic(c.namespace), payload); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

// Active reports whether a run is currently active for the conversation.
func (c *Coordinator) Active(userID, conversationID string) bool {
	return c.registry.Contains(domain.RunID(userID, conversationID))
}
