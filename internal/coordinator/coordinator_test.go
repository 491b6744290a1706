package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
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

// recordingBus wraps the memory bus and records every publish, optionally
// failing configured topics.
type recordingBus struct {
	*bus.MemoryBus
	mu         sync.Mutex
	published  map[string][][]byte
	failTopics map[string]bool
}

func newRecordingBus() *recordingBus {
	return &recordingBus{
		MemoryBus:  bus.NewMemoryBus(),
		published:  make(map[string][][]byte),
		failTopics: make(map[string]bool),
	}
}

func (r *recordingBus) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	if r.failTopics[topic] {
		r.mu.Unlock()
		return fmt.Errorf("bus unavailable")
	}
	r.published[topic] = append(r.published[topic], payload)
	r.mu.Unlock()
	return r.MemoryBus.Publish(ctx, topic, payload)
}

func (r *recordingBus) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published[topic])
}

func (r *recordingBus) events(topic string) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evs []domain.Event
	for _, p := range r.published[topic] {
		if ev, ok := domain.ParseEvent(p); ok {
			evs = append(evs, ev)
		}
	}
	return evs
}

func newTestCoordinator(t *testing.T, b bus.Bus, timeout time.Duration) *Coordinator {
	t.Helper()
	checkpoints := checkpoint.NewStore(checkpoint.NewMemoryKV(), "ns")
	return New(b, registry.NewMemory(), checkpoints, nil, nil, nil, config.WorkerModeQueue, "ns", timeout)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestStartRunValidatesIdentity(t *testing.T) {
	c := newTestCoordinator(t, newRecordingBus(), time.Minute)

	if _, err := c.StartRun(context.Background(), "", "t1", "q"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := c.StartRun(context.Background(), "u1", "", "q"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestStartRunPublishesOneJob(t *testing.T) {
	b := newRecordingBus()
	c := newTestCoordinator(t, b, time.Minute)

	res, err := c.StartRun(context.Background(), "u1", "t1", "What is AAPL's P/E?")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if res.Topic != "ns:u1:t1:events" {
		t.Fatalf("unexpected topic: %s", res.Topic)
	}
	if res.CheckpointKey != "ns:u1:t1" {
		t.Fatalf("unexpected checkpoint key: %s", res.CheckpointKey)
	}
	if got := b.count("ns:job_queue"); got != 1 {
		t.Fatalf("expected 1 published job, got %d", got)
	}
}

func TestStartRunDeduplicatesConcurrent(t *testing.T) {
	b := newRecordingBus()
	c := newTestCoordinator(t, b, time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*StartResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.StartRun(context.Background(), "u1", "t1", "What is AAPL's P/E?")
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d failed: %v", i, errs[i])
		}
		if results[i].Topic != "ns:u1:t1:events" || results[i].CheckpointKey != "ns:u1:t1" {
			t.Fatalf("call %d returned unexpected result: %+v", i, results[i])
		}
	}
	if got := b.count("ns:job_queue"); got != 1 {
		t.Fatalf("expected exactly 1 published job, got %d", got)
	}
}

func TestTerminalEventFreesRegistry(t *testing.T) {
	b := newRecordingBus()
	c := newTestCoordinator(t, b, time.Minute)
	ctx := context.Background()

	if _, err := c.StartRun(ctx, "u1", "t1", "q"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !c.Active("u1", "t1") {
		t.Fatalf("run should be active")
	}

	finished := domain.NewEvent(domain.EventKindFinished, map[string]string{"report": "done"})
	if err := b.Publish(ctx, "ns:u1:t1:events", finished.Encode()); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if c.Active("u1", "t1") {
		t.Fatalf("terminal event should free the registry entry")
	}
	waitFor(t, func() bool { return b.Subscribers("ns:u1:t1:events") == 0 }, "cleanup listener unsubscribe")

	// A fresh start must publish a new job.
	if _, err := c.StartRun(ctx, "u1", "t1", "q"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if got := b.count("ns:job_queue"); got != 2 {
		t.Fatalf("expected 2 published jobs after restart, got %d", got)
	}
}

// instantTerminalBus delivers a finished event from its own goroutine the
// moment a handler registers on an event topic, racing the Subscribe return
// the way a fast worker on a networked bus does.
type instantTerminalBus struct {
	*recordingBus
	wg sync.WaitGroup
}

func (b *instantTerminalBus) Subscribe(ctx context.Context, topic string, h bus.Handler) (bus.Subscription, error) {
	sub, err := b.recordingBus.Subscribe(ctx, topic, h)
	if err == nil && topic != "ns:job_queue" {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			finished := domain.NewEvent(domain.EventKindFinished, nil)
			_ = b.Publish(context.Background(), topic, finished.Encode())
		}()
	}
	return sub, err
}

func TestTerminalRacingStartRunReleasesRun(t *testing.T) {
	b := &instantTerminalBus{recordingBus: newRecordingBus()}
	c := newTestCoordinator(t, b, time.Minute)

	for i := 0; i < 50; i++ {
		if _, err := c.StartRun(context.Background(), "u1", "t1", "q"); err != nil {
			t.Fatalf("start %d failed: %v", i, err)
		}
		waitFor(t, func() bool { return !c.Active("u1", "t1") }, "terminal event to free the run")
	}
	b.wg.Wait()
	waitFor(t, func() bool { return b.Subscribers("ns:u1:t1:events") == 0 }, "cleanup listeners to unsubscribe")
}

func TestRestartAfterTerminalKeepsSafetyTimeout(t *testing.T) {
	b := newRecordingBus()
	c := newTestCoordinator(t, b, 40*time.Millisecond)
	ctx := context.Background()

	if _, err := c.StartRun(ctx, "u1", "t1", "q"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	finished := domain.NewEvent(domain.EventKindFinished, nil)
	if err := b.Publish(ctx, "ns:u1:t1:events", finished.Encode()); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	// Restart immediately; the predecessor's teardown must not disarm the
	// successor's timer or touch its registry entry.
	if _, err := c.StartRun(ctx, "u1", "t1", "q"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if !c.Active("u1", "t1") {
		t.Fatalf("restarted run should be active")
	}

	waitFor(t, func() bool { return !c.Active("u1", "t1") }, "successor safety timeout to reclaim the run")
	waitFor(t, func() bool {
		for _, ev := range b.events("ns:u1:t1:events") {
			if ev.Event == domain.EventKindError {
				return true
			}
		}
		return false
	}, "synthetic terminal event from the successor's timer")
}

func TestPublishFailureRollsBackRegistry(t *testing.T) {
	b := newRecordingBus()
	b.failTopics["ns:job_queue"] = true
	c := newTestCoordinator(t, b, time.Minute)

	if _, err := c.StartRun(context.Background(), "u1", "t1", "q"); err == nil {
		t.Fatalf("expected publish failure")
	}
	if c.Active("u1", "t1") {
		t.Fatalf("registry entry should be rolled back on publish failure")
	}
	if b.Subscribers("ns:u1:t1:events") != 0 {
		t.Fatalf("cleanup listener should be unsubscribed on publish failure")
	}
}

func TestSafetyTimeoutReclaimsRun(t *testing.T) {
	b := newRecordingBus()
	c := newTestCoordinator(t, b, 30*time.Millisecond)

	if _, err := c.StartRun(context.Background(), "u1", "t1", "q"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitFor(t, func() bool { return !c.Active("u1", "t1") }, "safety timeout to reclaim the run")
	waitFor(t, func() bool {
		for _, ev := range b.events("ns:u1:t1:events") {
			if ev.Event == domain.EventKindError {
				return true
			}
		}
		return false
	}, "synthetic terminal event on timeout")
	waitFor(t, func() bool { return b.Subscribers("ns:u1:t1:events") == 0 }, "cleanup listener unsubscribe")
}

func TestPolicyBlocksRun(t *testing.T) {
	ctx := context.Background()
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to build policy engine: %v", err)
	}

	b := newRecordingBus()
	checkpoints := checkpoint.NewStore(checkpoint.NewMemoryKV(), "ns")
	c := New(b, registry.NewMemory(), checkpoints, engine, nil, nil, config.WorkerModeQueue, "ns", time.Minute)

	if _, err := c.StartRun(ctx, "blocked_user", "t1", "q"); !errors.Is(err, ErrPolicyBlocked) {
		t.Fatalf("expected ErrPolicyBlocked, got %v", err)
	}
	if got := b.count("ns:job_queue"); got != 0 {
		t.Fatalf("blocked request must not enqueue a job, got %d", got)
	}

	if _, err := c.StartRun(ctx, "u1", "t1", "q"); err != nil {
		t.Fatalf("allowed request failed: %v", err)
	}
}

func TestDirectModeRunsBridgeToCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"node_output\",\"payload\":{\"node\":\"reports\",\"report\":\"## Report\"}}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"finished\",\"payload\":{\"report\":\"## Report\"}}\n\n")
	}))
	defer server.Close()

	b := newRecordingBus()
	checkpoints := checkpoint.NewStore(checkpoint.NewMemoryKV(), "ns")
	workerClient := worker.NewClient(server.URL)
	workerBridge := bridge.New(workerClient, b, checkpoints, "ns", 3, time.Millisecond)
	c := New(b, registry.NewMemory(), checkpoints, nil, workerClient, workerBridge, config.WorkerModeDirect, "ns", time.Minute)

	if _, err := c.StartRun(context.Background(), "u1", "t1", "q"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitFor(t, func() bool { return !c.Active("u1", "t1") }, "terminal event to free the run")
	if got := b.count("ns:job_queue"); got != 0 {
		t.Fatalf("direct mode must not publish queue jobs, got %d", got)
	}

	cp, err := checkpoints.Get(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("checkpoint read failed: %v", err)
	}
	if cp == nil || cp.Report != "## Report" {
		t.Fatalf("bridge should have merged the report, got %+v", cp)
	}
}
