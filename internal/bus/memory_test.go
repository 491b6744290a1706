package bus

import (
	"context"
	"fmt"
	"testing"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var got []string
	_, err := b.Subscribe(ctx, "t", func(payload []byte) {
		got = append(got, string(payload))
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := b.Publish(ctx, "t", []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(got))
	}
	for i, m := range got {
		if m != fmt.Sprintf("m%d", i) {
			t.Fatalf("message %d out of order: %s", i, m)
		}
	}
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		if _, err := b.Subscribe(ctx, "t", func([]byte) {
			order = append(order, i)
		}); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
	}

	if err := b.Publish(ctx, "t", []byte("m")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("unexpected dispatch order: %v", order)
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	if _, err := b.Subscribe(ctx, "t", func([]byte) {
		panic("boom")
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	delivered := false
	if _, err := b.Subscribe(ctx, "t", func([]byte) {
		delivered = true
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Publish(ctx, "t", []byte("m")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if !delivered {
		t.Fatalf("second handler should still run after the first panicked")
	}
}

func TestUnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var first, second int
	sub1, err := b.Subscribe(ctx, "t", func([]byte) { first++ })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := b.Subscribe(ctx, "t", func([]byte) { second++ }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if b.Subscribers("t") != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Subscribers("t"))
	}

	if err := sub1.Unsubscribe(ctx); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if err := b.Publish(ctx, "t", []byte("m")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if first != 0 {
		t.Fatalf("unsubscribed handler still invoked")
	}
	if second != 1 {
		t.Fatalf("remaining handler not invoked")
	}
	if b.Subscribers("t") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Subscribers("t"))
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewMemoryBus()
	if err := b.Publish(context.Background(), "empty", []byte("m")); err != nil {
		t.Fatalf("publish to empty topic should not fail: %v", err)
	}
}
