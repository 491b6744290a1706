package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/finresearch/backend/internal/domain"
)

func newTestStore() *Store {
	return NewStore(NewMemoryKV(), "ns")
}

func TestKeyDerivation(t *testing.T) {
	s := newTestStore()
	if got := s.Key("u1", "t1"); got != "ns:u1:t1" {
		t.Fatalf("unexpected key: %s", got)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore()
	cp, err := s.Get(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("missing checkpoint should not be an error: %v", err)
	}
	if cp != nil {
		t.Fatalf("expected nil checkpoint, got %+v", cp)
	}
}

func TestGetCorruptValueIsError(t *testing.T) {
	kv := NewMemoryKV()
	s := NewStore(kv, "ns")
	if err := kv.Set(context.Background(), "ns:u1:t1", "{not json"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if _, err := s.Get(context.Background(), "u1", "t1"); err == nil {
		t.Fatalf("corrupt checkpoint must surface a parse error")
	}
}

func TestMergeOverlaysOnlyPresentFields(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	question := "What is AAPL's P/E?"
	if _, err := s.Merge(ctx, "u1", "t1", Patch{Question: &question}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	draft := "draft v1"
	cp, err := s.Merge(ctx, "u1", "t1", Patch{Draft: &draft})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if cp.Question != question {
		t.Fatalf("merge clobbered question: %+v", cp)
	}
	if cp.Draft != draft {
		t.Fatalf("merge did not apply draft: %+v", cp)
	}

	draft2 := "draft v2"
	cp, err = s.Merge(ctx, "u1", "t1", Patch{Draft: &draft2})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if cp.Draft != draft2 {
		t.Fatalf("last write should win on draft: %+v", cp)
	}

	stored, err := s.Get(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Question != question || stored.Draft != draft2 {
		t.Fatalf("stored document does not reflect merges: %+v", stored)
	}
}

func TestMergeAppendsMessages(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	for _, content := range []string{"first", "second"} {
		if _, err := s.Merge(ctx, "u1", "t1", Patch{
			AppendMessages: []domain.ChatMessage{{Role: "user", Content: content, CreatedAt: time.Now()}},
		}); err != nil {
			t.Fatalf("merge failed: %v", err)
		}
	}

	cp, err := s.Get(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(cp.Messages) != 2 || cp.Messages[0].Content != "first" || cp.Messages[1].Content != "second" {
		t.Fatalf("unexpected messages: %+v", cp.Messages)
	}
}

func TestUpdatedAtMonotonic(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	q := "q"
	first, err := s.Merge(ctx, "u1", "t1", Patch{Question: &q})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	d := "d"
	second, err := s.Merge(ctx, "u1", "t1", Patch{Draft: &d})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	t1, err := time.Parse(time.RFC3339Nano, first.UpdatedAt)
	if err != nil {
		t.Fatalf("bad updated_at: %v", err)
	}
	t2, err := time.Parse(time.RFC3339Nano, second.UpdatedAt)
	if err != nil {
		t.Fatalf("bad updated_at: %v", err)
	}
	if !t2.After(t1) {
		t.Fatalf("updated_at not increasing: %s then %s", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestApplyNodeOutput(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	err := s.ApplyNodeOutput(ctx, "u1", "t1", domain.NodeOutputPayload{
		Node:    "search",
		Sources: []domain.Source{{URL: "https://example.com", Snippet: "snippet"}},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	err = s.ApplyNodeOutput(ctx, "u1", "t1", domain.NodeOutputPayload{
		Node:         "drafts",
		DraftPreview: "partial draft",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	cp, err := s.Get(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(cp.Sources) != 1 || cp.Sources[0].URL != "https://example.com" {
		t.Fatalf("sources not merged: %+v", cp)
	}
	if cp.Draft != "partial draft" {
		t.Fatalf("draft not merged: %+v", cp)
	}

	// A payload with no checkpoint-relevant fields must not touch the doc.
	before := cp.UpdatedAt
	if err := s.ApplyNodeOutput(ctx, "u1", "t1", domain.NodeOutputPayload{Node: "noop"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	cp, _ = s.Get(ctx, "u1", "t1")
	if cp.UpdatedAt != before {
		t.Fatalf("no-op payload rewrote the checkpoint")
	}
}

func TestClear(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	q := "q"
	if _, err := s.Merge(ctx, "u1", "t1", Patch{Question: &q}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if err := s.Clear(ctx, "u1", "t1"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	cp, err := s.Get(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if cp != nil {
		t.Fatalf("checkpoint should be gone, got %+v", cp)
	}
}
