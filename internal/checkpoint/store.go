package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/finresearch/backend/internal/domain"
)

// Store reads and writes JSON checkpoint documents at
// namespace:user_id:conversation_id.
type Store struct {
	kv        KV
	namespace string
}

// NewStore creates a checkpoint store over the given KV.
func NewStore(kv KV, namespace string) *Store {
	return &Store{kv: kv, namespace: namespace}
}

// Key returns the storage key for a conversation's checkpoint.
func (s *Store) Key(userID, conversationID string) string {
	return domain.CheckpointKey(s.namespace, userID, conversationID)
}

// Get returns the stored checkpoint, or nil when none exists. A stored value
// that fails to parse is an error: a corrupt checkpoint indicates a deeper
// persistence bug and must not be silently swallowed.
func (s *Store) Get(ctx context.Context, userID, conversationID string) (*domain.Checkpoint, error) {
	key := s.Key(userID, conversationID)
	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint at %s: %w", key, err)
	}
	return &cp, nil
}

// Set overwrites the checkpoint document, stamping UpdatedAt.
func (s *Store) Set(ctx context.Context, userID, conversationID string, cp *domain.Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return s.kv.Set(ctx, s.Key(userID, conversationID), string(b))
}

// Patch lists the checkpoint fields to overlay. Nil fields are left
// untouched; merge is last-write-wins per field. The relay is the sole
// writer while a run is active, so the read-modify-write below does not
// race.
type Patch struct {
	Question       *string
	Draft          *string
	Report         *string
	Sources        []domain.Source
	AppendMessages []domain.ChatMessage
}

// Merge reads the current document (starting empty when absent), overlays
// the fields present in the patch, stamps UpdatedAt, and writes back.
func (s *Store) Merge(ctx context.Context, userID, conversationID string, patch Patch) (*domain.Checkpoint, error) {
	cp, err := s.Get(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		cp = &domain.Checkpoint{}
	}
	if patch.Question != nil {
		cp.Question = *patch.Question
	}
	if patch.Draft != nil {
		cp.Draft = *patch.Draft
	}
	if patch.Report != nil {
		cp.Report = *patch.Report
	}
	if patch.Sources != nil {
		cp.Sources = patch.Sources
	}
	if len(patch.AppendMessages) > 0 {
		cp.Messages = append(cp.Messages, patch.AppendMessages...)
	}
	if err := s.Set(ctx, userID, conversationID, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// ApplyNodeOutput merges the checkpoint-relevant fields of a node_output
// payload: report, draft preview (last fragment wins on the draft field),
// and sources. A payload carrying none of them is a no-op.
func (s *Store) ApplyNodeOutput(ctx context.Context, userID, conversationID string, out domain.NodeOutputPayload) error {
	patch := Patch{}
	if out.Report != "" {
		patch.Report = &out.Report
	}
	if out.DraftPreview != "" {
		patch.Draft = &out.DraftPreview
	}
	if out.Sources != nil {
		patch.Sources = out.Sources
	}
	if patch.Report == nil && patch.Draft == nil && patch.Sources == nil {
		return nil
	}
	_, err := s.Merge(ctx, userID, conversationID, patch)
	return err
}

// Clear removes the checkpoint document. Used by conversation deletion.
func (s *Store) Clear(ctx context.Context, userID, conversationID string) error {
	return s.kv.Del(ctx, s.Key(userID, conversationID))
}
