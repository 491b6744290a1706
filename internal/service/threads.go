package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/finresearch/backend/internal/checkpoint"
	"github.com/finresearch/backend/internal/domain"
)

// AppendMessage persists a conversation message and mirrors it into the
// checkpoint's message history. Persistence is best-effort: the message is
// returned to the caller even when a write failed, with the failure
// reported alongside rather than thrown.
func (s *Service) AppendMessage(ctx context.Context, userID, conversationID, role, content string) (*domain.Message, error) {
	msg := &domain.Message{
		MessageID:      "msg_" + uuid.New().String()[:8],
		UserID:         userID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}

	var persistErr error
	if _, err := s.store.GetOrCreateThread(ctx, userID, conversationID); err != nil {
		persistErr = err
	} else if err := s.store.CreateMessage(ctx, msg); err != nil {
		persistErr = err
	}
	if persistErr != nil {
		log.Printf("ERROR: failed to persist message for %s: %v", domain.RunID(userID, conversationID), persistErr)
	}

	if _, err := s.checkpoints.Merge(ctx, userID, conversationID, checkpoint.Patch{
		AppendMessages: []domain.ChatMessage{{Role: role, Content: content, CreatedAt: msg.CreatedAt}},
	}); err != nil {
		log.Printf("WARN: failed to mirror message into checkpoint for %s: %v", domain.RunID(userID, conversationID), err)
	}

	return msg, persistErr
}

// GetMessages lists a thread's messages.
func (s *Service) GetMessages(ctx context.Context, userID, conversationID string, limit int) ([]domain.Message, error) {
	return s.store.GetMessages(ctx, userID, conversationID, limit)
}

// GetCheckpoint reads a conversation's checkpoint, nil when absent.
func (s *Service) GetCheckpoint(ctx context.Context, userID, conversationID string) (*domain.Checkpoint, error) {
	return s.checkpoints.Get(ctx, userID, conversationID)
}

// DeleteThread removes the thread rows, clears the checkpoint, and
// publishes a thread_deleted event on the conversation topic so any open
// relay stops cleanly.
func (s *Service) DeleteThread(ctx context.Context, userID, conversationID string) error {
	if err := s.store.DeleteThread(ctx, userID, conversationID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	if err := s.checkpoints.Clear(ctx, userID, conversationID); err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}

	topic := domain.EventTopic(s.config.Namespace, userID, conversationID)
	deleted := domain.NewEvent(domain.EventKindThreadDeleted, map[string]string{
		"user_id":         userID,
		"conversation_id": conversationID,
	})
	if err := s.bus.Publish(ctx, topic, deleted.Encode()); err != nil {
		log.Printf("WARN: failed to publish thread_deleted for %s: %v", domain.RunID(userID, conversationID), err)
	}
	return nil
}
