// Package store persists threads and messages.
package store

import (
	"context"

	"github.com/finresearch/backend/internal/domain"
)

// Store is the thread/message data-access layer.
type Store interface {
	GetOrCreateThread(ctx context.Context, userID, conversationID string) (*domain.Thread, error)
	GetThread(ctx context.Context, userID, conversationID string) (*domain.Thread, error)
	DeleteThread(ctx context.Context, userID, conversationID string) error
	CreateMessage(ctx context.Context, msg *domain.Message) error
	GetMessages(ctx context.Context, userID, conversationID string, limit int) ([]domain.Message, error)
	Close() error
}
