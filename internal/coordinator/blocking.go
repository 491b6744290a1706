package coordinator

import (
	"context"
	"fmt"
	"log"

	"github.com/finresearch/backend/internal/adapter/worker"
	"github.com/finresearch/backend/internal/checkpoint"
	"github.com/finresearch/backend/internal/domain"
)

// RunBlocking calls the worker's blocking endpoint, waits for the full
// result, and persists it as the conversation checkpoint. The checkpoint
// write is best-effort on this path: a computed result is returned to the
// caller even when persistence fails.
func (c *Coordinator) RunBlocking(ctx context.Context, userID, conversationID, question string) (*domain.Checkpoint, error) {
	if userID == "" || conversationID == "" {
		return nil, fmt.Errorf("%w: user_id and conversation_id are required", ErrInvalidArgument)
	}
	if c.worker == nil {
		return nil, fmt.Errorf("no worker client configured")
	}

	resp, err := c.worker.Run(ctx, worker.RunRequest{
		UserID:         userID,
		ConversationID: conversationID,
		Question:       question,
	})
	if err != nil {
		return nil, fmt.Errorf("blocking run failed: %w", err)
	}

	result := resp.Result
	patch := checkpoint.Patch{Question: &question}
	if result.Draft != "" {
		patch.Draft = &result.Draft
	}
	if result.Report != "" {
		patch.Report = &result.Report
	}
	if result.Sources != nil {
		patch.Sources = result.Sources
	}
	merged, err := c.checkpoints.Merge(ctx, userID, conversationID, patch)
	if err != nil {
		log.Printf("ERROR: failed to persist blocking-run checkpoint for %s: %v", domain.RunID(userID, conversationID), err)
		return &result, nil
	}
	return merged, nil
}
