package domain

import (
	"fmt"
	"time"
)

// Job is the immutable message published once per accepted run request. The
// worker reads the event topic from Topic and publishes its events there.
type Job struct {
	Type           JobType   `json:"type"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Question       string    `json:"question"`
	Topic          string    `json:"topic"`
	CreatedAt      time.Time `json:"created_at"`
}

// Source is a single research citation.
type Source struct {
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// ChatMessage is one message of a conversation, as embedded in a checkpoint.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is the durable last-known state of a conversation's research
// run. Fields are overwritten individually as events arrive; it is a
// snapshot, not an append log.
type Checkpoint struct {
	Question  string        `json:"question,omitempty"`
	Messages  []ChatMessage `json:"messages,omitempty"`
	Draft     string        `json:"draft,omitempty"`
	Report    string        `json:"report,omitempty"`
	Sources   []Source      `json:"sources,omitempty"`
	UpdatedAt string        `json:"updated_at,omitempty"`
}

// Thread is a user's persistent research conversation.
type Thread struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message is a persisted conversation message.
type Message struct {
	MessageID      string    `json:"message_id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// RunID returns the run identity for a conversation. At most one run may be
// active per identity at any time.
func RunID(userID, conversationID string) string {
	return userID + ":" + conversationID
}

// EventTopic returns the pub/sub topic carrying all events for one
// conversation's runs.
func EventTopic(namespace, userID, conversationID string) string {
	return fmt.Sprintf("%s:%s:%s:events", namespace, userID, conversationID)
}

// CheckpointKey returns the key-value store key of a conversation's
// checkpoint document.
func CheckpointKey(namespace, userID, conversationID string) string {
	return fmt.Sprintf("%s:%s:%s", namespace, userID, conversationID)
}

// JobQueueTopic returns the topic workers consume jobs from.
func JobQueueTopic(namespace string) string {
	return namespace + ":job_queue"
}
