// Package domain defines the core domain models for the research backend.
package domain

// EventKind represents the kind of an event on a conversation topic.
type EventKind string

const (
	EventKindInfo        EventKind = "info"
	EventKindStarted     EventKind = "started"
	EventKindStatus      EventKind = "status"
	EventKindCheckpoint  EventKind = "checkpoint"
	EventKindNodeOutput  EventKind = "node_output"
	EventKindFinished    EventKind = "finished"
	EventKindError       EventKind = "error"
	EventKindEndOfStream EventKind = "end_of_stream"
	EventKindComplete    EventKind = "complete"

	// EventKindThreadDeleted is published when a conversation is deleted so
	// that any open relay stops cleanly.
	EventKindThreadDeleted EventKind = "thread_deleted"
)

// IsTerminal reports whether an event kind signals that a run will produce
// no further output on its topic.
func IsTerminal(kind EventKind) bool {
	switch kind {
	case EventKindFinished, EventKindError, EventKindEndOfStream, EventKindComplete, EventKindThreadDeleted:
		return true
	}
	return false
}

// JobType represents the type of a published job.
type JobType string

const (
	JobTypeResearch JobType = "research"
)
