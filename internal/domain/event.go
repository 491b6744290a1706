package domain

import "encoding/json"

// Event is the tagged union flowing over a conversation topic. Payload is
// kept raw; consumers that care about a specific kind decode it themselves.
type Event struct {
	Event   EventKind       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Node    string `json:"node,omitempty"`
	Message string `json:"message"`
}

// NodeOutputPayload is the payload of a node_output event. Only the fields
// the producing node filled are present.
type NodeOutputPayload struct {
	Node         string   `json:"node,omitempty"`
	Sources      []Source `json:"sources,omitempty"`
	DraftPreview string   `json:"draft_preview,omitempty"`
	Report       string   `json:"report,omitempty"`
}

// ParseEvent decodes a topic message into an Event. ok is false when the
// payload is not a JSON object carrying an event tag; such messages are
// still forwarded, wrapped by WrapRaw.
func ParseEvent(data []byte) (Event, bool) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, false
	}
	if ev.Event == "" {
		return Event{}, false
	}
	return ev, true
}

// NewEvent builds an event with a JSON-encoded payload. A payload that fails
// to marshal is dropped; the event kind still goes out.
func NewEvent(kind EventKind, payload interface{}) Event {
	ev := Event{Event: kind}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}

// DecodePayload unmarshals the event payload into v.
func (e Event) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Encode marshals the event for publishing.
func (e Event) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}

// WrapRaw wraps a non-JSON topic message so that every forwarded frame is
// valid JSON.
func WrapRaw(data []byte) []byte {
	b, _ := json.Marshal(map[string]string{"raw": string(data)})
	return b
}

// EnsureJSON returns the frame unchanged when it already is valid JSON —
// including JSON that merely lacks an event tag — and wraps anything else
// via WrapRaw.
func EnsureJSON(data []byte) []byte {
	if json.Valid(data) {
		return data
	}
	return WrapRaw(data)
}
