// Package websocket pushes scheduler events to connected UI clients.
package websocket

import (
	"encoding/json"
	"time"
)

// Message types
const (
	TypeNotification = "notification"
	TypeResponse     = "response"
	TypeError        = "error"
)

// Client-initiated actions
const (
	ActionTaskSubscribe   = "task.subscribe"
	ActionTaskUnsubscribe = "task.unsubscribe"
)

// Message is the wire envelope for all gateway traffic.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ParsePayload decodes the payload into v.
func (m *Message) ParsePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// NewNotification builds a server-push message.
func NewNotification(action string, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      TypeNotification,
		Action:    action,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponse builds a reply to a client request.
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      TypeResponse,
		ID:        id,
		Action:    action,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewError builds an error reply to a client request.
func NewError(id, action, message string) *Message {
	raw, _ := json.Marshal(map[string]string{"message": message})
	return &Message{
		Type:      TypeError,
		ID:        id,
		Action:    action,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
}
