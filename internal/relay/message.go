// Package relay maintains the persistent WebSocket channel between this
// host and the relay service that bridges it to the remote companion client.
package relay

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of message exchanged over the relay channel.
type Type string

const (
	TypeCommand      Type = "command"
	TypeResponse     Type = "response"
	TypeNotification Type = "notification"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
)

// Message is the JSON wire envelope exchanged over the relay channel.
// Remote clients are inconsistent about where they put the command name
// and correlation id (top level or nested in Data); Normalize hoists both
// into the canonical top-level fields.
type Message struct {
	ID        string                 `json:"id,omitempty"`
	MessageID string                 `json:"messageId,omitempty"`
	Type      Type                   `json:"type"`
	Command   string                 `json:"command,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
	Sender    string                 `json:"sender,omitempty"`
	Target    string                 `json:"target,omitempty"`
}

// CorrelationID returns the identifier a response must echo: MessageID if
// present, then ID, then the nested data equivalents.
func (m Message) CorrelationID() string {
	if m.MessageID != "" {
		return m.MessageID
	}
	if m.ID != "" {
		return m.ID
	}
	if m.Data != nil {
		if v, ok := m.Data["messageId"].(string); ok && v != "" {
			return v
		}
		if v, ok := m.Data["id"].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Normalize returns a copy of m with the command name and correlation id
// hoisted to the top level. Unrecognized shapes pass through unchanged.
func Normalize(m Message) Message {
	if m.Command == "" && m.Data != nil {
		if v, ok := m.Data["command"].(string); ok {
			m.Command = v
		}
	}
	if m.MessageID == "" {
		m.MessageID = m.CorrelationID()
	}
	return m
}

// NewResponse builds a response message echoing the given correlation id.
func NewResponse(correlationID string, data map[string]interface{}) Message {
	return Message{
		ID:        uuid.NewString(),
		MessageID: correlationID,
		Type:      TypeResponse,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// NewNotification builds a notification message with a fresh id.
func NewNotification(data map[string]interface{}) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      TypeNotification,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func newPing() Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      TypePing,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func newPong(correlationID string) Message {
	return Message{
		ID:        uuid.NewString(),
		MessageID: correlationID,
		Type:      TypePong,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
