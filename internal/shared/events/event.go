package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types published by the assistant
const (
	TypeSessionStarted = "session.started"
	TypeSessionEnded   = "session.ended"
	TypeASRDegraded    = "asr.degraded"
)

const (
	streamPrefix = "assistant"
	source       = "realtime-clinical-assistant"
)

// Event represents a session lifecycle event
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
	ConsultationID string    `json:"consultation_id"`
	ProviderID     string    `json:"provider_id,omitempty"`

	Data any `json:"data"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, consultationID string, data any) Event {
	return Event{
		ID:             uuid.New().String(),
		Type:           eventType,
		Source:         source,
		Timestamp:      time.Now().UTC(),
		ConsultationID: consultationID,
		Data:           data,
	}
}

// WithProvider sets the authenticated provider on the event
func (e Event) WithProvider(providerID string) Event {
	e.ProviderID = providerID
	return e
}

// StreamName maps session.started to assistant-session-started.
func StreamName(eventType string) string {
	return streamPrefix + "-" + strings.ReplaceAll(eventType, ".", "-")
}
