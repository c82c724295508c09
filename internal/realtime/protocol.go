package realtime

import (
	"time"

	"github.com/telesalud/realtime-assistant/internal/conversation"
	"github.com/telesalud/realtime-assistant/internal/framework"
	"github.com/telesalud/realtime-assistant/internal/suggestion"
)

// Inbound control message types
const (
	TypeStartSession     = "start_session"
	TypeEndSession       = "end_session"
	TypeProviderQuestion = "provider_question"
	TypePing             = "ping"
)

// Outbound message types
const (
	TypeSessionStarted     = "session_started"
	TypeSessionEnded       = "session_ended"
	TypeClinicalSuggestion = "clinical_suggestion"
	TypePong               = "pong"
	TypeError              = "error"
)

// clientMessage is the union of every inbound control message
type clientMessage struct {
	Type             string `json:"type"`
	ConsultationID   string `json:"consultation_id"`
	ConsultationType string `json:"consultation_type"`
	Text             string `json:"text"`
}

type sessionStarted struct {
	Type             string                     `json:"type"`
	ConsultationID   string                     `json:"consultation_id"`
	ConsultationType framework.ConsultationType `json:"consultation_type"`
	Resumed          bool                       `json:"resumed,omitempty"`
	Timestamp        time.Time                  `json:"timestamp"`
}

type sessionEnded struct {
	Type           string               `json:"type"`
	ConsultationID string               `json:"consultation_id"`
	Summary        conversation.Summary `json:"session_summary"`
	Timestamp      time.Time            `json:"timestamp"`
}

type clinicalSuggestion struct {
	Type           string                 `json:"type"`
	ConsultationID string                 `json:"consultation_id"`
	Suggestions    *suggestion.Suggestion `json:"suggestions"`
	Timestamp      time.Time              `json:"timestamp"`
}

type pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type errorMessage struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
