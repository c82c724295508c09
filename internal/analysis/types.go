package analysis

import (
	"encoding/json"
	"strings"

	"github.com/telesalud/realtime-assistant/internal/conversation"
)

// Request is the snapshot sent for one patient statement
type Request struct {
	ConsultationID         string                          `json:"consultation_id"`
	ConsultationType       string                          `json:"consultation_type"`
	PatientStatement       string                          `json:"patient_statement"`
	ConversationContext    []conversation.Segment          `json:"conversation_context"`
	EvaluationProgress     conversation.EvaluationProgress `json:"evaluation_progress"`
	FocusAreas             []string                        `json:"focus_areas"`
	KeyIndicators          []string                        `json:"key_indicators"`
	SessionDurationMinutes float64                         `json:"session_duration_minutes"`
	QuestionsAskedCount    int                             `json:"questions_asked_count"`
}

// Result is the analysis service response. The common fields are decoded
// into struct fields; every field, including type-specific ones, is also
// kept in Fields. Priority and ClinicalObservations accept any JSON value.
type Result struct {
	Indicators           []string `json:"indicators"`
	AreasAssessed        []string `json:"areas_assessed"`
	NextQuestions        []string `json:"next_questions"`
	Priority             string   `json:"priority"`
	ClinicalObservations string   `json:"clinical_observations"`
	ConfidenceLevel      *float64 `json:"confidence_level,omitempty"`

	Fields map[string]any `json:"-"`
}

func (r *Result) UnmarshalJSON(data []byte) error {
	type plain Result
	var p struct {
		plain
		Priority             any `json:"priority"`
		ClinicalObservations any `json:"clinical_observations"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*r = Result(p.plain)
	r.Priority = text(p.Priority)
	r.ClinicalObservations = text(p.ClinicalObservations)
	r.Fields = fields
	return nil
}

// text flattens a loosely typed field. Lists are joined, other values are
// kept as compact JSON.
func text(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := text(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// Field returns a raw response field, or nil when absent.
func (r *Result) Field(name string) any {
	if r == nil || r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}
