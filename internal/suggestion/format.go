package suggestion

import (
	"time"

	"github.com/telesalud/realtime-assistant/internal/analysis"
	"github.com/telesalud/realtime-assistant/internal/framework"
)

// DefaultPriority is used when the analysis service sends none
const DefaultPriority = "medium"

// Suggestion is the structured guidance pushed to the provider
type Suggestion struct {
	Type          string         `json:"type"`
	Priority      string         `json:"priority"`
	Title         string         `json:"title"`
	Suggestions   map[string]any `json:"suggestions"`
	ClinicalNotes string         `json:"clinical_notes"`
	Timestamp     time.Time      `json:"timestamp"`
}

// field maps a suggestion key to the analysis response field it is read from
type field struct {
	key    string
	source string
}

type template struct {
	kind   string
	title  string
	fields []field
}

var (
	autismTemplate = template{
		kind:  "autism_assessment",
		title: "Autism Assessment Guidance",
		fields: []field{
			{"observed_indicators", "autism_indicators"},
			{"areas_to_explore", "focus_areas"},
			{"assessment_tools", "recommended_tools"},
		},
	}

	adhdTemplate = template{
		kind:  "adhd_evaluation",
		title: "ADHD Evaluation Guidance",
		fields: []field{
			{"symptom_indicators", "adhd_indicators"},
			{"functional_areas", "functional_impairment"},
			{"rating_scales", "recommended_scales"},
		},
	}

	generalTemplate = template{
		kind:  "general_medical",
		title: "Clinical Assessment Guidance",
		fields: []field{
			{"clinical_indicators", "indicators"},
			{"diagnostic_considerations", "differential_diagnosis"},
			{"recommended_assessments", "recommended_assessments"},
		},
	}

	templates = map[framework.ConsultationType]template{
		framework.TypeAutism: autismTemplate,
		framework.TypeADHD:   adhdTemplate,
	}
)

// Format builds the suggestion for ctype from an analysis result. Types
// without a dedicated template use the general one.
func Format(ctype framework.ConsultationType, result *analysis.Result, now time.Time) *Suggestion {
	tmpl, ok := templates[ctype]
	if !ok {
		tmpl = generalTemplate
	}

	priority := result.Priority
	if priority == "" {
		priority = DefaultPriority
	}

	next := result.NextQuestions
	if next == nil {
		next = []string{}
	}
	suggestions := map[string]any{"next_questions": next}
	for _, f := range tmpl.fields {
		v := result.Field(f.source)
		if v == nil {
			v = []any{}
		}
		suggestions[f.key] = v
	}

	return &Suggestion{
		Type:          tmpl.kind,
		Priority:      priority,
		Title:         tmpl.title,
		Suggestions:   suggestions,
		ClinicalNotes: result.ClinicalObservations,
		Timestamp:     now,
	}
}
