// Package framework holds the static evaluation catalogs that drive
// progress tracking for each consultation type.
package framework

import (
	"strings"
)

// ConsultationType identifies which evaluation framework a session follows
type ConsultationType string

const (
	TypeAutism     ConsultationType = "autism"
	TypeADHD       ConsultationType = "adhd"
	TypeGeneral    ConsultationType = "general"
	TypeDepression ConsultationType = "depression"
	TypeAnxiety    ConsultationType = "anxiety"
)

// MaxFocusAreas bounds the rotating list of recommended areas
const MaxFocusAreas = 3

// Framework is the read-only checklist for one consultation type.
type Framework struct {
	Areas         []string
	KeyIndicators []string
}

var (
	autism = Framework{
		Areas: []string{
			"social_communication",
			"restricted_repetitive_behaviors",
			"sensory_processing",
			"developmental_history",
			"adaptive_functioning",
			"cognitive_assessment",
		},
		KeyIndicators: []string{
			"eye_contact_differences",
			"social_reciprocity_challenges",
			"repetitive_behaviors",
			"sensory_sensitivities",
			"communication_differences",
			"developmental_delays",
		},
	}

	adhd = Framework{
		Areas: []string{
			"inattention_symptoms",
			"hyperactivity_symptoms",
			"impulsivity_symptoms",
			"functional_impairment",
			"developmental_history",
			"comorbid_conditions",
		},
		KeyIndicators: []string{
			"attention_difficulties",
			"hyperactive_behaviors",
			"impulsive_actions",
			"executive_function_challenges",
			"academic_challenges",
			"social_difficulties",
		},
	}

	general = Framework{
		Areas: []string{
			"chief_complaint",
			"history_present_illness",
			"review_of_systems",
			"medical_history",
			"social_history",
			"assessment_plan",
		},
		KeyIndicators: []string{
			"symptom_onset",
			"symptom_severity",
			"functional_impact",
			"risk_factors",
			"protective_factors",
		},
	}

	// depression and anxiety have no dedicated catalog yet
	catalog = map[ConsultationType]Framework{
		TypeAutism:     autism,
		TypeADHD:       adhd,
		TypeGeneral:    general,
		TypeDepression: general,
		TypeAnxiety:    general,
	}
)

// ParseType normalizes raw client input. The second result is false when the
// input was not recognized and general was substituted.
func ParseType(raw string) (ConsultationType, bool) {
	t := ConsultationType(strings.ToLower(strings.TrimSpace(raw)))
	if t.IsValid() {
		return t, true
	}
	return TypeGeneral, false
}

// IsValid reports whether t is a known consultation type
func (t ConsultationType) IsValid() bool {
	_, ok := catalog[t]
	return ok
}

func (t ConsultationType) String() string {
	return string(t)
}

// For returns a copy of the framework for t, falling back to general.
func For(t ConsultationType) Framework {
	fw, ok := catalog[t]
	if !ok {
		fw = general
	}
	return Framework{
		Areas:         append([]string(nil), fw.Areas...),
		KeyIndicators: append([]string(nil), fw.KeyIndicators...),
	}
}

// HasArea reports whether area belongs to the framework
func (f Framework) HasArea(area string) bool {
	for _, a := range f.Areas {
		if a == area {
			return true
		}
	}
	return false
}

// InitialFocusAreas returns the first MaxFocusAreas areas in catalog order.
func (f Framework) InitialFocusAreas() []string {
	n := len(f.Areas)
	if n > MaxFocusAreas {
		n = MaxFocusAreas
	}
	return append([]string(nil), f.Areas[:n]...)
}
