package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telesalud/realtime-assistant/internal/framework"
	"github.com/telesalud/realtime-assistant/internal/shared/config"
)

func TestEndpointFor(t *testing.T) {
	tests := []struct {
		ctype framework.ConsultationType
		want  string
	}{
		{framework.TypeAutism, EndpointAutism},
		{framework.TypeADHD, EndpointADHD},
		{framework.TypeGeneral, EndpointGeneral},
		{framework.TypeDepression, EndpointGeneral},
		{framework.TypeAnxiety, EndpointGeneral},
		{framework.ConsultationType("other"), EndpointGeneral},
	}
	for _, tt := range tests {
		t.Run(string(tt.ctype), func(t *testing.T) {
			assert.Equal(t, tt.want, EndpointFor(tt.ctype))
		})
	}
}

func TestClient_Analyze(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, EndpointAutism, r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"indicators": ["eye_contact_differences"],
			"areas_assessed": ["social_communication"],
			"next_questions": ["Does he share interests with you?"],
			"priority": "high",
			"clinical_observations": "limited eye contact",
			"autism_indicators": ["eye_contact_differences"],
			"recommended_tools": ["ADOS-2"]
		}`))
	}))
	defer srv.Close()

	client := NewClient(config.AnalysisConfig{BaseURL: srv.URL + "/", APIToken: "secret-token", Timeout: time.Second})

	result, err := client.Analyze(context.Background(), Request{
		ConsultationID:         "c1",
		ConsultationType:       "autism",
		PatientStatement:       "he avoids eye contact",
		FocusAreas:             []string{"social_communication"},
		KeyIndicators:          []string{"eye_contact_differences"},
		SessionDurationMinutes: 3.5,
		QuestionsAskedCount:    2,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"eye_contact_differences"}, result.Indicators)
	assert.Equal(t, []string{"social_communication"}, result.AreasAssessed)
	assert.Equal(t, "high", result.Priority)
	assert.Equal(t, "limited eye contact", result.ClinicalObservations)
	assert.Nil(t, result.ConfidenceLevel)
	assert.Equal(t, []any{"ADOS-2"}, result.Field("recommended_tools"))

	for _, key := range []string{
		"consultation_id", "consultation_type", "patient_statement", "conversation_context",
		"evaluation_progress", "focus_areas", "key_indicators", "session_duration_minutes", "questions_asked_count",
	} {
		assert.Contains(t, got, key)
	}
	assert.Equal(t, "he avoids eye contact", got["patient_statement"])
	assert.Equal(t, float64(2), got["questions_asked_count"])
}

func TestClient_AnalyzeNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(config.AnalysisConfig{BaseURL: srv.URL})
	_, err := client.Analyze(context.Background(), Request{ConsultationID: "c1", ConsultationType: "general"})

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "model unavailable")
}

func TestClient_AnalyzeBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	client := NewClient(config.AnalysisConfig{BaseURL: srv.URL})
	_, err := client.Analyze(context.Background(), Request{ConsultationType: "adhd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestClient_AnalyzeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(config.AnalysisConfig{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := client.Analyze(context.Background(), Request{ConsultationType: "general"})
	require.Error(t, err)
}
