package conversation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/telesalud/realtime-assistant/internal/framework"
	"github.com/telesalud/realtime-assistant/internal/shared/types"
)

// Speaker identifies who produced a segment
type Speaker string

const (
	SpeakerPatient  Speaker = "patient"
	SpeakerProvider Speaker = "provider"
)

// DefaultContextWindow bounds how many recent segments feed analysis
const DefaultContextWindow = 10

// ErrSegmentNotFound is returned when a segment id is not part of the session
var ErrSegmentNotFound = errors.New("segment not found")

// Segment is one timestamped utterance
type Segment struct {
	ID         types.ID  `json:"id"`
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
	Processed  bool      `json:"processed"`
	Indicators []string  `json:"indicators"`
}

func (s Segment) clone() Segment {
	s.Indicators = append([]string{}, s.Indicators...)
	return s
}

// EvaluationProgress tracks how much of the framework has been covered
type EvaluationProgress struct {
	AreasAssessed        map[string]bool `json:"areas_assessed"`
	IndicatorsFound      []string        `json:"indicators_found"`
	ConfidenceLevel      float64         `json:"confidence_level"`
	NextFocusAreas       []string        `json:"next_focus_areas"`
	QuestionsAsked       int             `json:"questions_asked"`
	CompletionPercentage float64         `json:"completion_percentage"`
}

func (p EvaluationProgress) clone() EvaluationProgress {
	areas := make(map[string]bool, len(p.AreasAssessed))
	for k, v := range p.AreasAssessed {
		areas[k] = v
	}
	p.AreasAssessed = areas
	p.IndicatorsFound = append([]string{}, p.IndicatorsFound...)
	p.NextFocusAreas = append([]string{}, p.NextFocusAreas...)
	return p
}

// Summary is the aggregate view reported on session end and by the status API
type Summary struct {
	ConsultationID       string                     `json:"consultation_id"`
	ConsultationType     framework.ConsultationType `json:"consultation_type"`
	SessionStart         time.Time                  `json:"session_start"`
	LastActivity         time.Time                  `json:"last_activity"`
	DurationMinutes      float64                    `json:"duration_minutes"`
	TotalSegments        int                        `json:"total_segments"`
	PatientStatements    int                        `json:"patient_statements"`
	ProviderQuestions    int                        `json:"provider_questions"`
	EvaluationProgress   EvaluationProgress         `json:"evaluation_progress"`
	IndicatorsFound      int                        `json:"indicators_found"`
	CompletionPercentage float64                    `json:"completion_percentage"`
}

// Export is the complete record of a session, written to the archive
type Export struct {
	Metadata     Summary            `json:"conversation_metadata"`
	Conversation []Segment          `json:"complete_conversation"`
	FinalState   EvaluationProgress `json:"final_evaluation_state"`
}

// State is the mutable record of one consultation. All methods are safe for
// concurrent use.
type State struct {
	mu sync.Mutex

	id            string
	ctype         framework.ConsultationType
	fw            framework.Framework
	segments      []Segment
	progress      EvaluationProgress
	seen          map[string]struct{}
	start         time.Time
	lastActivity  time.Time
	contextWindow int
	closed        bool

	now func() time.Time
}

// NewState creates a session seeded from the framework of ctype.
func NewState(id string, ctype framework.ConsultationType, contextWindow int, now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	if contextWindow <= 0 {
		contextWindow = DefaultContextWindow
	}

	fw := framework.For(ctype)
	areas := make(map[string]bool, len(fw.Areas))
	for _, a := range fw.Areas {
		areas[a] = false
	}

	started := now()
	return &State{
		id:    id,
		ctype: ctype,
		fw:    fw,
		progress: EvaluationProgress{
			AreasAssessed:   areas,
			IndicatorsFound: []string{},
			NextFocusAreas:  fw.InitialFocusAreas(),
		},
		seen:          make(map[string]struct{}),
		start:         started,
		lastActivity:  started,
		contextWindow: contextWindow,
		now:           now,
	}
}

func (s *State) ID() string                       { return s.id }
func (s *State) Type() framework.ConsultationType { return s.ctype }
func (s *State) KeyIndicators() []string          { return append([]string(nil), s.fw.KeyIndicators...) }
func (s *State) ContextWindow() int               { return s.contextWindow }

// AddPatientStatement appends an unprocessed patient segment.
func (s *State) AddPatientStatement(text string, confidence float64) Segment {
	return s.append(Segment{
		Speaker:    SpeakerPatient,
		Text:       strings.TrimSpace(text),
		Confidence: clamp(confidence),
	}, false)
}

// AddProviderStatement appends a processed, full-confidence provider segment
// and counts it as a question asked.
func (s *State) AddProviderStatement(text string) Segment {
	return s.append(Segment{
		Speaker:    SpeakerProvider,
		Text:       strings.TrimSpace(text),
		Confidence: 1.0,
		Processed:  true,
	}, true)
}

// append stores seg and, for questions, bumps the counter in the same
// critical section.
func (s *State) append(seg Segment, question bool) Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if question {
		s.progress.QuestionsAsked++
	}

	seg.ID = types.NewID()
	seg.Timestamp = s.now()
	seg.Indicators = []string{}
	s.segments = append(s.segments, seg)
	s.lastActivity = seg.Timestamp
	return seg.clone()
}

// RecentContext returns snapshots of the last n segments, most recent last.
// n <= 0 uses the context window.
func (s *State) RecentContext(n int) []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 {
		n = s.contextWindow
	}
	from := len(s.segments) - n
	if from < 0 {
		from = 0
	}

	out := make([]Segment, 0, len(s.segments)-from)
	for _, seg := range s.segments[from:] {
		out = append(out, seg.clone())
	}
	return out
}

// UnprocessedPatientStatements returns every patient segment still awaiting analysis.
func (s *State) UnprocessedPatientStatements() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Segment
	for _, seg := range s.segments {
		if seg.Speaker == SpeakerPatient && !seg.Processed {
			out = append(out, seg.clone())
		}
	}
	return out
}

// MarkProcessed flags a segment as analyzed and records its indicators.
func (s *State) MarkProcessed(segmentID types.ID, indicators []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.segments {
		if s.segments[i].ID != segmentID {
			continue
		}
		s.segments[i].Processed = true
		s.segments[i].Indicators = append(s.segments[i].Indicators, indicators...)
		s.addIndicators(indicators)
		s.recompute()
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSegmentNotFound, segmentID)
}

// UpdateProgress marks area assessed and rotates the focus list. Areas that
// are not part of this session's framework are ignored.
func (s *State) UpdateProgress(area string, indicators []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.progress.AreasAssessed[area]; !ok {
		return
	}

	s.progress.AreasAssessed[area] = true
	s.addIndicators(indicators)

	focus := s.progress.NextFocusAreas[:0]
	for _, a := range s.progress.NextFocusAreas {
		if a != area {
			focus = append(focus, a)
		}
	}
	s.progress.NextFocusAreas = focus

	if len(s.progress.NextFocusAreas) < framework.MaxFocusAreas {
		for _, a := range s.fw.Areas {
			if s.progress.AreasAssessed[a] || contains(s.progress.NextFocusAreas, a) {
				continue
			}
			s.progress.NextFocusAreas = append(s.progress.NextFocusAreas, a)
			break
		}
	}

	s.recompute()
}

// SetConfidenceLevel records the analysis service's overall confidence.
func (s *State) SetConfidenceLevel(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.ConfidenceLevel = clamp(v)
}

// must hold mu
func (s *State) addIndicators(indicators []string) {
	for _, ind := range indicators {
		if ind == "" {
			continue
		}
		if _, dup := s.seen[ind]; dup {
			continue
		}
		s.seen[ind] = struct{}{}
		s.progress.IndicatorsFound = append(s.progress.IndicatorsFound, ind)
	}
}

// must hold mu
func (s *State) recompute() {
	total := len(s.progress.AreasAssessed)
	if total == 0 {
		s.progress.CompletionPercentage = 0
		return
	}
	assessed := 0
	for _, done := range s.progress.AreasAssessed {
		if done {
			assessed++
		}
	}
	s.progress.CompletionPercentage = float64(assessed) / float64(total) * 100
}

// Progress returns a deep copy of the evaluation progress.
func (s *State) Progress() EvaluationProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress.clone()
}

// IsActive reports whether the last activity is within timeout of now.
func (s *State) IsActive(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastActivity) <= timeout
}

func (s *State) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Elapsed is the time since the session started.
func (s *State) Elapsed() time.Duration {
	return s.now().Sub(s.start)
}

// Close marks the session as ended; queued work for it is skipped.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *State) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *State) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

func (s *State) summaryLocked() Summary {
	var patients, providers int
	for _, seg := range s.segments {
		switch seg.Speaker {
		case SpeakerPatient:
			patients++
		case SpeakerProvider:
			providers++
		}
	}

	return Summary{
		ConsultationID:       s.id,
		ConsultationType:     s.ctype,
		SessionStart:         s.start,
		LastActivity:         s.lastActivity,
		DurationMinutes:      s.now().Sub(s.start).Minutes(),
		TotalSegments:        len(s.segments),
		PatientStatements:    patients,
		ProviderQuestions:    providers,
		EvaluationProgress:   s.progress.clone(),
		IndicatorsFound:      len(s.progress.IndicatorsFound),
		CompletionPercentage: s.progress.CompletionPercentage,
	}
}

// Export returns the full transcript with its summary and final progress.
func (s *State) Export() Export {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := make([]Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		conv = append(conv, seg.clone())
	}
	return Export{
		Metadata:     s.summaryLocked(),
		Conversation: conv,
		FinalState:   s.progress.clone(),
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
