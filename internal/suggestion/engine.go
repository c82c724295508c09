// Package suggestion turns patient statements into clinical suggestions
// through a single queue shared by every session.
package suggestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telesalud/realtime-assistant/internal/analysis"
	"github.com/telesalud/realtime-assistant/internal/conversation"
	"github.com/telesalud/realtime-assistant/internal/shared/config"
	"github.com/telesalud/realtime-assistant/internal/shared/metrics"
)

// contextSegments is how many recent segments accompany each analysis call
const contextSegments = 5

var (
	ErrQueueFull     = errors.New("suggestion queue full")
	ErrSessionClosed = errors.New("session closed")
)

// Analyzer is the external analysis service
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (*analysis.Result, error)
}

// Callback receives every suggestion produced by the engine
type Callback func(ctx context.Context, consultationID string, s *Suggestion) error

type item struct {
	state      *conversation.State
	text       string
	confidence float64
}

// Engine owns the global FIFO of patient statements and its single consumer.
type Engine struct {
	analyzer Analyzer
	queue    chan item
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	callbacks []Callback
	started   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates an engine with a queue of cfg.QueueSize statements.
func NewEngine(analyzer Analyzer, cfg config.SuggestionConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1000
	}
	return &Engine{
		analyzer: analyzer,
		queue:    make(chan item, size),
		logger:   logger.With("component", "suggestion"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// AddCallback registers fn for every future suggestion.
func (e *Engine) AddCallback(fn Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, fn)
}

// Start launches the consumer.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("suggestion engine already started")
	}
	e.started = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.consume(ctx)

	e.logger.Info("suggestion engine started", "queue_capacity", cap(e.queue))
	return nil
}

// Stop halts the consumer after the item in progress completes.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
}

// Enqueue queues a patient statement without blocking.
func (e *Engine) Enqueue(state *conversation.State, text string, confidence float64) error {
	select {
	case e.queue <- item{state: state, text: text, confidence: confidence}:
		metrics.SetQueueDepth(len(e.queue))
		return nil
	default:
		metrics.RecordSuggestionItem("rejected")
		return ErrQueueFull
	}
}

// QueueDepth returns the number of statements waiting.
func (e *Engine) QueueDepth() int {
	return len(e.queue)
}

func (e *Engine) consume(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case it := <-e.queue:
			metrics.SetQueueDepth(len(e.queue))
			e.handle(ctx, it)
		}
	}
}

func (e *Engine) handle(ctx context.Context, it item) {
	_, err := e.ProcessStatement(ctx, it.state, it.text, it.confidence)
	switch {
	case err == nil:
		metrics.RecordSuggestionItem("suggested")
	case errors.Is(err, ErrSessionClosed):
		metrics.RecordSuggestionItem("skipped")
		e.logger.Debug("skipping statement for ended session", "consultation_id", it.state.ID())
	default:
		metrics.RecordSuggestionItem("failed")
	}
}

// ProcessStatement records the statement, analyzes it, updates the session
// and notifies callbacks. On analysis failure the statement stays recorded
// but unanalyzed.
func (e *Engine) ProcessStatement(ctx context.Context, state *conversation.State, text string, confidence float64) (*Suggestion, error) {
	if state.Closed() {
		return nil, ErrSessionClosed
	}

	segment := state.AddPatientStatement(text, confidence)
	progress := state.Progress()

	req := analysis.Request{
		ConsultationID:         state.ID(),
		ConsultationType:       string(state.Type()),
		PatientStatement:       segment.Text,
		ConversationContext:    state.RecentContext(contextSegments),
		EvaluationProgress:     progress,
		FocusAreas:             progress.NextFocusAreas,
		KeyIndicators:          state.KeyIndicators(),
		SessionDurationMinutes: state.Elapsed().Minutes(),
		QuestionsAskedCount:    progress.QuestionsAsked,
	}

	result, err := e.analyzer.Analyze(ctx, req)
	if err != nil {
		e.logger.Error("analysis failed",
			"consultation_id", state.ID(),
			"segment_id", segment.ID,
			"error", err)
		return nil, err
	}

	if err := state.MarkProcessed(segment.ID, result.Indicators); err != nil {
		return nil, err
	}
	for _, area := range result.AreasAssessed {
		state.UpdateProgress(area, result.Indicators)
	}
	if result.ConfidenceLevel != nil {
		state.SetConfidenceLevel(*result.ConfidenceLevel)
	}

	suggestion := Format(state.Type(), result, e.now())
	e.notify(ctx, state.ID(), suggestion)
	return suggestion, nil
}

func (e *Engine) notify(ctx context.Context, consultationID string, s *Suggestion) {
	e.mu.RLock()
	callbacks := append([]Callback(nil), e.callbacks...)
	e.mu.RUnlock()

	for i, cb := range callbacks {
		if err := e.invoke(ctx, cb, consultationID, s); err != nil {
			metrics.RecordCallbackFailure()
			e.logger.Error("suggestion callback failed",
				"consultation_id", consultationID,
				"callback", i,
				"error", err)
		}
	}
}

func (e *Engine) invoke(ctx context.Context, cb Callback, consultationID string, s *Suggestion) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return cb(ctx, consultationID, s)
}
