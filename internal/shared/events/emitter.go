package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/telesalud/realtime-assistant/internal/shared/metrics"
)

// Emitter publishes events in the background so socket handlers never wait
// on the event store. A nil Emitter or one without a Publisher is a no-op.
type Emitter struct {
	publisher Publisher
	timeout   time.Duration
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewEmitter wraps publisher; publisher may be nil when the event store is disabled.
func NewEmitter(publisher Publisher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		publisher: publisher,
		timeout:   5 * time.Second,
		logger:    logger.With("component", "events"),
	}
}

// Emit publishes event asynchronously. Failures are logged and counted.
func (e *Emitter) Emit(event Event) {
	if e == nil || e.publisher == nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		err := e.publisher.Publish(ctx, event)
		metrics.RecordEventPublished(StreamName(event.Type), err)
		if err != nil {
			e.logger.Warn("failed to publish event",
				"type", event.Type,
				"consultation_id", event.ConsultationID,
				"error", err)
		}
	}()
}

// Wait blocks until in-flight publishes finish.
func (e *Emitter) Wait() {
	if e == nil {
		return
	}
	e.wg.Wait()
}
