package conversation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/telesalud/realtime-assistant/internal/framework"
	"github.com/telesalud/realtime-assistant/internal/shared/config"
	apperrors "github.com/telesalud/realtime-assistant/internal/shared/errors"
	"github.com/telesalud/realtime-assistant/internal/shared/metrics"
)

// Registry owns every live consultation session, keyed by consultation id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*State

	idleTimeout   time.Duration
	sweepInterval time.Duration
	contextWindow int

	onEvict func(*State)
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg config.SessionConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	return &Registry{
		sessions:      make(map[string]*State),
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		contextWindow: cfg.ContextWindow,
		logger:        logger.With("component", "registry"),
		now:           time.Now,
	}
}

// OnEvict registers a hook invoked, outside the registry lock, for every
// session removed by Sweep.
func (r *Registry) OnEvict(fn func(*State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

// IdleTimeout is the inactivity threshold used by Run and Create.
func (r *Registry) IdleTimeout() time.Duration {
	return r.idleTimeout
}

// Create registers a new session. It fails with a DUPLICATE_SESSION error
// when id belongs to a session that is still active; an idle leftover is
// replaced.
func (r *Registry) Create(id string, ctype framework.ConsultationType) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[id]; ok {
		if existing.IsActive(r.idleTimeout) && !existing.Closed() {
			return nil, apperrors.DuplicateSession(id)
		}
		existing.Close()
		r.logger.Warn("replacing stale session", "consultation_id", id)
	}

	state := NewState(id, ctype, r.contextWindow, r.now)
	r.sessions[id] = state
	metrics.SetSessionsActive(len(r.sessions))

	r.logger.Info("created session", "consultation_id", id, "consultation_type", ctype)
	return state, nil
}

// Get looks up a session without side effects.
func (r *Registry) Get(id string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.sessions[id]
	return state, ok
}

// Remove ends a session explicitly and closes it.
func (r *Registry) Remove(id string) (*State, bool) {
	r.mu.Lock()
	state, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		metrics.SetSessionsActive(len(r.sessions))
	}
	r.mu.Unlock()

	if ok {
		state.Close()
	}
	return state, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep evicts every session idle for longer than idleTimeout and returns
// the evicted ids. Open connections are not notified.
func (r *Registry) Sweep(idleTimeout time.Duration) []string {
	r.mu.Lock()
	var evicted []*State
	for id, state := range r.sessions {
		if !state.IsActive(idleTimeout) {
			delete(r.sessions, id)
			evicted = append(evicted, state)
		}
	}
	metrics.SetSessionsActive(len(r.sessions))
	hook := r.onEvict
	r.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, state := range evicted {
		state.Close()
		ids = append(ids, state.ID())
		metrics.RecordSessionEnded("evicted")
		r.logger.Info("evicted idle session",
			"consultation_id", state.ID(),
			"last_activity", state.LastActivity())
		if hook != nil {
			hook(state)
		}
	}
	sort.Strings(ids)
	return ids
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	r.logger.Info("session sweeper started",
		"interval", r.sweepInterval,
		"idle_timeout", r.idleTimeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := r.Sweep(r.idleTimeout); len(ids) > 0 {
				r.logger.Info("sweep completed", "evicted", len(ids), "remaining", r.Len())
			}
		}
	}
}

// List returns summaries of every session, oldest first.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	states := make([]*State, 0, len(r.sessions))
	for _, s := range r.sessions {
		states = append(states, s)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(states))
	for _, s := range states {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionStart.Equal(out[j].SessionStart) {
			return out[i].ConsultationID < out[j].ConsultationID
		}
		return out[i].SessionStart.Before(out[j].SessionStart)
	})
	return out
}
