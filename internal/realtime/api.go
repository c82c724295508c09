package realtime

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/telesalud/realtime-assistant/internal/asr"
	"github.com/telesalud/realtime-assistant/internal/conversation"
	"github.com/telesalud/realtime-assistant/internal/shared/errors"
)

// Status is the running state reported by GET /api/v1/status
type Status struct {
	ActiveConnections int `json:"active_connections"`
	ActiveSessions    int `json:"active_sessions"`
	AttachedSessions  int `json:"attached_sessions"`
	ActiveBridges     int `json:"active_bridges"`
	ConnectedBridges  int `json:"connected_bridges"`
	QueueDepth        int `json:"queue_depth"`
}

// SessionView is a session summary plus its live attachment
type SessionView struct {
	conversation.Summary
	Attached bool      `json:"attached"`
	ASRState asr.State `json:"asr_state,omitempty"`
}

// Routes registers the status API, mounted under /api/v1. archiveGuards wrap
// the archived transcript endpoint only.
func (s *Server) Routes(archiveGuards ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/status", s.GetStatus)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.ListSessions)
		r.Get("/{consultationID}", s.GetSession)
	})

	if s.archive != nil {
		r.With(archiveGuards...).Get("/archive/{consultationID}", s.GetArchived)
	}

	return r
}

// Status snapshots the coordinator.
func (s *Server) Status() Status {
	s.mu.Lock()
	st := Status{
		ActiveConnections: len(s.conns),
		AttachedSessions:  len(s.sessions),
	}
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		bridge := c.currentBridge()
		if bridge == nil || !bridge.Running() {
			continue
		}
		st.ActiveBridges++
		if bridge.State() == asr.StateConnected {
			st.ConnectedBridges++
		}
	}
	st.ActiveSessions = s.registry.Len()
	st.QueueDepth = s.engine.QueueDepth()
	return st
}

// GetStatus reports connection, bridge, session and queue counts
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

// ListSessions lists every live session
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	summaries := s.registry.List()

	views := make([]SessionView, 0, len(summaries))
	for _, summary := range summaries {
		views = append(views, s.view(summary))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  views,
		"total": len(views),
	})
}

// GetSession returns one live session
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "consultationID")

	state, ok := s.registry.Get(id)
	if !ok {
		writeError(w, errors.SessionNotFound(id))
		return
	}

	writeJSON(w, http.StatusOK, s.view(state.Summary()))
}

// GetArchived returns the stored export of an ended session
func (s *Server) GetArchived(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "consultationID")

	export, err := s.archive.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, export)
}

func (s *Server) view(summary conversation.Summary) SessionView {
	v := SessionView{Summary: summary}

	s.mu.Lock()
	c := s.sessions[summary.ConsultationID]
	s.mu.Unlock()

	if c != nil {
		v.Attached = true
		if bridge := c.currentBridge(); bridge != nil {
			v.ASRState = bridge.State()
		}
	}
	return v
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	appErr, ok := err.(*errors.AppError)
	if !ok {
		appErr = errors.Internal(err)
	}

	writeJSON(w, appErr.HTTPStatus, map[string]any{
		"error":   appErr.Message,
		"code":    appErr.Code,
		"details": appErr.Details,
	})
}
