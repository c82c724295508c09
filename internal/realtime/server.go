// Package realtime is the WebSocket coordinator that ties client sockets,
// audio bridges and the suggestion engine together.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telesalud/realtime-assistant/internal/archive"
	"github.com/telesalud/realtime-assistant/internal/asr"
	"github.com/telesalud/realtime-assistant/internal/conversation"
	"github.com/telesalud/realtime-assistant/internal/framework"
	"github.com/telesalud/realtime-assistant/internal/shared/auth"
	"github.com/telesalud/realtime-assistant/internal/shared/config"
	apperrors "github.com/telesalud/realtime-assistant/internal/shared/errors"
	"github.com/telesalud/realtime-assistant/internal/shared/events"
	"github.com/telesalud/realtime-assistant/internal/shared/metrics"
	"github.com/telesalud/realtime-assistant/internal/shared/middleware"
	"github.com/telesalud/realtime-assistant/internal/shared/types"
	"github.com/telesalud/realtime-assistant/internal/suggestion"
)

// Archiver stores the export of every session that leaves the registry.
type Archiver interface {
	Archive(ctx context.Context, export conversation.Export, reason string) error
	Get(ctx context.Context, consultationID string) (*conversation.Export, error)
}

// Options carries the optional collaborators of a Server.
type Options struct {
	ASR       config.ASRConfig
	RateLimit config.RateLimitConfig
	// Dialer defaults to the gorilla/websocket dialer
	Dialer  asr.Dialer
	Archive Archiver
	Events  *events.Emitter
	Logger  *slog.Logger
}

// Server accepts client sockets and routes messages between them, the
// session registry, per-session audio bridges and the suggestion engine.
type Server struct {
	registry *conversation.Registry
	engine   *suggestion.Engine
	asrCfg   config.ASRConfig
	rateCfg  config.RateLimitConfig
	dialer   asr.Dialer
	archive  Archiver
	events   *events.Emitter
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu       sync.Mutex
	conns    map[types.ID]*connection
	sessions map[string]*connection

	wg sync.WaitGroup
}

// NewServer wires the coordinator into the registry eviction hook and the
// engine callback list.
func NewServer(registry *conversation.Registry, engine *suggestion.Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = asr.NewWebSocketDialer(opts.ASR.DialTimeout)
	}

	s := &Server{
		registry: registry,
		engine:   engine,
		asrCfg:   opts.ASR,
		rateCfg:  opts.RateLimit,
		dialer:   dialer,
		archive:  opts.Archive,
		events:   opts.Events,
		logger:   logger.With("component", "realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now:      time.Now,
		conns:    make(map[types.ID]*connection),
		sessions: make(map[string]*connection),
	}

	engine.AddCallback(s.deliver)
	registry.OnEvict(s.evicted)
	return s
}

// ServeWS upgrades the request and serves the socket until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", middleware.ClientIP(r), "error", err)
		return
	}

	limiter := middleware.NewMessageLimiter(s.rateCfg.MessagesPerSecond, s.rateCfg.Burst)
	c := newConnection(ws, limiter, auth.GetProvider(r.Context()), s.logger)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.wg.Add(1)
	defer s.wg.Done()

	metrics.ConnectionOpened()
	c.logger.Info("client connected", "remote", middleware.ClientIP(r))

	go c.writePump()
	s.readLoop(c)
}

func (s *Server) readLoop(c *connection) {
	defer s.cleanup(c)

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("connection closed unexpectedly", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch kind {
		case websocket.BinaryMessage:
			if bridge := c.currentBridge(); bridge != nil {
				bridge.ForwardAudio(data)
			}
		case websocket.TextMessage:
			s.handleText(c, data)
		}
	}
}

func (s *Server) handleText(c *connection, data []byte) {
	if !c.limiter.Allow() {
		s.replyError(c, apperrors.RateLimited())
		return
	}

	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.replyError(c, apperrors.InvalidJSON())
		return
	}

	var err error
	switch msg.Type {
	case TypeStartSession:
		err = s.startSession(c, msg)
	case TypeEndSession:
		err = s.endSession(c, msg)
	case TypeProviderQuestion:
		err = s.providerQuestion(msg)
	case TypePing:
		c.enqueue(pong{Type: TypePong, Timestamp: s.now()})
	default:
		err = apperrors.UnknownMessageType(msg.Type)
	}
	metrics.RecordMessage(messageLabel(msg.Type))

	if err != nil {
		s.replyError(c, err)
	}
}

// messageLabel keeps the metric label set bounded
func messageLabel(msgType string) string {
	switch msgType {
	case TypeStartSession, TypeEndSession, TypeProviderQuestion, TypePing:
		return msgType
	}
	return "unknown"
}

func (s *Server) replyError(c *connection, err error) {
	code := apperrors.CodeOf(err)
	metrics.RecordClientError(code)
	if code == apperrors.CodeInternal {
		c.logger.Error("message handling failed", "error", err)
	}
	c.enqueue(errorMessage{
		Type:      TypeError,
		Message:   apperrors.MessageOf(err),
		Code:      code,
		Timestamp: s.now(),
	})
}

func (s *Server) startSession(c *connection, msg clientMessage) error {
	id := msg.ConsultationID
	if id == "" {
		return apperrors.MissingField("consultation_id")
	}
	if current := c.consultation(); current != "" {
		if current == id {
			return apperrors.DuplicateSession(id)
		}
		return apperrors.ConnectionBusy(current)
	}

	ctype, known := framework.ParseType(msg.ConsultationType)
	if !known && msg.ConsultationType != "" {
		c.logger.Warn("unknown consultation type, using general",
			"consultation_id", id,
			"consultation_type", msg.ConsultationType)
	}

	s.mu.Lock()
	if owner, attached := s.sessions[id]; attached && owner != c {
		s.mu.Unlock()
		return apperrors.DuplicateSession(id)
	}
	state, resumed, err := s.claim(id, ctype)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.sessions[id] = c
	s.mu.Unlock()

	bridge := asr.NewBridge(id, s.asrCfg, s.dialer, s.transcriptHandler(id), s.logger)
	bridge.OnGiveUp(func() {
		s.events.Emit(events.NewEvent(events.TypeASRDegraded, id, map[string]any{
			"max_reconnect_attempts": s.asrCfg.MaxReconnectAttempts,
		}).WithProvider(c.providerID()))
	})
	c.attach(id, bridge)

	ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout())
	defer cancel()
	if err := bridge.Start(ctx); err != nil {
		c.logger.Warn("ASR unavailable, retrying in background", "consultation_id", id, "error", err)
	}

	metrics.RecordSessionStarted(string(state.Type()), resumed)
	metrics.SetSessionsActive(s.registry.Len())
	s.events.Emit(events.NewEvent(events.TypeSessionStarted, id, map[string]any{
		"consultation_type": state.Type(),
		"resumed":           resumed,
	}).WithProvider(c.providerID()))

	c.logger.Info("session started",
		"consultation_id", id,
		"consultation_type", state.Type(),
		"resumed", resumed)

	c.enqueue(sessionStarted{
		Type:             TypeSessionStarted,
		ConsultationID:   id,
		ConsultationType: state.Type(),
		Resumed:          resumed,
		Timestamp:        s.now(),
	})
	return nil
}

// claim creates the session or resumes a detached one. Caller holds s.mu.
func (s *Server) claim(id string, ctype framework.ConsultationType) (*conversation.State, bool, error) {
	for {
		state, err := s.registry.Create(id, ctype)
		if err == nil {
			return state, false, nil
		}
		if !errors.Is(err, apperrors.ErrDuplicateSession) {
			return nil, false, err
		}
		if state, ok := s.registry.Get(id); ok {
			return state, true, nil
		}
		// removed between Create and Get; try again
	}
}

func (s *Server) endSession(c *connection, msg clientMessage) error {
	id := msg.ConsultationID
	if id == "" {
		return apperrors.MissingField("consultation_id")
	}

	s.mu.Lock()
	owner, attached := s.sessions[id]
	if attached && owner != c {
		s.mu.Unlock()
		return apperrors.SessionOwnedElsewhere(id)
	}
	if attached {
		delete(s.sessions, id)
	}
	state, found := s.registry.Remove(id)
	s.mu.Unlock()

	if bridge := c.detach(id); bridge != nil {
		bridge.Stop()
	}
	if !found {
		return apperrors.SessionNotFound(id)
	}

	summary := state.Summary()
	metrics.RecordSessionEnded(archive.ReasonEnded)
	metrics.SetSessionsActive(s.registry.Len())
	s.archiveSession(state, archive.ReasonEnded)
	s.events.Emit(events.NewEvent(events.TypeSessionEnded, id, map[string]any{
		"reason":                archive.ReasonEnded,
		"total_segments":        summary.TotalSegments,
		"completion_percentage": summary.CompletionPercentage,
		"duration_minutes":      summary.DurationMinutes,
	}).WithProvider(c.providerID()))

	c.logger.Info("session ended",
		"consultation_id", id,
		"segments", summary.TotalSegments,
		"completion", summary.CompletionPercentage)

	c.enqueue(sessionEnded{
		Type:           TypeSessionEnded,
		ConsultationID: id,
		Summary:        summary,
		Timestamp:      s.now(),
	})
	return nil
}

func (s *Server) providerQuestion(msg clientMessage) error {
	if msg.ConsultationID == "" {
		return apperrors.MissingField("consultation_id")
	}
	if msg.Text == "" {
		return apperrors.MissingField("text")
	}

	state, ok := s.registry.Get(msg.ConsultationID)
	if !ok {
		return apperrors.SessionNotFound(msg.ConsultationID)
	}
	state.AddProviderStatement(msg.Text)
	return nil
}

// transcriptHandler resolves the session on every transcript so that a
// session ended or evicted meanwhile is never fed.
func (s *Server) transcriptHandler(consultationID string) asr.TranscriptionFunc {
	return func(text string, confidence float64) {
		state, ok := s.registry.Get(consultationID)
		if !ok {
			s.logger.Debug("dropping transcript for unknown session", "consultation_id", consultationID)
			return
		}
		if err := s.engine.Enqueue(state, text, confidence); err != nil {
			s.logger.Warn("failed to queue statement", "consultation_id", consultationID, "error", err)
		}
	}
}

// deliver is the engine callback that pushes a suggestion to the socket
// currently attached to the consultation.
func (s *Server) deliver(ctx context.Context, consultationID string, sg *suggestion.Suggestion) error {
	s.mu.Lock()
	c := s.sessions[consultationID]
	s.mu.Unlock()

	if c == nil {
		metrics.RecordOutboundDropped("no_connection")
		s.logger.Debug("no connection for suggestion", "consultation_id", consultationID)
		return nil
	}

	if !c.enqueue(clinicalSuggestion{
		Type:           TypeClinicalSuggestion,
		ConsultationID: consultationID,
		Suggestions:    sg,
		Timestamp:      s.now(),
	}) {
		return fmt.Errorf("connection %s did not accept suggestion", c.id.Short())
	}
	return nil
}

// evicted runs for every session the registry sweeps. The client is not
// told; its bridge is stopped and the association dropped.
func (s *Server) evicted(state *conversation.State) {
	id := state.ID()

	s.mu.Lock()
	c := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if c != nil {
		if bridge := c.detach(id); bridge != nil {
			bridge.Stop()
		}
	}

	s.archiveSession(state, archive.ReasonEvicted)
	s.events.Emit(events.NewEvent(events.TypeSessionEnded, id, map[string]any{
		"reason":         archive.ReasonEvicted,
		"total_segments": state.Summary().TotalSegments,
	}))
}

func (s *Server) archiveSession(state *conversation.State, reason string) {
	if s.archive == nil {
		return
	}
	export := state.Export()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.archive.Archive(ctx, export, reason); err != nil {
			s.logger.Error("failed to archive session",
				"consultation_id", export.Metadata.ConsultationID,
				"error", err)
		}
	}()
}

// cleanup runs once per connection: it stops the bridge, drops the
// association and forgets the socket. The session itself stays in the
// registry so the client can resume it.
func (s *Server) cleanup(c *connection) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()

		id := c.consultation()
		s.mu.Lock()
		if id != "" && s.sessions[id] == c {
			delete(s.sessions, id)
		}
		delete(s.conns, c.id)
		s.mu.Unlock()

		if bridge := c.detach(id); bridge != nil {
			bridge.Stop()
		}

		metrics.ConnectionClosed()
		c.logger.Info("client disconnected", "consultation_id", id)
	})
}

// Shutdown closes every socket and waits for their handlers and pending
// archive writes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) dialTimeout() time.Duration {
	if s.asrCfg.DialTimeout > 0 {
		return s.asrCfg.DialTimeout
	}
	return 10 * time.Second
}
