package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/telesalud/realtime-assistant/internal/asr"
	"github.com/telesalud/realtime-assistant/internal/shared/auth"
	"github.com/telesalud/realtime-assistant/internal/shared/metrics"
	"github.com/telesalud/realtime-assistant/internal/shared/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 64
)

// connection is one client socket. The reader goroutine owns inbound frames;
// writePump is the only goroutine writing to ws.
type connection struct {
	id       types.ID
	ws       *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter
	provider *auth.Provider
	logger   *slog.Logger

	mu             sync.Mutex
	consultationID string
	bridge         *asr.Bridge

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(ws *websocket.Conn, limiter *rate.Limiter, provider *auth.Provider, logger *slog.Logger) *connection {
	id := types.NewID()
	return &connection{
		id:       id,
		ws:       ws,
		send:     make(chan []byte, sendBufferSize),
		limiter:  limiter,
		provider: provider,
		logger:   logger.With("connection_id", id.Short()),
		done:     make(chan struct{}),
	}
}

// enqueue serializes v onto the send buffer. It never blocks; a full buffer
// drops the message.
func (c *connection) enqueue(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to encode outbound message", "error", err)
		return false
	}

	select {
	case <-c.done:
		metrics.RecordOutboundDropped("closed")
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		metrics.RecordOutboundDropped("buffer_full")
		c.logger.Warn("send buffer full, dropping message")
		return false
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) consultation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consultationID
}

func (c *connection) attach(consultationID string, bridge *asr.Bridge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consultationID = consultationID
	c.bridge = bridge
}

// detach clears the association if it still points at consultationID and
// returns the bridge the caller must stop.
func (c *connection) detach(consultationID string) *asr.Bridge {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consultationID != consultationID {
		return nil
	}
	bridge := c.bridge
	c.consultationID = ""
	c.bridge = nil
	return bridge
}

func (c *connection) currentBridge() *asr.Bridge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bridge
}

func (c *connection) providerID() string {
	if c.provider == nil {
		return ""
	}
	return c.provider.ID
}
