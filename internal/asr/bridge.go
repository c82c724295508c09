// Package asr streams consultation audio to the speech-recognition service
// and turns its transcripts into callbacks.
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/telesalud/realtime-assistant/internal/shared/config"
	"github.com/telesalud/realtime-assistant/internal/shared/metrics"
)

// State is the link state of a bridge
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// TranscriptionFunc receives every non-empty transcript
type TranscriptionFunc func(text string, confidence float64)

var endOfAudio = []byte(`{"action":"end_of_audio"}`)

// writeWait bounds every write to the ASR service.
const writeWait = 5 * time.Second

type streamConfig struct {
	SampleRate int    `json:"sample_rate"`
	Language   string `json:"language"`
	Encoding   string `json:"encoding"`
}

type inbound struct {
	Status     json.RawMessage `json:"status"`
	Text       *string         `json:"text"`
	Confidence float64         `json:"confidence"`
}

// Bridge owns one reconnecting link to the ASR service for one consultation.
type Bridge struct {
	consultationID string
	cfg            config.ASRConfig
	dialer         Dialer
	onText         TranscriptionFunc
	onGiveUp       func()
	logger         *slog.Logger
	after          func(time.Duration) <-chan time.Time

	// wmu serializes writes on conn; mu is never held across a write
	wmu sync.Mutex

	mu       sync.Mutex
	state    State
	conn     Conn
	attempts int
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewBridge creates a stopped bridge. onText must not be nil.
func NewBridge(consultationID string, cfg config.ASRConfig, dialer Dialer, onText TranscriptionFunc, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = NewWebSocketDialer(cfg.DialTimeout)
	}
	return &Bridge{
		consultationID: consultationID,
		cfg:            cfg,
		dialer:         dialer,
		onText:         onText,
		logger:         logger.With("component", "asr", "consultation_id", consultationID),
		state:          StateDisconnected,
		after:          time.After,
	}
}

// OnGiveUp registers a hook invoked when reconnect attempts are exhausted.
func (b *Bridge) OnGiveUp(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onGiveUp = fn
}

// Start connects to the ASR service and launches the listener. A failed
// initial dial is returned, but the listener keeps running and retries under
// the reconnect policy. Start on a running bridge is a no-op.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.running = true
	b.cancel = cancel
	b.done = done
	b.attempts = 0
	b.mu.Unlock()

	metrics.BridgeStarted()

	firstDial := make(chan error, 1)
	go b.run(runCtx, done, firstDial)

	select {
	case err := <-firstDial:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the audio stream, closes the link and waits for the listener.
// It is idempotent. A write stalled on the link does not delay Stop.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.state = StateDisconnected
	conn := b.conn
	b.conn = nil
	b.cancel()
	done := b.done
	b.mu.Unlock()

	if conn != nil {
		// skip the end marker while another write owns the link
		if b.wmu.TryLock() {
			_ = b.write(conn, TextMessage, endOfAudio)
			b.wmu.Unlock()
		}
		_ = conn.Close()
	}

	<-done
	b.logger.Info("audio bridge stopped")
}

// ForwardAudio sends one raw audio chunk. Chunks are dropped while the link
// is down.
func (b *Bridge) ForwardAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	b.mu.Lock()
	conn := b.conn
	connected := b.state == StateConnected
	b.mu.Unlock()

	if !connected || conn == nil {
		metrics.RecordAudioDropped()
		return
	}

	b.wmu.Lock()
	err := b.write(conn, BinaryMessage, chunk)
	b.wmu.Unlock()

	if err != nil {
		b.logger.Warn("failed to forward audio", "error", err)
		metrics.RecordAudioDropped()
		// the listener's read fails next and triggers a reconnect
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
			b.state = StateDisconnected
		}
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	metrics.RecordAudioForwarded(len(chunk))
}

func (b *Bridge) write(conn Conn, kind int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(kind, data)
}

// State returns the current link state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Attempts returns the current consecutive reconnect attempt count.
func (b *Bridge) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Running reports whether the listener is alive.
func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bridge) run(ctx context.Context, done chan struct{}, firstDial chan<- error) {
	defer func() {
		b.mu.Lock()
		if b.done == done {
			b.running = false
			b.state = StateDisconnected
			b.conn = nil
		}
		b.mu.Unlock()
		metrics.BridgeStopped()
		close(done)
	}()

	conn, err := b.connect(ctx)
	firstDial <- err
	if err != nil {
		b.logger.Warn("initial ASR connection failed", "url", b.cfg.URL, "error", err)
	}

	for {
		if conn != nil {
			b.listen(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}
		if conn = b.reconnect(ctx); conn == nil {
			return
		}
	}
}

// connect dials and sends the stream configuration. The connection is
// published to the bridge only if the bridge was not stopped meanwhile.
func (b *Bridge) connect(ctx context.Context) (Conn, error) {
	b.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, b.dialTimeout())
	defer cancel()

	conn, err := b.dialer.Dial(dialCtx, b.cfg.URL)
	if err != nil {
		b.setState(StateDisconnected)
		return nil, err
	}

	payload, err := json.Marshal(streamConfig{
		SampleRate: b.cfg.SampleRate,
		Language:   b.cfg.Language,
		Encoding:   b.cfg.Encoding,
	})
	if err != nil {
		conn.Close()
		b.setState(StateDisconnected)
		return nil, fmt.Errorf("failed to marshal stream config: %w", err)
	}

	if err := b.write(conn, TextMessage, payload); err != nil {
		conn.Close()
		b.setState(StateDisconnected)
		return nil, fmt.Errorf("failed to send stream config: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if ctx.Err() != nil {
		conn.Close()
		return nil, ctx.Err()
	}

	b.conn = conn
	b.state = StateConnected
	b.logger.Info("connected to ASR service", "url", b.cfg.URL)
	return conn, nil
}

func (b *Bridge) listen(ctx context.Context, conn Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("ASR connection lost", "error", err)
			}
			b.mu.Lock()
			if b.conn == conn {
				b.conn = nil
				b.state = StateDisconnected
			}
			b.mu.Unlock()
			conn.Close()
			return
		}

		if msgType != TextMessage {
			continue
		}
		b.handleMessage(data)
	}
}

func (b *Bridge) handleMessage(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Warn("ignoring non-JSON ASR message", "error", err)
		return
	}

	if len(msg.Status) > 0 && !bytes.Equal(msg.Status, []byte("null")) {
		b.logger.Debug("ASR status", "status", string(msg.Status))
		return
	}
	if msg.Text == nil {
		return
	}

	text := strings.TrimSpace(*msg.Text)
	if text == "" {
		return
	}

	metrics.RecordTranscript()
	b.onText(text, msg.Confidence)

	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}

// reconnect retries with linear backoff. It returns nil once the attempts
// are exhausted or the bridge is stopped.
func (b *Bridge) reconnect(ctx context.Context) Conn {
	for {
		b.mu.Lock()
		b.attempts++
		attempt := b.attempts
		b.mu.Unlock()

		if attempt > b.cfg.MaxReconnectAttempts {
			b.logger.Error("giving up on ASR service; session is audio-deaf until restarted",
				"attempts", attempt-1)
			metrics.RecordReconnect("exhausted")
			b.mu.Lock()
			hook := b.onGiveUp
			b.mu.Unlock()
			if hook != nil {
				hook()
			}
			return nil
		}

		delay := b.cfg.ReconnectBaseDelay * time.Duration(attempt)
		b.logger.Info("reconnecting to ASR service",
			"attempt", attempt,
			"max_attempts", b.cfg.MaxReconnectAttempts,
			"delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-b.after(delay):
		}

		conn, err := b.connect(ctx)
		if err == nil {
			metrics.RecordReconnect("success")
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		metrics.RecordReconnect("failure")
		b.logger.Warn("ASR reconnect failed", "attempt", attempt, "error", err)
	}
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

func (b *Bridge) dialTimeout() time.Duration {
	if b.cfg.DialTimeout > 0 {
		return b.cfg.DialTimeout
	}
	return 10 * time.Second
}
