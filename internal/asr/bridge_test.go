package asr

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telesalud/realtime-assistant/internal/shared/config"
)

type frame struct {
	kind int
	data []byte
}

type fakeConn struct {
	mu       sync.Mutex
	writes   []frame
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, frame{kind: kind, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Writes() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame(nil), c.writes...)
}

func (c *fakeConn) send(v string) {
	c.incoming <- []byte(v)
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failNext int
	failAll  bool
	conns    []*fakeConn
	dial     func() Conn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dial != nil {
		return d.dial(), nil
	}
	if d.failAll || d.failNext > 0 {
		if d.failNext > 0 {
			d.failNext--
		}
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) Conns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) set(fn func(d *fakeDialer)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func testASRConfig() config.ASRConfig {
	return config.ASRConfig{
		URL:                  "ws://asr.test/ws",
		SampleRate:           16000,
		Language:             "en",
		Encoding:             "LINEAR16",
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   time.Millisecond,
		DialTimeout:          time.Second,
	}
}

type transcript struct {
	text       string
	confidence float64
}

type recorder struct {
	mu  sync.Mutex
	got []transcript
}

func (r *recorder) record(text string, confidence float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, transcript{text, confidence})
}

func (r *recorder) all() []transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transcript(nil), r.got...)
}

func TestBridge_StartSendsStreamConfig(t *testing.T) {
	dialer := &fakeDialer{}
	b := NewBridge("c1", testASRConfig(), dialer, func(string, float64) {}, nil)

	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	assert.Equal(t, StateConnected, b.State())
	writes := dialer.Last().Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, TextMessage, writes[0].kind)

	var cfg map[string]any
	require.NoError(t, json.Unmarshal(writes[0].data, &cfg))
	assert.Equal(t, map[string]any{"sample_rate": float64(16000), "language": "en", "encoding": "LINEAR16"}, cfg)
}

func TestBridge_StartIsNoOpWhenRunning(t *testing.T) {
	dialer := &fakeDialer{}
	b := NewBridge("c1", testASRConfig(), dialer, func(string, float64) {}, nil)

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	assert.Equal(t, 1, dialer.Dials())
}

func TestBridge_ForwardAudioAndStop(t *testing.T) {
	dialer := &fakeDialer{}
	b := NewBridge("c1", testASRConfig(), dialer, func(string, float64) {}, nil)
	require.NoError(t, b.Start(context.Background()))
	conn := dialer.Last()

	b.ForwardAudio([]byte{1, 2, 3, 4})
	b.ForwardAudio(nil)

	b.Stop()
	b.Stop()

	assert.False(t, b.Running())
	assert.Equal(t, StateDisconnected, b.State())

	b.ForwardAudio([]byte{5, 6})

	writes := conn.Writes()
	require.Len(t, writes, 3)
	assert.Equal(t, BinaryMessage, writes[1].kind)
	assert.Equal(t, []byte{1, 2, 3, 4}, writes[1].data)
	assert.Equal(t, TextMessage, writes[2].kind)
	assert.JSONEq(t, `{"action":"end_of_audio"}`, string(writes[2].data))
	assert.Equal(t, 1, dialer.Dials(), "a stopped bridge never reconnects")
}

func TestBridge_Transcriptions(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &recorder{}
	b := NewBridge("c1", testASRConfig(), dialer, rec.record, nil)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	conn := dialer.Last()
	conn.send(`{"status":"queued"}`)
	conn.send(`not json`)
	conn.send(`{"text":"   "}`)
	conn.send(`{"text":" he avoids eye contact ","confidence":0.91}`)
	conn.send(`{"text":"no confidence"}`)

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, time.Millisecond)
	got := rec.all()
	assert.Equal(t, transcript{"he avoids eye contact", 0.91}, got[0])
	assert.Equal(t, transcript{"no confidence", 0}, got[1])
	assert.Equal(t, StateConnected, b.State())
}

func TestBridge_DropsAudioWhileDisconnected(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	cfg := testASRConfig()
	cfg.ReconnectBaseDelay = time.Hour
	b := NewBridge("c1", cfg, dialer, func(string, float64) {}, nil)

	err := b.Start(context.Background())
	require.Error(t, err)
	assert.True(t, b.Running(), "listener keeps retrying after a failed initial dial")

	b.ForwardAudio([]byte{1})
	assert.Equal(t, StateDisconnected, b.State())

	b.Stop()
	assert.False(t, b.Running())
}

func TestBridge_GivesUpAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	var gaveUp atomic.Int32
	b := NewBridge("c1", testASRConfig(), dialer, func(string, float64) {}, nil)
	b.OnGiveUp(func() { gaveUp.Add(1) })

	require.Error(t, b.Start(context.Background()))

	require.Eventually(t, func() bool { return !b.Running() }, time.Second, time.Millisecond)
	// one initial dial plus exactly MaxReconnectAttempts reconnects
	assert.Equal(t, 1+3, dialer.Dials())
	assert.Equal(t, int32(1), gaveUp.Load())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, dialer.Dials(), "no further attempts after giving up")

	// Stop on a bridge that gave up is harmless
	b.Stop()
}

func TestBridge_RestartAfterGivingUp(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	b := NewBridge("c1", testASRConfig(), dialer, func(string, float64) {}, nil)

	require.Error(t, b.Start(context.Background()))
	require.Eventually(t, func() bool { return !b.Running() }, time.Second, time.Millisecond)

	dialer.set(func(d *fakeDialer) { d.failAll = false })
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	assert.Equal(t, StateConnected, b.State())
	assert.Equal(t, 0, b.Attempts())
}

func TestBridge_ReconnectsAndResetsAttemptsOnTranscript(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &recorder{}
	b := NewBridge("c1", testASRConfig(), dialer, rec.record, nil)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	// drop the link; the next two reconnects fail, the third succeeds
	dialer.set(func(d *fakeDialer) { d.failNext = 2 })
	dialer.Last().Close()

	require.Eventually(t, func() bool {
		return dialer.Conns() == 2 && b.State() == StateConnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, 3, b.Attempts())

	fresh := dialer.Last()
	writes := fresh.Writes()
	require.NotEmpty(t, writes)
	assert.Contains(t, string(writes[0].data), `"sample_rate":16000`)

	fresh.send(`{"text":"back again","confidence":0.7}`)
	require.Eventually(t, func() bool { return b.Attempts() == 0 }, time.Second, time.Millisecond)
	assert.Len(t, rec.all(), 1)
}

func TestBridge_StopDuringReconnectBackoff(t *testing.T) {
	dialer := &fakeDialer{}
	cfg := testASRConfig()
	cfg.ReconnectBaseDelay = time.Hour
	b := NewBridge("c1", cfg, dialer, func(string, float64) {}, nil)
	require.NoError(t, b.Start(context.Background()))

	dialer.Last().Close()
	require.Eventually(t, func() bool { return b.Attempts() == 1 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked while the bridge was backing off")
	}
	assert.Equal(t, 1, dialer.Dials())
}

// stallingConn accepts the stream config, then blocks every binary write
// until the connection is closed.
type stallingConn struct {
	*fakeConn
	writing chan struct{}
	once    sync.Once
}

func (c *stallingConn) WriteMessage(kind int, data []byte) error {
	if kind != BinaryMessage {
		return c.fakeConn.WriteMessage(kind, data)
	}
	c.once.Do(func() { close(c.writing) })
	<-c.closed
	return errors.New("write on closed connection")
}

func TestBridge_StopDoesNotWaitForStalledWrite(t *testing.T) {
	conn := &stallingConn{fakeConn: newFakeConn(), writing: make(chan struct{})}
	dialer := &fakeDialer{dial: func() Conn { return conn }}
	b := NewBridge("c1", testASRConfig(), dialer, func(string, float64) {}, nil)
	require.NoError(t, b.Start(context.Background()))

	forwarded := make(chan struct{})
	go func() {
		b.ForwardAudio([]byte{1, 2})
		close(forwarded)
	}()
	<-conn.writing

	// link state stays readable while the write is stuck
	assert.Equal(t, StateConnected, b.State())

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked behind a stalled audio write")
	}
	select {
	case <-forwarded:
	case <-time.After(2 * time.Second):
		t.Fatal("stalled write was not released by Stop")
	}
	assert.False(t, b.Running())
}

func TestBridge_LinearBackoff(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	cfg := testASRConfig()
	cfg.ReconnectBaseDelay = 250 * time.Millisecond
	b := NewBridge("c1", cfg, dialer, func(string, float64) {}, nil)

	var mu sync.Mutex
	var delays []time.Duration
	b.after = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		fired := make(chan time.Time, 1)
		fired <- time.Now()
		return fired
	}

	require.Error(t, b.Start(context.Background()))
	require.Eventually(t, func() bool { return !b.Running() }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		750 * time.Millisecond,
	}, delays)
	assert.Equal(t, 4, dialer.Dials())
}
