package relay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-assist/pkg/bridge"
	"github.com/vango-go/vai-assist/pkg/gateway/live/protocol"
)

type fakeConn struct {
	fakeWSWriter

	in        chan inboundFrame
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan inboundFrame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.messageType, f.data, f.err
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) sendText(s string) {
	c.in <- inboundFrame{messageType: websocket.TextMessage, data: []byte(s)}
}

func (c *fakeConn) sendBinary(b []byte) {
	c.in <- inboundFrame{messageType: websocket.BinaryMessage, data: b}
}

func pcm(n int, v int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func runAsync(r *Relay) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasText(c *fakeConn, substr string) bool {
	for _, s := range c.texts() {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func TestRelay_BinaryFramesBecomeCaptureBlocks(t *testing.T) {
	conn := newFakeConn()
	var mu sync.Mutex
	var inBytes int
	r := New(Deps{
		Conn:    conn,
		Config:  Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		OnAudio: func(dir string, n int) { mu.Lock(); inBytes += n; mu.Unlock() },
	})

	c, err := r.OpenCapture(bridge.InputSampleRate)
	if err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}
	blocks := make(chan []float32, 4)
	if err := c.Start(func(b []float32) { blocks <- b }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := runAsync(r)
	half := bridge.CaptureBlockSize / 2
	conn.sendBinary(pcm(half, 16384))
	conn.sendBinary(pcm(half, 16384))
	conn.sendText(`{"type":"control","op":"stop"}`)

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	select {
	case b := <-blocks:
		if len(b) != bridge.CaptureBlockSize || b[0] != 0.5 {
			t.Fatalf("block len=%d first=%v, want %d/0.5", len(b), b[0], bridge.CaptureBlockSize)
		}
	default:
		t.Fatalf("no capture block delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if inBytes != bridge.CaptureBlockSize*2 {
		t.Fatalf("in bytes=%d, want %d", inBytes, bridge.CaptureBlockSize*2)
	}
}

func TestRelay_OpenCaptureRejectsOtherRates(t *testing.T) {
	r := New(Deps{Conn: newFakeConn()})
	if _, err := r.OpenCapture(48000); err == nil {
		t.Fatalf("expected error for 48 kHz capture")
	}
}

func TestRelay_OversizedFrameReportsErrorAndContinues(t *testing.T) {
	conn := newFakeConn()
	r := New(Deps{Conn: conn, Config: Config{MaxAudioFrameBytes: 8, PingInterval: time.Hour}})
	done := runAsync(r)

	conn.sendBinary(make([]byte, 32))
	waitFor(t, "error frame", func() bool { return hasText(conn, `"code":"bad_request"`) })

	conn.sendText(`{"type":"hello","protocol_version":"1","audio_in":{"encoding":"pcm_s16le","sample_rate_hz":16000,"channels":1}}`)
	waitFor(t, "duplicate hello error", func() bool { return hasText(conn, "hello already received") })

	conn.sendText(`{"type":"control","op":"stop"}`)
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRelay_OutputSendsAudioAndFinishesOnClock(t *testing.T) {
	conn := newFakeConn()
	r := New(Deps{Conn: conn, Config: Config{PingInterval: time.Hour, WriteTimeout: time.Second}})
	done := runAsync(r)
	defer func() {
		r.Cancel()
		waitRun(t, done)
	}()

	out, err := r.OpenOutput(bridge.OutputSampleRate)
	if err != nil {
		t.Fatalf("OpenOutput: %v", err)
	}
	ended := make(chan struct{})
	u := &bridge.Unit{
		ID:         7,
		Samples:    make([]float32, 240),
		SampleRate: bridge.OutputSampleRate,
		Start:      out.Now(),
		Duration:   bridge.Duration(240, bridge.OutputSampleRate),
	}
	out.Start(u, func() { close(ended) })

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatalf("onEnded not called")
	}

	waitFor(t, "audio frame", func() bool { return hasText(conn, `"type":"audio"`) })
	for _, s := range conn.texts() {
		if !strings.Contains(s, `"type":"audio"`) {
			continue
		}
		var msg protocol.ServerAudio
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.UnitID != 7 || msg.DurationMS != 10 || msg.SampleRateHz != 24000 || msg.DataB64 == "" {
			t.Fatalf("audio msg=%+v", msg)
		}
	}
}

func TestRelay_StopCancelsUnitAndSendsReset(t *testing.T) {
	conn := newFakeConn()
	r := New(Deps{Conn: conn, Config: Config{PingInterval: time.Hour, WriteTimeout: time.Second}})

	out, _ := r.OpenOutput(bridge.OutputSampleRate)
	var ended bool
	u := &bridge.Unit{ID: 3, Samples: make([]float32, 24000), SampleRate: 24000, Duration: time.Second}
	out.Start(u, func() { ended = true })
	out.Stop(u)

	if !r.isCanceled(3) {
		t.Fatalf("unit 3 not marked canceled")
	}

	done := runAsync(r)
	waitFor(t, "audio_reset", func() bool { return hasText(conn, `"type":"audio_reset","unit_id":3`) })
	r.Cancel()
	waitRun(t, done)

	if ended {
		t.Fatalf("onEnded called for a stopped unit")
	}
	if hasText(conn, `{"type":"audio","unit_id":3,`) {
		t.Fatalf("stopped unit audio was written")
	}
}

func TestRelay_SendStateAndCloseError(t *testing.T) {
	conn := newFakeConn()
	r := New(Deps{Conn: conn, Config: Config{PingInterval: time.Hour, WriteTimeout: time.Second}})
	done := runAsync(r)

	r.SendState(bridge.State{Connected: true})
	waitFor(t, "state", func() bool { return hasText(conn, `"type":"state","connected":true,"speaking":false`) })

	if err := r.SendError("bridge_error", "microphone access denied", true); err != nil {
		t.Fatalf("SendError: %v", err)
	}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !hasText(conn, `"close":true`) {
		t.Fatalf("close error not flushed: %v", conn.texts())
	}
}

func TestRelay_MaxSessionDuration(t *testing.T) {
	conn := newFakeConn()
	r := New(Deps{Conn: conn, Config: Config{PingInterval: time.Hour, MaxSessionDuration: 20 * time.Millisecond}})
	err := waitRun(t, runAsync(r))
	if !errors.Is(err, ErrSessionTimeout) {
		t.Fatalf("Run() error = %v, want ErrSessionTimeout", err)
	}
	if !hasText(conn, `"code":"session_timeout"`) {
		t.Fatalf("timeout error not written: %v", conn.texts())
	}
}

func TestRelay_ClientCloseEndsRun(t *testing.T) {
	conn := newFakeConn()
	r := New(Deps{Conn: conn})
	done := runAsync(r)
	conn.in <- inboundFrame{err: &websocket.CloseError{Code: websocket.CloseGoingAway}}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v, want nil for going away", err)
	}
}
