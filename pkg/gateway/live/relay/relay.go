// Package relay lets a browser act as the bridge's microphone and speaker over
// one websocket. Binary frames from the client are pcm_s16le microphone audio;
// playback units go back as JSON audio messages stamped with their start time
// on the session's output clock.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-assist/pkg/bridge"
	"github.com/vango-go/vai-assist/pkg/gateway/live/protocol"
)

var (
	errBackpressure = errors.New("outbound queue full")

	// ErrSessionTimeout is returned by Run when the session outlives
	// Config.MaxSessionDuration.
	ErrSessionTimeout = errors.New("live session exceeded max duration")
)

const (
	outboundPriorityQueueSize = 16
	maxCanceledUnits          = 256
)

// Conn is the subset of *websocket.Conn the relay uses.
type Conn interface {
	wsWriter
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
}

type Config struct {
	MaxAudioFrameBytes  int
	MaxJSONMessageBytes int64
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	MaxSessionDuration  time.Duration
	OutboundQueueSize   int
}

type Deps struct {
	Conn   Conn
	Config Config
	Logger *slog.Logger
	Now    func() time.Time
	// OnAudio observes relayed audio bytes by direction ("in" or "out").
	OnAudio func(direction string, n int)
}

// Relay owns one websocket for the lifetime of a live session. It implements
// bridge.Devices.
type Relay struct {
	conn    Conn
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	onAudio func(string, int)

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	mu       sync.Mutex
	capture  *capture
	output   *output
	canceled map[int64]struct{}
	order    []int64
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Deps) *Relay {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	onAudio := deps.OnAudio
	if onAudio == nil {
		onAudio = func(string, int) {}
	}
	queue := deps.Config.OutboundQueueSize
	if queue <= 0 {
		queue = 128
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		conn:             deps.Conn,
		cfg:              deps.Config,
		logger:           logger,
		now:              now,
		onAudio:          onAudio,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, max(1, min(queue, outboundPriorityQueueSize))),
		outboundNormal:   make(chan outboundFrame, queue),
		canceled:         make(map[int64]struct{}),
	}
}

// Cancel ends Run. Queued priority frames are flushed before the socket closes.
func (r *Relay) Cancel() {
	r.cancel()
}

func (r *Relay) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Run pumps the socket until the client stops, the connection fails, the
// session times out or Cancel is called.
func (r *Relay) Run() error {
	defer r.cancel()

	if r.cfg.MaxJSONMessageBytes > 0 {
		r.conn.SetReadLimit(r.cfg.MaxJSONMessageBytes)
	}
	if r.cfg.ReadTimeout > 0 {
		_ = r.conn.SetReadDeadline(r.now().Add(r.cfg.ReadTimeout))
		r.conn.SetPongHandler(func(string) error {
			return r.conn.SetReadDeadline(r.now().Add(r.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go r.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:         r.conn,
			ctx:        r.ctx,
			cfg:        r.cfg,
			priority:   r.outboundPriority,
			normal:     r.outboundNormal,
			isCanceled: r.isCanceled,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() {
		r.cancel()
		wait := 100 * time.Millisecond
		if r.cfg.WriteTimeout > 0 && r.cfg.WriteTimeout < wait {
			wait = r.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}

	var timeout <-chan time.Time
	if r.cfg.MaxSessionDuration > 0 {
		timer := time.NewTimer(r.cfg.MaxSessionDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-r.ctx.Done():
			flushAndClose()
			return nil
		case err := <-writerErrCh:
			return err
		case <-timeout:
			_ = r.SendError("session_timeout", "live session exceeded max duration", true)
			flushAndClose()
			return ErrSessionTimeout
		case in, ok := <-readCh:
			if !ok {
				flushAndClose()
				return nil
			}
			if in.err != nil {
				flushAndClose()
				if websocket.IsCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return in.err
			}
			if stop := r.handleInbound(in); stop {
				flushAndClose()
				return nil
			}
		}
	}
}

func (r *Relay) handleInbound(in inboundFrame) (stop bool) {
	switch in.messageType {
	case websocket.BinaryMessage:
		if r.cfg.MaxAudioFrameBytes > 0 && len(in.data) > r.cfg.MaxAudioFrameBytes {
			_ = r.SendError("bad_request", "audio frame exceeds max_audio_frame_bytes", false)
			return false
		}
		r.onAudio("in", len(in.data))
		r.mu.Lock()
		c := r.capture
		r.mu.Unlock()
		if c != nil {
			c.push(in.data)
		}
		return false
	case websocket.TextMessage:
		decoded, err := protocol.DecodeClientMessage(in.data)
		if err != nil {
			code := "bad_request"
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				code = de.Code
			}
			_ = r.SendError(code, err.Error(), false)
			return false
		}
		switch msg := decoded.(type) {
		case protocol.ClientControl:
			return msg.Op == protocol.ControlStop
		case protocol.ClientHello:
			_ = r.SendError("bad_request", "hello already received", false)
		}
	}
	return false
}

func (r *Relay) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-r.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-r.ctx.Done():
			return
		}
	}
}

// SendState forwards a bridge state change. It is usable as
// bridge.Deps.OnStateChange.
func (r *Relay) SendState(s bridge.State) {
	if err := r.sendJSON(protocol.ServerState{Type: "state", Connected: s.Connected, Speaking: s.Speaking, Error: s.Error}); err != nil {
		r.logger.Warn("live state dropped", "error", err)
	}
}

// SendError queues an error message ahead of audio. With close set the relay
// shuts down once it is written.
func (r *Relay) SendError(code, message string, close bool) error {
	err := r.sendJSONPriority(protocol.ServerError{Type: "error", Code: code, Message: message, Close: close})
	if close {
		r.cancel()
	}
	return err
}

// Notify is the shutdown hook registered with the session tracker.
func (r *Relay) Notify(code, message string) error {
	return r.SendError(code, message, false)
}

func (r *Relay) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.enqueueNormal(outboundFrame{payload: payload})
}

func (r *Relay) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.enqueuePriority(outboundFrame{payload: payload})
}

func (r *Relay) enqueueNormal(frame outboundFrame) error {
	if frame.unitID != 0 && r.isCanceled(frame.unitID) {
		return nil
	}
	select {
	case <-r.ctx.Done():
		return bridge.ErrSessionClosed
	default:
	}
	select {
	case r.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (r *Relay) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case r.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-r.outboundPriority:
		default:
		}
	}
	select {
	case r.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (r *Relay) markCanceled(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.canceled[id]; ok {
		return
	}
	r.canceled[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > maxCanceledUnits {
		delete(r.canceled, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *Relay) isCanceled(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.canceled[id]
	return ok
}

// OpenCapture hands the client's microphone frames to the bridge. Only the
// 16 kHz rate negotiated in hello is supported.
func (r *Relay) OpenCapture(sampleRate int) (bridge.Capture, error) {
	if sampleRate != bridge.InputSampleRate {
		return nil, fmt.Errorf("relay capture supports %d Hz, got %d", bridge.InputSampleRate, sampleRate)
	}
	c := &capture{block: make([]float32, 0, bridge.CaptureBlockSize)}
	r.mu.Lock()
	r.capture = c
	r.mu.Unlock()
	return c, nil
}

// OpenOutput starts a wall clock at zero; audio units are stamped relative to
// it and the client is expected to keep an equivalent clock.
func (r *Relay) OpenOutput(sampleRate int) (bridge.Output, error) {
	o := &output{
		relay:  r,
		rate:   sampleRate,
		opened: r.now(),
		timers: make(map[*bridge.Unit]*time.Timer),
	}
	r.mu.Lock()
	r.output = o
	r.mu.Unlock()
	return o, nil
}

type capture struct {
	mu      sync.Mutex
	onBlock func([]float32)
	block   []float32
	closed  bool
}

func (c *capture) Start(onBlock func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return bridge.ErrSessionClosed
	}
	c.onBlock = onBlock
	return nil
}

// push decodes pcm_s16le and delivers it in CaptureBlockSize blocks.
func (c *capture) push(data []byte) {
	samples := bridge.DecodePCM16(data)
	var full [][]float32

	c.mu.Lock()
	if c.closed || c.onBlock == nil {
		c.mu.Unlock()
		return
	}
	for _, s := range samples {
		c.block = append(c.block, s)
		if len(c.block) == bridge.CaptureBlockSize {
			full = append(full, c.block)
			c.block = make([]float32, 0, bridge.CaptureBlockSize)
		}
	}
	fn := c.onBlock
	c.mu.Unlock()

	for _, b := range full {
		fn(b)
	}
}

func (c *capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.onBlock = nil
	return nil
}

type output struct {
	relay  *Relay
	rate   int
	opened time.Time

	mu     sync.Mutex
	timers map[*bridge.Unit]*time.Timer
	closed bool
}

func (o *output) Now() time.Duration {
	return o.relay.now().Sub(o.opened)
}

// Start sends the unit to the client and fires onEnded once the output clock
// passes its end.
func (o *output) Start(u *bridge.Unit, onEnded func()) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	data := bridge.EncodeFrame(u.Samples, u.SampleRate)
	msg := protocol.ServerAudio{
		Type:         "audio",
		UnitID:       u.ID,
		StartMS:      u.Start.Milliseconds(),
		DurationMS:   u.Duration.Milliseconds(),
		SampleRateHz: u.SampleRate,
		DataB64:      data.Base64(),
	}
	payload, err := json.Marshal(msg)
	if err == nil {
		err = o.relay.enqueueNormal(outboundFrame{unitID: u.ID, payload: payload})
	}
	if err != nil {
		o.relay.logger.Warn("live audio unit dropped", "unit_id", u.ID, "error", err)
	} else {
		o.relay.onAudio("out", len(data.Data))
	}

	wait := u.End() - o.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.timers[u] = time.AfterFunc(max(wait, 0), func() {
		o.mu.Lock()
		_, live := o.timers[u]
		delete(o.timers, u)
		o.mu.Unlock()
		if live {
			onEnded()
		}
	})
}

func (o *output) Stop(u *bridge.Unit) {
	o.mu.Lock()
	if t, ok := o.timers[u]; ok {
		t.Stop()
		delete(o.timers, u)
	}
	o.mu.Unlock()

	o.relay.markCanceled(u.ID)
	_ = o.relay.enqueuePriority(mustJSON(protocol.ServerAudioReset{Type: "audio_reset", UnitID: u.ID}))
}

func (o *output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for u, t := range o.timers {
		t.Stop()
		delete(o.timers, u)
	}
	return nil
}

func mustJSON(v any) outboundFrame {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return outboundFrame{payload: payload}
}
