package bridge

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeOutput struct {
	mu      sync.Mutex
	now     time.Duration
	started []*Unit
	stopped []*Unit
	ended   map[*Unit]func()
	closed  bool
}

func newFakeOutput() *fakeOutput {
	return &fakeOutput{ended: make(map[*Unit]func())}
}

func (o *fakeOutput) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

func (o *fakeOutput) setNow(d time.Duration) {
	o.mu.Lock()
	o.now = d
	o.mu.Unlock()
}

func (o *fakeOutput) Start(u *Unit, onEnded func()) {
	o.mu.Lock()
	o.started = append(o.started, u)
	o.ended[u] = onEnded
	o.mu.Unlock()
}

func (o *fakeOutput) Stop(u *Unit) {
	o.mu.Lock()
	o.stopped = append(o.stopped, u)
	o.mu.Unlock()
}

func (o *fakeOutput) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}

// finish plays u out, as the device would when the clock passes u.End().
func (o *fakeOutput) finish(u *Unit) {
	o.mu.Lock()
	fn := o.ended[u]
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (o *fakeOutput) startedUnits() []*Unit {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Unit(nil), o.started...)
}

func (o *fakeOutput) stoppedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.stopped)
}

func (o *fakeOutput) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

type fakeCapture struct {
	mu      sync.Mutex
	onBlock func([]float32)
	starts  int
	closed  bool
}

func (c *fakeCapture) Start(onBlock func([]float32)) error {
	c.mu.Lock()
	c.starts++
	c.onBlock = onBlock
	c.mu.Unlock()
	return nil
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeCapture) push(block []float32) {
	c.mu.Lock()
	fn := c.onBlock
	c.mu.Unlock()
	if fn != nil {
		fn(block)
	}
}

func (c *fakeCapture) startCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

func (c *fakeCapture) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDevices struct {
	capture    *fakeCapture
	output     *fakeOutput
	captureErr error

	captureRate int
	outputRate  int
}

func (d *fakeDevices) OpenCapture(rate int) (Capture, error) {
	d.captureRate = rate
	if d.captureErr != nil {
		return nil, d.captureErr
	}
	return d.capture, nil
}

func (d *fakeDevices) OpenOutput(rate int) (Output, error) {
	d.outputRate = rate
	return d.output, nil
}

type fakeSession struct {
	mu      sync.Mutex
	frames  []Frame
	results []ToolResult
	closed  bool
}

func (s *fakeSession) SendAudio(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSession) SendToolResult(r ToolResult) error {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeDialer hands back one session and keeps the handlers so tests can
// drive the session's reactions directly.
type fakeDialer struct {
	session *fakeSession
	err     error
	// openOnDial reports the open from inside Dial, before it returns.
	openOnDial bool

	cfg      SessionConfig
	handlers Handlers
	dials    int
}

func (d *fakeDialer) Dial(_ context.Context, cfg SessionConfig, h Handlers) (Session, error) {
	d.dials++
	d.cfg = cfg
	d.handlers = h
	if d.err != nil {
		return nil, d.err
	}
	if d.openOnDial {
		h.OnOpen()
	}
	return d.session, nil
}
