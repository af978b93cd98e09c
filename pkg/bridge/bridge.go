// Package bridge relays microphone audio to a live speech model and plays the
// model's spoken replies back without gaps.
//
// A Bridge owns one connection at a time. Connect opens the audio devices and
// the model session; the session's reactions (open, message, close, error)
// arrive on other goroutines and drive the capture loop, the tool responder
// and the playback Scheduler. Disconnect releases everything and may be called
// at any time, including when nothing is connected.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-assist/pkg/core/types"
	"github.com/vango-go/vai-assist/pkg/tasks"
)

const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice = "Zephyr"
)

var (
	ErrMissingAPIKey    = errors.New("missing Gemini API key")
	ErrAlreadyConnected = errors.New("already connected")
)

// Capture is an open microphone.
type Capture interface {
	// Start begins delivering fixed-size sample blocks to onBlock until Close.
	Start(onBlock func(block []float32)) error
	Close() error
}

// Devices opens the audio channels for one connection.
type Devices interface {
	// OpenCapture requests microphone access at sampleRate.
	OpenCapture(sampleRate int) (Capture, error)
	OpenOutput(sampleRate int) (Output, error)
}

type Config struct {
	APIKey string
	Model  string
	Voice  string
	// KnowledgeBaseAnswer overrides DefaultKnowledgeBaseAnswer.
	KnowledgeBaseAnswer string
}

type Deps struct {
	Dialer  Dialer
	Devices Devices
	Tasks   tasks.Lister
	Logger  *slog.Logger
	Now     func() time.Time
	// OnStateChange is called after every externally visible state change.
	OnStateChange func(State)
}

// State is what callers can observe about a Bridge.
type State struct {
	Connected bool   `json:"connected"`
	Speaking  bool   `json:"speaking"`
	Error     string `json:"error,omitempty"`
}

type Bridge struct {
	cfg  Config
	deps Deps
	kb   KnowledgeBase

	connectMu sync.Mutex

	mu         sync.Mutex
	gen        uint64
	connecting bool
	connected  bool
	live       bool
	speaking   bool
	errMsg     string
	session    Session
	capture    Capture
	output     Output
	scheduler  *Scheduler
}

func New(cfg Config, deps Deps) *Bridge {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = DefaultVoice
	}
	if deps.Tasks == nil {
		deps.Tasks = tasks.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Bridge{
		cfg:  cfg,
		deps: deps,
		kb:   KnowledgeBase{Answer: cfg.KnowledgeBaseAnswer},
	}
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Bridge) stateLocked() State {
	return State{Connected: b.connected, Speaking: b.speaking, Error: b.errMsg}
}

func (b *Bridge) notify() {
	if b.deps.OnStateChange != nil {
		b.deps.OnStateChange(b.State())
	}
}

// Connect opens the devices and the model session for identity. On failure
// the error is also recorded in State and the bridge stays disconnected.
func (b *Bridge) Connect(ctx context.Context, identity types.Identity) error {
	b.connectMu.Lock()
	defer b.connectMu.Unlock()

	b.mu.Lock()
	if b.connecting || b.connected {
		b.mu.Unlock()
		return ErrAlreadyConnected
	}
	b.mu.Unlock()

	// Drop whatever a dead session left behind.
	b.Disconnect()

	b.mu.Lock()
	b.gen++
	gen := b.gen
	b.connecting = true
	b.errMsg = ""
	b.mu.Unlock()
	b.notify()

	if strings.TrimSpace(b.cfg.APIKey) == "" {
		return b.fail(gen, ErrMissingAPIKey)
	}

	taskList, err := b.deps.Tasks.ListTasks(ctx, identity.ID)
	if err != nil {
		b.deps.Logger.Warn("task lookup failed, continuing without tasks", "user_id", identity.ID, "error", err)
		taskList = nil
	}
	instruction := BuildInstruction(b.deps.Now(), identity, taskList)

	output, err := b.deps.Devices.OpenOutput(OutputSampleRate)
	if err != nil {
		return b.fail(gen, fmt.Errorf("open audio output: %w", err))
	}
	capture, err := b.deps.Devices.OpenCapture(InputSampleRate)
	if err != nil {
		_ = output.Close()
		return b.fail(gen, fmt.Errorf("microphone access denied: %w", err))
	}
	scheduler := NewScheduler(output, func(speaking bool) { b.setSpeaking(gen, speaking) })

	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		_ = capture.Close()
		_ = output.Close()
		return ErrDisconnected
	}
	b.capture = capture
	b.output = output
	b.scheduler = scheduler
	b.mu.Unlock()

	sess, err := b.deps.Dialer.Dial(ctx, SessionConfig{
		APIKey:            b.cfg.APIKey,
		Model:             b.cfg.Model,
		Voice:             b.cfg.Voice,
		SystemInstruction: instruction,
		Tools:             []ToolDeclaration{b.kb.Declaration()},
		InputSampleRate:   InputSampleRate,
	}, b.handlers(gen))
	if err != nil {
		return b.fail(gen, fmt.Errorf("open live session: %w", err))
	}

	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		_ = sess.Close()
		return ErrDisconnected
	}
	b.session = sess
	b.connecting = false
	// The dialer may report the open before it returns.
	openedEarly := b.live
	b.mu.Unlock()

	if openedEarly {
		b.startCapture(gen, capture)
	}
	b.deps.Logger.Info("live session connected", "user_id", identity.ID, "model", b.cfg.Model)
	return nil
}

// ErrDisconnected is returned by Connect when Disconnect interrupted it.
var ErrDisconnected = errors.New("disconnected while connecting")

func (b *Bridge) fail(gen uint64, err error) error {
	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		return err
	}
	b.errMsg = err.Error()
	b.connecting = false
	b.connected = false
	b.live = false
	b.speaking = false
	sess, capture, output, scheduler := b.takeResourcesLocked()
	b.mu.Unlock()

	b.deps.Logger.Error("live session failed", "error", err)
	release(sess, capture, output, scheduler)
	b.notify()
	return err
}

// Disconnect closes the session and both audio channels. It is safe to call
// at any time.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	b.gen++
	hadAny := b.session != nil || b.capture != nil || b.output != nil || b.connected || b.connecting
	b.connecting = false
	b.connected = false
	b.live = false
	b.speaking = false
	sess, capture, output, scheduler := b.takeResourcesLocked()
	b.mu.Unlock()

	release(sess, capture, output, scheduler)
	if hadAny {
		b.notify()
	}
}

func (b *Bridge) takeResourcesLocked() (Session, Capture, Output, *Scheduler) {
	sess, capture, output, scheduler := b.session, b.capture, b.output, b.scheduler
	b.session, b.capture, b.output, b.scheduler = nil, nil, nil, nil
	return sess, capture, output, scheduler
}

func release(sess Session, capture Capture, output Output, scheduler *Scheduler) {
	if sess != nil {
		_ = sess.Close()
	}
	if scheduler != nil {
		scheduler.Interrupt()
	}
	if capture != nil {
		_ = capture.Close()
	}
	if output != nil {
		_ = output.Close()
	}
}

func (b *Bridge) setSpeaking(gen uint64, speaking bool) {
	b.mu.Lock()
	if b.gen != gen || b.speaking == speaking {
		b.mu.Unlock()
		return
	}
	b.speaking = speaking
	b.mu.Unlock()
	b.notify()
}

func (b *Bridge) handlers(gen uint64) Handlers {
	return Handlers{
		OnOpen:    func() { b.onOpen(gen) },
		OnMessage: func(m Message) { b.onMessage(gen, m) },
		OnClose:   func(reason string) { b.onClose(gen, reason) },
		OnError:   func(err error) { b.onError(gen, err) },
	}
}

func (b *Bridge) onOpen(gen uint64) {
	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		return
	}
	b.connected = true
	b.live = true
	capture := b.capture
	// Without a session yet, Connect starts the capture once Dial returns.
	ready := b.session != nil
	b.mu.Unlock()
	b.notify()

	if ready {
		b.startCapture(gen, capture)
	}
}

func (b *Bridge) startCapture(gen uint64, capture Capture) {
	if capture == nil {
		return
	}
	if err := capture.Start(func(block []float32) { b.sendBlock(gen, block) }); err != nil {
		b.onError(gen, fmt.Errorf("start microphone: %w", err))
	}
}

// sendBlock forwards one captured block while the session is live. Capture
// keeps running while the model speaks.
func (b *Bridge) sendBlock(gen uint64, block []float32) {
	b.mu.Lock()
	if b.gen != gen || !b.live || b.session == nil {
		b.mu.Unlock()
		return
	}
	sess := b.session
	b.mu.Unlock()

	if err := sess.SendAudio(EncodeFrame(block, InputSampleRate)); err != nil {
		b.deps.Logger.Debug("send audio failed", "error", err)
	}
}

func (b *Bridge) onMessage(gen uint64, m Message) {
	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		return
	}
	sess := b.session
	scheduler := b.scheduler
	b.mu.Unlock()

	for _, call := range m.ToolCalls {
		result, ok := b.kb.Respond(call)
		if !ok {
			b.deps.Logger.Warn("ignoring unknown tool call", "tool", call.Name, "call_id", call.ID)
			continue
		}
		if sess == nil {
			b.deps.Logger.Warn("dropping tool call, session not ready", "tool", call.Name, "call_id", call.ID)
			continue
		}
		if err := sess.SendToolResult(result); err != nil {
			b.deps.Logger.Warn("send tool result failed", "tool", call.Name, "call_id", call.ID, "error", err)
		}
	}

	if scheduler == nil {
		return
	}
	for _, part := range m.Audio {
		samples, rate, err := DecodeAudioPart(part)
		if err != nil {
			b.deps.Logger.Warn("dropping audio chunk", "error", err)
			continue
		}
		if len(samples) == 0 {
			continue
		}
		scheduler.Schedule(samples, rate)
	}

	if m.Interrupted {
		scheduler.Interrupt()
	}
}

func (b *Bridge) onClose(gen uint64, reason string) {
	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		return
	}
	b.connected = false
	b.live = false
	b.speaking = false
	scheduler := b.scheduler
	b.mu.Unlock()

	b.deps.Logger.Info("live session closed", "reason", reason)
	if scheduler != nil {
		scheduler.Interrupt()
	}
	b.notify()
}

func (b *Bridge) onError(gen uint64, err error) {
	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		return
	}
	b.errMsg = err.Error()
	b.connected = false
	b.live = false
	b.speaking = false
	scheduler := b.scheduler
	b.mu.Unlock()

	b.deps.Logger.Error("live session error", "error", err)
	if scheduler != nil {
		scheduler.Interrupt()
	}
	b.notify()
}
