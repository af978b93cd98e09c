package bridge

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by Session sends after Close.
var ErrSessionClosed = errors.New("session closed")

// Dialer opens a bidirectional live session with the speech model.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig, h Handlers) (Session, error)
}

// Session is an open live session.
type Session interface {
	SendAudio(frame Frame) error
	SendToolResult(result ToolResult) error
	Close() error
}

// SessionConfig is everything the model needs at handshake time.
type SessionConfig struct {
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string
	Tools             []ToolDeclaration
	// InputSampleRate is the rate of frames passed to SendAudio.
	InputSampleRate int
}

// Handlers are the asynchronous reactions a Dialer reports. Implementations
// call OnOpen once before any OnMessage, and at most one of OnClose/OnError
// after the last message.
type Handlers struct {
	OnOpen    func()
	OnMessage func(Message)
	OnClose   func(reason string)
	OnError   func(err error)
}

// Message is one server message. Any combination of fields may be set.
type Message struct {
	Audio        []AudioPart
	ToolCalls    []ToolCall
	Interrupted  bool
	TurnComplete bool
}

// AudioPart is an inline chunk of synthesized speech.
type AudioPart struct {
	Data     []byte
	MIMEType string
}

// ToolCall is a request from the model to run a declared tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	ID       string
	Name     string
	Response map[string]any
}

// ToolDeclaration describes a callable tool with string parameters.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  []ToolParameter
}

type ToolParameter struct {
	Name        string
	Description string
	Required    bool
}
