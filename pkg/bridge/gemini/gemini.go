// Package gemini implements bridge.Dialer over the Gemini Live API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/vai-assist/pkg/bridge"
)

// conn is the subset of *genai.Session the adapter uses.
type conn interface {
	SendRealtimeInput(genai.LiveRealtimeInput) error
	SendToolResponse(genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, cfg bridge.SessionConfig) (conn, error)

// Dialer opens Gemini Live sessions. The zero value is ready to use.
type Dialer struct {
	connect connectFunc
}

func NewDialer() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Dial(ctx context.Context, cfg bridge.SessionConfig, h bridge.Handlers) (bridge.Session, error) {
	connect := d.connect
	if connect == nil {
		connect = connectLive
	}
	c, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	first, err := awaitSetup(ctx, c)
	if err != nil {
		return nil, err
	}

	s := &Session{conn: c, handlers: h, done: make(chan struct{})}
	if h.OnOpen != nil {
		h.OnOpen()
	}
	go s.readLoop(first)
	return s, nil
}

// awaitSetup reads until the server acknowledges the setup message. Live.Connect
// returns as soon as setup is sent, so a rejected model or tool schema only
// shows up as a close on the first read. A message other than the
// acknowledgement is returned for the read loop to deliver.
func awaitSetup(ctx context.Context, c conn) (*genai.LiveServerMessage, error) {
	type result struct {
		msg *genai.LiveServerMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := c.Receive()
		ch <- result{msg, err}
	}()

	select {
	case <-ctx.Done():
		_ = c.Close()
		return nil, fmt.Errorf("gemini live setup: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			_ = c.Close()
			var closeErr *websocket.CloseError
			if errors.As(r.err, &closeErr) {
				return nil, fmt.Errorf("gemini live setup rejected: %s", closeReason(closeErr))
			}
			return nil, fmt.Errorf("gemini live setup: %w", r.err)
		}
		if r.msg != nil && r.msg.SetupComplete != nil {
			return nil, nil
		}
		return r.msg, nil
	}
}

func connectLive(ctx context.Context, cfg bridge.SessionConfig) (conn, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	sess, err := client.Live.Connect(ctx, cfg.Model, ConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("gemini live connect: %w", err)
	}
	return sess, nil
}

// ConnectConfig builds the handshake configuration: audio responses in the
// configured prebuilt voice, the system instruction and the declared tools.
func ConnectConfig(cfg bridge.SessionConfig) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Voice != "" {
		out.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		out.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			decls = append(decls, functionDeclaration(t))
		}
		out.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return out
}

func functionDeclaration(t bridge.ToolDeclaration) *genai.FunctionDeclaration {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(t.Parameters)),
	}
	for _, p := range t.Parameters {
		schema.Properties[p.Name] = &genai.Schema{Type: genai.TypeString, Description: p.Description}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return &genai.FunctionDeclaration{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  schema,
	}
}

// Session is an open Gemini Live session.
type Session struct {
	conn     conn
	handlers bridge.Handlers

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

func (s *Session) SendAudio(frame bridge.Frame) error {
	if s.closed.Load() {
		return bridge.ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: frame.Data, MIMEType: frame.MIMEType},
	})
}

func (s *Session) SendToolResult(result bridge.ToolResult) error {
	if s.closed.Load() {
		return bridge.ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       result.ID,
			Name:     result.Name,
			Response: result.Response,
		}},
	})
}

// Close closes the connection without waiting for the read loop.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}

// Done is closed once the read loop has reported its final reaction.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) readLoop(first *genai.LiveServerMessage) {
	defer close(s.done)
	if first != nil && s.handlers.OnMessage != nil {
		s.handlers.OnMessage(Translate(first))
	}
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			s.finish(err)
			return
		}
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(Translate(msg))
		}
	}
}

func (s *Session) finish(err error) {
	var closeErr *websocket.CloseError
	switch {
	case s.closed.Load():
		if s.handlers.OnClose != nil {
			s.handlers.OnClose("closed by client")
		}
	case errors.As(err, &closeErr) && normalClose(closeErr.Code):
		if s.handlers.OnClose != nil {
			s.handlers.OnClose(closeReason(closeErr))
		}
	case closeErr != nil:
		if s.handlers.OnError != nil {
			s.handlers.OnError(fmt.Errorf("gemini live closed: %s", closeReason(closeErr)))
		}
	default:
		if s.handlers.OnError != nil {
			s.handlers.OnError(err)
		}
	}
}

// normalClose reports close codes that end a session without a fault. Policy
// violations, internal errors and the like are failures.
func normalClose(code int) bool {
	return code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway
}

func closeReason(e *websocket.CloseError) string {
	if e.Text != "" {
		return fmt.Sprintf("%d: %s", e.Code, e.Text)
	}
	return fmt.Sprintf("%d", e.Code)
}

// Translate maps a Live server message onto the bridge message contract.
func Translate(msg *genai.LiveServerMessage) bridge.Message {
	var out bridge.Message
	if msg == nil {
		return out
	}
	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			out.ToolCalls = append(out.ToolCalls, bridge.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
					continue
				}
				out.Audio = append(out.Audio, bridge.AudioPart{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType})
			}
		}
		out.Interrupted = sc.Interrupted
		out.TurnComplete = sc.TurnComplete
	}
	return out
}
