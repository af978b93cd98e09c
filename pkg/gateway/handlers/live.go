package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-assist/pkg/accounts"
	"github.com/vango-go/vai-assist/pkg/bridge"
	"github.com/vango-go/vai-assist/pkg/core"
	"github.com/vango-go/vai-assist/pkg/core/types"
	"github.com/vango-go/vai-assist/pkg/gateway/config"
	"github.com/vango-go/vai-assist/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-assist/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-assist/pkg/gateway/live/relay"
	"github.com/vango-go/vai-assist/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-assist/pkg/gateway/metrics"
	"github.com/vango-go/vai-assist/pkg/gateway/mw"
	"github.com/vango-go/vai-assist/pkg/gateway/principal"
	"github.com/vango-go/vai-assist/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-assist/pkg/tasks"
)

// LiveHandler handles /api/live websocket sessions. Each socket runs one
// audio bridge whose microphone and speaker are the browser on the other end.
type LiveHandler struct {
	Config       config.Config
	Accounts     *accounts.Service
	Tasks        tasks.Lister
	Dialer       bridge.Dialer
	Logger       *slog.Logger
	Limiter      *ratelimit.Limiter
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
	Metrics      *metrics.Metrics
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrUnavailable, Message: "server is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}
	if strings.TrimSpace(h.Config.GeminiAPIKey) == "" || h.Dialer == nil {
		writeCoreErrorJSON(w, reqID, core.NewUnavailableError("live audio is not configured"), http.StatusServiceUnavailable)
		return
	}

	var identity types.Identity
	queryUserID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if queryUserID != "" {
		id, err := h.Accounts.GetIdentity(r.Context(), queryUserID)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		identity = id
	}

	if h.Limiter != nil {
		p := principal.Resolve(r, h.Config.TrustProxyHeaders)
		dec := h.Limiter.AcquireLiveSession(p.Key, time.Now())
		if !dec.Allowed {
			h.Metrics.RateLimited("live_session")
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			writeCoreErrorJSON(w, reqID, core.NewRateLimitError("too many active live sessions", dec.RetryAfter), http.StatusTooManyRequests)
			return
		}
		defer dec.Permit.Release()
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.LiveMaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxJSONMessageBytes)
	}

	handshakeTimeout := h.Config.LiveHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "bad_request", "failed to read hello")
		return
	}
	if messageType != websocket.TextMessage {
		h.writeWSError(conn, "bad_request", "first frame must be hello")
		return
	}
	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		code := "bad_request"
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			code = de.Code
		}
		h.writeWSError(conn, code, err.Error())
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		h.writeWSError(conn, "bad_request", "first frame must be hello")
		return
	}

	helloUserID := strings.TrimSpace(hello.UserID)
	switch {
	case queryUserID != "" && helloUserID != "" && helloUserID != queryUserID:
		h.writeWSError(conn, "bad_request", "hello.user_id does not match user_id")
		return
	case queryUserID == "":
		if helloUserID == "" {
			h.writeWSError(conn, "bad_request", "user_id is required")
			return
		}
		id, err := h.Accounts.GetIdentity(r.Context(), helloUserID)
		if err != nil {
			h.writeWSError(conn, "not_found", "user not found")
			return
		}
		identity = id
	}

	sessionID := "live_" + uuid.NewString()
	ack := protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       sessionID,
		AudioIn:         hello.AudioIn,
		AudioOut:        protocol.AudioFormat{Encoding: protocol.EncodingPCM16LE, SampleRateHz: bridge.OutputSampleRate, Channels: 1},
		Limits: &protocol.HelloAckLimits{
			MaxAudioFrameBytes:  h.Config.LiveMaxAudioFrameBytes,
			MaxJSONMessageBytes: int(h.Config.LiveMaxJSONMessageBytes),
			MaxSessionMS:        h.Config.LiveMaxSessionDuration.Milliseconds(),
		},
	}
	if err := conn.WriteJSON(ack); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	rl := relay.New(relay.Deps{
		Conn: conn,
		Config: relay.Config{
			MaxAudioFrameBytes:  h.Config.LiveMaxAudioFrameBytes,
			MaxJSONMessageBytes: h.Config.LiveMaxJSONMessageBytes,
			PingInterval:        h.Config.LiveWSPingInterval,
			WriteTimeout:        h.Config.LiveWSWriteTimeout,
			ReadTimeout:         3 * h.Config.LiveWSPingInterval,
			MaxSessionDuration:  h.Config.LiveMaxSessionDuration,
		},
		Logger:  logger.With("session_id", sessionID),
		OnAudio: h.Metrics.LiveAudio,
	})

	b := bridge.New(bridge.Config{
		APIKey: h.Config.GeminiAPIKey,
		Model:  h.Config.LiveModel,
		Voice:  h.Config.LiveVoice,
	}, bridge.Deps{
		Dialer:        h.Dialer,
		Devices:       rl,
		Tasks:         h.Tasks,
		Logger:        logger.With("session_id", sessionID, "user_id", identity.ID),
		OnStateChange: rl.SendState,
	})

	connectCtx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	err = b.Connect(connectCtx, identity)
	cancel()
	if err != nil {
		logger.Warn("live bridge connect failed", "session_id", sessionID, "request_id", reqID, "error", err)
		h.Metrics.LiveSessionStarted()
		h.Metrics.LiveSessionEnded("connect_error", 0)
		h.writeWSError(conn, "bridge_error", err.Error())
		return
	}

	unregister := h.LiveSessions.Register(sessionID, sessions.Handle{
		UserID: identity.ID,
		Cancel: rl.Cancel,
		Notify: rl.Notify,
	})
	defer unregister()

	started := time.Now()
	h.Metrics.LiveSessionStarted()
	logger.Info("live session started", "session_id", sessionID, "user_id", identity.ID)

	status := "closed"
	runErr := rl.Run()
	b.Disconnect()
	switch {
	case errors.Is(runErr, relay.ErrSessionTimeout):
		status = "timeout"
	case runErr != nil:
		status = "error"
		logger.Warn("live session ended with error", "session_id", sessionID, "request_id", reqID, "error", runErr)
	}
	if st := b.State(); st.Error != "" && status == "closed" {
		status = "bridge_error"
	}
	h.Metrics.LiveSessionEnded(status, time.Since(started))
	logger.Info("live session ended", "session_id", sessionID, "status", status, "duration_ms", time.Since(started).Milliseconds())
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h LiveHandler) writeWSError(conn *websocket.Conn, code, message string) {
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Code: code, Message: message, Close: true})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
}
