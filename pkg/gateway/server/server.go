package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/vai-assist/pkg/accounts"
	"github.com/vango-go/vai-assist/pkg/bridge"
	"github.com/vango-go/vai-assist/pkg/gateway/config"
	"github.com/vango-go/vai-assist/pkg/gateway/handlers"
	"github.com/vango-go/vai-assist/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-assist/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-assist/pkg/gateway/metrics"
	"github.com/vango-go/vai-assist/pkg/gateway/mw"
	"github.com/vango-go/vai-assist/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-assist/pkg/tasks"
)

// Deps are the backends the server routes to. Tasks and Dialer may be nil:
// the task endpoints then run read-only and /api/live answers 503.
type Deps struct {
	Accounts *accounts.Service
	Tasks    tasks.Store
	Dialer   bridge.Dialer
	Metrics  *metrics.Metrics
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps

	limiter      *ratelimit.Limiter
	lifecycle    *lifecycle.Lifecycle
	liveSessions *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                       cfg.LimitRPS,
			Burst:                     cfg.LimitBurst,
			MaxConcurrentLiveSessions: cfg.LiveMaxSessions,
		}),
		lifecycle:    &lifecycle.Lifecycle{},
		liveSessions: sessions.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	accountsHandler := handlers.AccountsHandler{Config: s.cfg, Accounts: s.deps.Accounts, Logger: s.logger}
	tasksHandler := handlers.TasksHandler{Config: s.cfg, Store: s.deps.Tasks, Logger: s.logger}

	var lister tasks.Lister = tasks.Nop{}
	if s.deps.Tasks != nil {
		lister = s.deps.Tasks
	}

	s.mux.Handle("GET /api/health", handlers.HealthHandler{Accounts: s.deps.Accounts, Lifecycle: s.lifecycle})

	s.mux.Handle("POST /api/auth/register", s.withTimeout(accountsHandler.Register))
	s.mux.Handle("POST /api/auth/login", s.withTimeout(accountsHandler.Login))
	s.mux.Handle("POST /api/user/update", s.withTimeout(accountsHandler.UpdateUser))
	s.mux.Handle("GET /api/user/{id}", s.withTimeout(accountsHandler.GetUser))
	s.mux.Handle("GET /api/sessions/{userId}", s.withTimeout(accountsHandler.ListSessions))
	s.mux.Handle("POST /api/sessions", s.withTimeout(accountsHandler.UpsertSession))
	s.mux.Handle("DELETE /api/sessions/{id}", s.withTimeout(accountsHandler.DeleteSession))
	s.mux.Handle("POST /api/vector-search", s.withTimeout(accountsHandler.VectorSearch))

	s.mux.Handle("GET /api/tasks/{userId}", s.withTimeout(tasksHandler.List))
	s.mux.Handle("POST /api/tasks", s.withTimeout(tasksHandler.Add))
	s.mux.Handle("POST /api/tasks/{id}/status", s.withTimeout(tasksHandler.SetStatus))

	s.mux.Handle("GET /api/live", handlers.LiveHandler{
		Config:       s.cfg,
		Accounts:     s.deps.Accounts,
		Tasks:        lister,
		Dialer:       s.deps.Dialer,
		Logger:       s.logger,
		Limiter:      s.limiter,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
		Metrics:      s.deps.Metrics,
	})

	if s.cfg.MetricsEnabled && s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	s.mux.Handle("/api/", handlers.NotFoundHandler{})
	s.mux.Handle("/", handlers.StaticHandler{Dir: s.cfg.StaticDir})
}

// withTimeout bounds a plain request handler by cfg.HandlerTimeout. The live
// socket is long-lived and is not wrapped.
func (s *Server) withTimeout(fn http.HandlerFunc) http.Handler {
	if s.cfg.HandlerTimeout <= 0 {
		return fn
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HandlerTimeout)
		defer cancel()
		fn(w, r.WithContext(ctx))
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.deps.Metrics.Middleware(h)
	h = mw.RateLimit(s.cfg, s.limiter, s.deps.Metrics, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips health to "draining" and makes /api/live refuse new sessions.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// NotifyLiveSessionsDraining tells every open live client the server is going away.
func (s *Server) NotifyLiveSessionsDraining() int {
	return s.liveSessions.NotifyAll("draining", "server is shutting down")
}

func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.liveSessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.liveSessions.CancelAll()
}

// OldestLiveSession is how long the longest-running live socket has been open.
func (s *Server) OldestLiveSession() time.Duration {
	return s.liveSessions.Oldest(time.Now())
}

// LiveSessionCount is the number of open live sockets.
func (s *Server) LiveSessionCount() int {
	return s.liveSessions.Count()
}
