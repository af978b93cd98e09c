package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vango-go/vai-assist/internal/dotenv"
	"github.com/vango-go/vai-assist/pkg/accounts"
	"github.com/vango-go/vai-assist/pkg/bridge"
	"github.com/vango-go/vai-assist/pkg/bridge/gemini"
	"github.com/vango-go/vai-assist/pkg/gateway/config"
	"github.com/vango-go/vai-assist/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/vai-assist/pkg/gateway/server"
	"github.com/vango-go/vai-assist/pkg/store"
	"github.com/vango-go/vai-assist/pkg/tasks"
)

// taskBackend is the optional Postgres task store as the server sees it.
type taskBackend interface {
	tasks.Store
	Migrate(ctx context.Context) error
	Close()
}

type serverDeps struct {
	loadConfig   func() (config.Config, error)
	openTasks    func(ctx context.Context, dsn string) (taskBackend, error)
	newDialer    func() bridge.Dialer
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServerDeps() serverDeps {
	return serverDeps{
		loadConfig: config.LoadFromEnv,
		openTasks: func(ctx context.Context, dsn string) (taskBackend, error) {
			return tasks.NewPGStore(ctx, dsn)
		},
		newDialer: func() bridge.Dialer { return gemini.NewDialer() },
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

// buildGateway wires storage, the task backend and the model dialer into a
// gateway. The returned cleanup closes the task backend.
func buildGateway(ctx context.Context, cfg config.Config, logger *slog.Logger, deps serverDeps) (*gatewayserver.Server, func(), error) {
	m := metrics.New("vai_assist")
	svc := accounts.New(store.NewFileStorage(cfg.DataFile),
		accounts.WithLogger(logger),
		accounts.WithObserver(m),
	)

	gwDeps := gatewayserver.Deps{Accounts: svc, Metrics: m}
	cleanup := func() {}

	if cfg.TasksDSN != "" {
		if deps.openTasks == nil {
			return nil, nil, errors.New("missing openTasks dependency")
		}
		backend, err := deps.openTasks(ctx, cfg.TasksDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open task store: %w", err)
		}
		if cfg.TasksMigrate {
			if err := backend.Migrate(ctx); err != nil {
				backend.Close()
				return nil, nil, err
			}
		}
		gwDeps.Tasks = backend
		cleanup = backend.Close
	} else {
		logger.Info("no task database configured; task endpoints are read-only")
	}

	if cfg.GeminiAPIKey != "" && deps.newDialer != nil {
		gwDeps.Dialer = deps.newDialer()
	} else {
		logger.Info("GEMINI_API_KEY not set; /api/live is disabled")
	}

	return gatewayserver.New(cfg, logger, gwDeps), cleanup, nil
}

func runServer(ctx context.Context, logger *slog.Logger, deps serverDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, cleanup, err := buildGateway(ctx, cfg, logger, deps)
	if err != nil {
		return err
	}
	defer cleanup()

	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting assist server", "addr", cfg.Addr, "data_file", cfg.DataFile, "static_dir", cfg.StaticDir)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	if n := gw.NotifyLiveSessionsDraining(); n > 0 {
		logger.Info("notified live sessions", "count", n, "oldest_ms", gw.OldestLiveSession().Milliseconds())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		oldest := gw.OldestLiveSession()
		logger.Warn("live sessions still open after grace period", "count", gw.CancelLiveSessions(), "oldest_ms", oldest.Milliseconds())
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("assist server stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps serverDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "assist-server: %v\n", err)
		return 1
	}

	if err := runServer(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "assist-server: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultServerDeps()))
}
