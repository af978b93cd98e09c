package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/vango-go/vai-assist/internal/dotenv"
	"github.com/vango-go/vai-assist/pkg/bridge"
	"github.com/vango-go/vai-assist/pkg/bridge/device"
	"github.com/vango-go/vai-assist/pkg/bridge/gemini"
	"github.com/vango-go/vai-assist/pkg/client"
	"github.com/vango-go/vai-assist/pkg/core/types"
)

const (
	defaultBaseURL = "http://127.0.0.1:8080"
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultVoice   = "Zephyr"
	connectTimeout = 30 * time.Second
)

type assistantConfig struct {
	BaseURL  string
	Phone    string
	Password string
	Name     string
	Register bool
	APIKey   string
	Model    string
	Voice    string
	Verbose  bool
}

func parseAssistantConfig(args []string, getenv func(string) string) (assistantConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := assistantConfig{}
	fs := flag.NewFlagSet("voice-assistant", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.BaseURL, "base-url", envOr(getenv, "VAI_ASSIST_BASE_URL", defaultBaseURL), "assist server base URL")
	fs.StringVar(&cfg.Phone, "phone", strings.TrimSpace(getenv("VAI_ASSIST_PHONE")), "phone number to log in with")
	fs.StringVar(&cfg.Name, "name", "", "display name (only with -register)")
	fs.BoolVar(&cfg.Register, "register", false, "create the account before connecting")
	fs.StringVar(&cfg.Model, "model", envOr(getenv, "VAI_ASSIST_LIVE_MODEL", defaultModel), "live model")
	fs.StringVar(&cfg.Voice, "voice", envOr(getenv, "VAI_ASSIST_LIVE_VOICE", defaultVoice), "prebuilt voice name")
	fs.BoolVar(&cfg.Verbose, "v", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return assistantConfig{}, err
	}

	cfg.Password = getenv("VAI_ASSIST_PASSWORD")
	cfg.APIKey = strings.TrimSpace(getenv("GEMINI_API_KEY"))
	if cfg.APIKey == "" {
		cfg.APIKey = strings.TrimSpace(getenv("GOOGLE_API_KEY"))
	}

	switch {
	case strings.TrimSpace(cfg.Phone) == "":
		return assistantConfig{}, errors.New("-phone (or VAI_ASSIST_PHONE) is required")
	case cfg.Register && strings.TrimSpace(cfg.Name) == "":
		return assistantConfig{}, errors.New("-name is required with -register")
	case cfg.APIKey == "":
		return assistantConfig{}, errors.New("GEMINI_API_KEY is required")
	}
	return cfg, nil
}

func envOr(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

// readPassword prompts on out and reads one line from in, hiding the input
// when fd is a terminal.
func readPassword(in io.Reader, fd int, out io.Writer) (string, error) {
	fmt.Fprint(out, "Password: ")
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required")
	}
	return line, nil
}

func formatState(s bridge.State) string {
	switch {
	case s.Error != "":
		return "error: " + s.Error
	case s.Speaking:
		return "assistant speaking"
	case s.Connected:
		return "listening"
	default:
		return "disconnected"
	}
}

func authenticate(ctx context.Context, c *client.Client, cfg assistantConfig) (types.Identity, error) {
	if cfg.Register {
		if _, err := c.Register(ctx, cfg.Phone, cfg.Password, cfg.Name); err != nil {
			return types.Identity{}, fmt.Errorf("register: %w", err)
		}
	}
	id, err := c.Login(ctx, cfg.Phone, cfg.Password)
	if err != nil {
		return types.Identity{}, fmt.Errorf("login: %w", err)
	}
	return id, nil
}

func run(ctx context.Context, cfg assistantConfig, logger *slog.Logger, stdout io.Writer) error {
	c := client.New(cfg.BaseURL)

	authCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	identity, err := authenticate(authCtx, c, cfg)
	cancel()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Logged in as %s.\n", identity.Name)

	devices, err := device.Open(logger)
	if err != nil {
		return err
	}
	defer devices.Close()

	var (
		mu   sync.Mutex
		last string
	)
	b := bridge.New(bridge.Config{
		APIKey: cfg.APIKey,
		Model:  cfg.Model,
		Voice:  cfg.Voice,
	}, bridge.Deps{
		Dialer:  gemini.NewDialer(),
		Devices: devices,
		Tasks:   c,
		Logger:  logger,
		OnStateChange: func(s bridge.State) {
			line := formatState(s)
			mu.Lock()
			defer mu.Unlock()
			if line != last {
				last = line
				fmt.Fprintf(stdout, "[%s]\n", line)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = b.Connect(connectCtx, identity)
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer b.Disconnect()

	fmt.Fprintln(stdout, "Connected. Start talking; press Ctrl-C to hang up.")
	<-ctx.Done()
	fmt.Fprintln(stdout, "Hanging up.")
	return nil
}

func main() {
	_ = dotenv.LoadFile(".env")

	cfg, err := parseAssistantConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voice-assistant: %v\n", err)
		os.Exit(2)
	}

	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if cfg.Password == "" {
		pw, err := readPassword(os.Stdin, int(os.Stdin.Fd()), os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "voice-assistant: %v\n", err)
			os.Exit(1)
		}
		cfg.Password = pw
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "voice-assistant: %v\n", err)
		stop()
		os.Exit(1)
	}
}
