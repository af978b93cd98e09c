package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// DataFile is the JSON document holding identities and sessions.
	DataFile string
	// StaticDir holds the built web client. Missing directory => API only.
	StaticDir string

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the server is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// In-memory limits (per client IP).
	LimitRPS   float64
	LimitBurst int

	// Optional Postgres task store. Empty => tasks endpoints are read-only and empty.
	TasksDSN     string
	TasksMigrate bool

	// Live audio bridge (/api/live).
	GeminiAPIKey            string
	LiveModel               string
	LiveVoice               string
	LiveMaxSessions         int
	LiveMaxSessionDuration  time.Duration
	LiveMaxAudioFrameBytes  int
	LiveMaxJSONMessageBytes int64
	LiveWSPingInterval      time.Duration
	LiveWSWriteTimeout      time.Duration
	LiveHandshakeTimeout    time.Duration

	MetricsEnabled bool

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("VAI_ASSIST_ADDR", ":8080"),
		DataFile:                envOr("VAI_ASSIST_DATA_FILE", "data/db.json"),
		StaticDir:               envOr("VAI_ASSIST_STATIC_DIR", "dist"),
		TrustProxyHeaders:       envBoolOr("VAI_ASSIST_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:            envInt64Or("VAI_ASSIST_MAX_BODY_BYTES", 1<<20), // 1 MiB
		CORSAllowedOrigins:      make(map[string]struct{}),
		LimitRPS:                envFloat64Or("VAI_ASSIST_RATE_LIMIT_RPS", 5.0),
		LimitBurst:              envIntOr("VAI_ASSIST_RATE_LIMIT_BURST", 10),
		TasksDSN:                envOr("VAI_ASSIST_TASKS_DSN", ""),
		TasksMigrate:            envBoolOr("VAI_ASSIST_TASKS_MIGRATE", true),
		GeminiAPIKey:            envOr("GEMINI_API_KEY", ""),
		LiveModel:               envOr("VAI_ASSIST_LIVE_MODEL", "gemini-2.5-flash-native-audio-preview-09-2025"),
		LiveVoice:               envOr("VAI_ASSIST_LIVE_VOICE", "Zephyr"),
		LiveMaxSessions:         envIntOr("VAI_ASSIST_LIVE_MAX_SESSIONS", 8),
		LiveMaxSessionDuration:  envDurationOr("VAI_ASSIST_LIVE_MAX_DURATION", time.Hour),
		LiveMaxAudioFrameBytes:  envIntOr("VAI_ASSIST_LIVE_MAX_AUDIO_FRAME_BYTES", 16384),
		LiveMaxJSONMessageBytes: envInt64Or("VAI_ASSIST_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveWSPingInterval:      envDurationOr("VAI_ASSIST_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:      envDurationOr("VAI_ASSIST_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveHandshakeTimeout:    envDurationOr("VAI_ASSIST_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		MetricsEnabled:          envBoolOr("VAI_ASSIST_METRICS", true),
		ReadHeaderTimeout:       envDurationOr("VAI_ASSIST_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:             envDurationOr("VAI_ASSIST_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:          envDurationOr("VAI_ASSIST_TOTAL_REQUEST_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:     envDurationOr("VAI_ASSIST_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VAI_ASSIST_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.DataFile) == "" {
		return Config{}, fmt.Errorf("VAI_ASSIST_DATA_FILE must not be empty")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSIST_MAX_BODY_BYTES must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("VAI_ASSIST_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VAI_ASSIST_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LiveMaxSessions <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSIST_LIVE_MAX_SESSIONS must be > 0")
	}
	if cfg.LiveMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSIST_LIVE_MAX_DURATION must be > 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSIST_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSIST_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSIST_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSIST_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSIST_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSIST_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSIST_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSIST_TOTAL_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_ASSIST_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
