// Package config loads duocall settings from environment variables with
// command-line flag overrides. Flags win over environment, environment wins
// over defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Environment variable names.
const (
	envVarServerURL    = "DUOCALL_SERVER_URL"
	envVarUserID       = "DUOCALL_USER_ID"
	envVarListenAddr   = "DUOCALL_LISTEN_ADDR"
	envVarDataDir      = "DUOCALL_DATA_DIR"
	envVarLogFormat    = "DUOCALL_LOG_FORMAT"
	envVarLogLevel     = "DUOCALL_LOG_LEVEL"
	envVarStunURLs     = "DUOCALL_STUN_URLS"
	envVarTurnURLs     = "DUOCALL_TURN_URLS"
	envVarTurnUsername = "DUOCALL_TURN_USERNAME"
	envVarTurnPassword = "DUOCALL_TURN_PASSWORD"
	envVarRecognizer   = "DUOCALL_RECOGNIZER_URL"
	envVarPollInterval = "DUOCALL_MATCH_POLL_INTERVAL"
	envVarWithAudio    = "DUOCALL_WITH_AUDIO"
)

// Defaults.
const (
	DefaultServerURL    = "http://localhost:8080"
	DefaultListenAddr   = ":8080"
	DefaultDataDir      = "./data"
	DefaultStunURL      = "stun:stun.l.google.com:19302"
	DefaultPollInterval = 2 * time.Second
)

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config is the resolved runtime configuration for both binaries. The
// client ignores the listen fields; the relay ignores the client fields.
type Config struct {
	// ServerURL is the relay's HTTP base, e.g. "http://localhost:8080".
	// Websocket URLs are derived from it.
	ServerURL string
	// UserID identifies this participant to matchmaking and signaling.
	UserID string
	// RecognizerURL points at the sign-recognition model service; empty
	// disables assisted input.
	RecognizerURL string
	// MatchPollInterval paces the matchmaking status poll.
	MatchPollInterval time.Duration
	// WithAudio adds an audio track next to video.
	WithAudio bool

	// ListenAddr is the relay's bind address.
	ListenAddr string
	// DataDir holds the relay's SQLite database.
	DataDir string

	LogFormat LogFormat
	LogLevel  slog.Level

	ICEServers []webrtc.ICEServer
}

// Load resolves configuration from the process environment and args.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{
		ServerURL:         envOrDefault(lookup, envVarServerURL, DefaultServerURL),
		UserID:            envOrDefault(lookup, envVarUserID, ""),
		RecognizerURL:     envOrDefault(lookup, envVarRecognizer, ""),
		ListenAddr:        envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		DataDir:           envOrDefault(lookup, envVarDataDir, DefaultDataDir),
		MatchPollInterval: DefaultPollInterval,
	}

	if raw, ok := lookup(envVarPollInterval); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarPollInterval, raw, err)
		}
		cfg.MatchPollInterval = d
	}
	if raw, ok := lookup(envVarWithAudio); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWithAudio, raw, err)
		}
		cfg.WithAudio = v
	}

	logFormat := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevel := envOrDefault(lookup, envVarLogLevel, "info")
	stunURLs := envOrDefault(lookup, envVarStunURLs, DefaultStunURL)
	turnURLs := envOrDefault(lookup, envVarTurnURLs, "")
	turnUsername := envOrDefault(lookup, envVarTurnUsername, "")
	turnPassword := envOrDefault(lookup, envVarTurnPassword, "")

	fs := flag.NewFlagSet("duocall", flag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "relay server base URL")
	fs.StringVar(&cfg.UserID, "user-id", cfg.UserID, "local participant id")
	fs.StringVar(&cfg.RecognizerURL, "recognizer-url", cfg.RecognizerURL, "sign recognition service URL (empty disables assist)")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "relay listen address")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "relay data directory")
	fs.DurationVar(&cfg.MatchPollInterval, "match-poll-interval", cfg.MatchPollInterval, "matchmaking poll interval")
	fs.BoolVar(&cfg.WithAudio, "with-audio", cfg.WithAudio, "send an audio track")
	fs.StringVar(&logFormat, "log-format", logFormat, "log format: text or json")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: debug, info, warn, error")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma separated STUN URLs")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma separated TURN URLs")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username")
	fs.StringVar(&turnPassword, "turn-password", turnPassword, "TURN password")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	var err error
	cfg.LogFormat, err = parseLogFormat(logFormat)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel, err = parseLogLevel(logLevel)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers, err = buildICEServers(stunURLs, turnURLs, turnUsername, turnPassword)
	if err != nil {
		return Config{}, err
	}

	if cfg.MatchPollInterval <= 0 {
		return Config{}, fmt.Errorf("match poll interval must be positive")
	}
	return cfg, nil
}

// SignalWSURL derives the room's signaling websocket endpoint.
func (c Config) SignalWSURL(roomID string) string {
	return httpToWS(c.ServerURL) + "/call/" + roomID
}

// ChatWSURL derives the room's chat websocket endpoint.
func (c Config) ChatWSURL(roomID string) string {
	return httpToWS(c.ServerURL) + "/ws/chat/" + roomID
}

func httpToWS(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func buildICEServers(stunURLs, turnURLs, turnUsername, turnPassword string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitURLs(stunURLs); len(urls) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: urls})
	}
	if urls := splitURLs(turnURLs); len(urls) > 0 {
		if turnUsername == "" || turnPassword == "" {
			return nil, fmt.Errorf("TURN URLs require username and password")
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       urls,
			Username:   turnUsername,
			Credential: turnPassword,
		})
	}
	return servers, nil
}

func splitURLs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "text":
		return LogFormatText, nil
	case "json":
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}
