package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

// Config carries every runtime knob for the pairing service. All fields are
// env-driven; durations use Go duration syntax (e.g. "500ms", "30s").
type Config struct {
	ListenAddr      string        `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	LogFormat LogFormat  `env:"LOG_FORMAT" envDefault:"text"`
	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`

	// AllowedOrigins gates browser Origin headers on HTTP routes and the
	// signaling WebSocket. Empty means same-origin only.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// Signaling WebSocket auth + hardening.
	AuthMode                      AuthMode      `env:"AUTH_MODE" envDefault:"none"`
	APIKey                        string        `env:"API_KEY"`
	JWTSecret                     string        `env:"JWT_SECRET"`
	SignalingAuthTimeout          time.Duration `env:"SIGNALING_AUTH_TIMEOUT" envDefault:"2s"`
	SignalingWSIdleTimeout        time.Duration `env:"SIGNALING_WS_IDLE_TIMEOUT" envDefault:"60s"`
	SignalingWSPingInterval       time.Duration `env:"SIGNALING_WS_PING_INTERVAL" envDefault:"20s"`
	MaxSignalingMessageBytes      int64         `env:"MAX_SIGNALING_MESSAGE_BYTES" envDefault:"65536"`
	MaxSignalingMessagesPerSecond int           `env:"MAX_SIGNALING_MESSAGES_PER_SECOND" envDefault:"50"`

	// SendBufferMessages bounds the per-participant outbound queue. A
	// participant whose buffer stays full is considered stuck; messages to it
	// are dropped rather than blocking the relay.
	SendBufferMessages int `env:"SEND_BUFFER_MESSAGES" envDefault:"64"`

	// Negotiation policy, applied client-side by the retry supervisor.
	NegotiationDeadline    time.Duration `env:"NEGOTIATION_DEADLINE" envDefault:"45s"`
	MaxNegotiationAttempts int           `env:"MAX_NEGOTIATION_ATTEMPTS" envDefault:"3"`
	RetryBackoffBase       time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"500ms"`
	RetryBackoffMax        time.Duration `env:"RETRY_BACKOFF_MAX" envDefault:"8s"`

	// ICE provisioning for clients (GET /ice).
	STUNURLs []string `env:"STUN_URLS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
	TURNURLs []string `env:"TURN_URLS" envSeparator:","`

	// coturn TURN REST (ephemeral) credentials. When SharedSecret is empty,
	// /ice serves the static server list without TURN credentials.
	TURNRESTSharedSecret   string `env:"TURN_REST_SHARED_SECRET"`
	TURNRESTTTLSeconds     int64  `env:"TURN_REST_TTL_SECONDS" envDefault:"3600"`
	TURNRESTUsernamePrefix string `env:"TURN_REST_USERNAME_PREFIX" envDefault:"cosleep"`
}

func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("unsupported LOG_FORMAT %q", c.LogFormat)
	}

	switch c.AuthMode {
	case AuthModeNone:
	case AuthModeAPIKey:
		if c.APIKey == "" {
			return fmt.Errorf("AUTH_MODE=api_key requires API_KEY")
		}
	case AuthModeJWT:
		if c.JWTSecret == "" {
			return fmt.Errorf("AUTH_MODE=jwt requires JWT_SECRET")
		}
	default:
		return fmt.Errorf("unsupported AUTH_MODE %q", c.AuthMode)
	}

	if c.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("MAX_SIGNALING_MESSAGE_BYTES must be > 0")
	}
	if c.MaxSignalingMessagesPerSecond <= 0 {
		return fmt.Errorf("MAX_SIGNALING_MESSAGES_PER_SECOND must be > 0")
	}
	if c.SendBufferMessages <= 0 {
		return fmt.Errorf("SEND_BUFFER_MESSAGES must be > 0")
	}

	if c.MaxNegotiationAttempts <= 0 {
		return fmt.Errorf("MAX_NEGOTIATION_ATTEMPTS must be > 0")
	}
	if c.NegotiationDeadline <= 0 {
		return fmt.Errorf("NEGOTIATION_DEADLINE must be > 0")
	}
	if c.RetryBackoffBase <= 0 || c.RetryBackoffMax < c.RetryBackoffBase {
		return fmt.Errorf("retry backoff misconfigured: base=%s max=%s", c.RetryBackoffBase, c.RetryBackoffMax)
	}

	if c.TURNRESTSharedSecret != "" && c.TURNRESTTTLSeconds <= 0 {
		return fmt.Errorf("TURN_REST_TTL_SECONDS must be > 0")
	}

	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

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
