package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config contains all runtime settings for the call relay.
type Config struct {
	BindAddr         string
	PublicURL        string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioAPIBaseURL string

	ElevenLabsAPIKey     string
	ElevenLabsAgentID    string
	ElevenLabsAPIBaseURL string
	ElevenLabsWSBaseURL  string
	ElevenLabsAuthMode   string

	ConnectTimeout       time.Duration
	CloseTimeout         time.Duration
	PendingAudioCapacity int
	OutboundQueueSize    int
	MaxCallDuration      time.Duration
	JanitorInterval      time.Duration

	LogLevel          string
	LogFormat         string
	LogFile           string
	LogFileMaxMB      int
	LogFileMaxBackups int
}

// Load reads environment variables and applies safe defaults. When
// RELAY_CONFIG_FILE points at an INI file its values are used for any key the
// environment leaves unset.
func Load() (Config, error) {
	src, err := newSource(os.Getenv("RELAY_CONFIG_FILE"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:         src.stringOr("APP_BIND_ADDR", ":8080"),
		PublicURL:        strings.TrimRight(src.trimmed("APP_PUBLIC_URL"), "/"),
		MetricsNamespace: src.stringOr("APP_METRICS_NAMESPACE", "callrelay"),

		TwilioAccountSID: src.trimmed("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  src.trimmed("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: src.trimmed("TWILIO_FROM_NUMBER"),
		TwilioAPIBaseURL: src.stringOr("TWILIO_API_BASE_URL", "https://api.twilio.com/2010-04-01"),

		ElevenLabsAPIKey:     src.trimmed("ELEVENLABS_API_KEY"),
		ElevenLabsAgentID:    src.trimmed("ELEVENLABS_AGENT_ID"),
		ElevenLabsAPIBaseURL: src.stringOr("ELEVENLABS_API_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsWSBaseURL:  src.stringOr("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		// Signed URLs keep the API key off the websocket handshake.
		ElevenLabsAuthMode: strings.ToLower(src.stringOr("ELEVENLABS_AUTH_MODE", "signed_url")),

		LogLevel:  strings.ToLower(src.stringOr("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(src.stringOr("LOG_FORMAT", "text")),
		LogFile:   src.trimmed("LOG_FILE"),

		ShutdownTimeout:      15 * time.Second,
		ConnectTimeout:       10 * time.Second,
		CloseTimeout:         2 * time.Second,
		PendingAudioCapacity: 50,
		OutboundQueueSize:    256,
		MaxCallDuration:      time.Hour,
		JanitorInterval:      5 * time.Second,
		LogFileMaxMB:         100,
		LogFileMaxBackups:    1,
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"BRIDGE_CONNECT_TIMEOUT", &cfg.ConnectTimeout},
		{"BRIDGE_CLOSE_TIMEOUT", &cfg.CloseTimeout},
		{"BRIDGE_MAX_CALL_DURATION", &cfg.MaxCallDuration},
		{"BRIDGE_JANITOR_INTERVAL", &cfg.JanitorInterval},
	}
	for _, d := range durations {
		if *d.dst, err = src.duration(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"BRIDGE_PENDING_AUDIO_CAPACITY", &cfg.PendingAudioCapacity},
		{"BRIDGE_OUTBOUND_QUEUE_SIZE", &cfg.OutboundQueueSize},
		{"LOG_FILE_MAX_MB", &cfg.LogFileMaxMB},
		{"LOG_FILE_MAX_BACKUPS", &cfg.LogFileMaxBackups},
	}
	for _, n := range ints {
		if *n.dst, err = src.int(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("BRIDGE_CONNECT_TIMEOUT must be positive")
	}
	if c.CloseTimeout <= 0 {
		return fmt.Errorf("BRIDGE_CLOSE_TIMEOUT must be positive")
	}
	if c.PendingAudioCapacity <= 0 {
		return fmt.Errorf("BRIDGE_PENDING_AUDIO_CAPACITY must be positive")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("BRIDGE_OUTBOUND_QUEUE_SIZE must be positive")
	}
	if c.MaxCallDuration < time.Minute {
		return fmt.Errorf("BRIDGE_MAX_CALL_DURATION must be at least 1m")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("BRIDGE_JANITOR_INTERVAL must be positive")
	}
	switch c.ElevenLabsAuthMode {
	case "signed_url", "direct":
	default:
		return fmt.Errorf("invalid ELEVENLABS_AUTH_MODE: %q (expected signed_url|direct)", c.ElevenLabsAuthMode)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %q (expected text|json)", c.LogFormat)
	}
	return nil
}

// TwilioConfigured reports whether outbound call placement is possible.
func (c Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// source resolves a key from the environment first, then the optional INI
// file. INI keys live in the default section, lowercased
// (APP_BIND_ADDR -> app_bind_addr).
type source struct {
	file *ini.File
}

func newSource(path string) (source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return source{}, nil
	}
	f, err := ini.Load(path)
	if err != nil {
		return source{}, fmt.Errorf("RELAY_CONFIG_FILE load error: %w", err)
	}
	return source{file: f}, nil
}

func (s source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if s.file == nil {
		return ""
	}
	return s.file.Section(ini.DefaultSection).Key(strings.ToLower(key)).String()
}

func (s source) stringOr(key, fallback string) string {
	v := s.trimmed(key)
	if v == "" {
		return fallback
	}
	return v
}

func (s source) trimmed(key string) string {
	return strings.TrimSpace(s.lookup(key))
}

func (s source) duration(key string, fallback time.Duration) (time.Duration, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s source) int(key string, fallback int) (int, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
