package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Fatalf("ConnectTimeout = %v, want %v", cfg.ConnectTimeout, 10*time.Second)
	}
	if cfg.PendingAudioCapacity != 50 {
		t.Fatalf("PendingAudioCapacity = %d, want 50", cfg.PendingAudioCapacity)
	}
	if cfg.ElevenLabsAuthMode != "signed_url" {
		t.Fatalf("ElevenLabsAuthMode = %q, want %q", cfg.ElevenLabsAuthMode, "signed_url")
	}
	if cfg.TwilioConfigured() {
		t.Fatalf("TwilioConfigured() = true with empty credentials")
	}
}

func TestLoadMissingVendorCredentialsIsNotFatal(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("ELEVENLABS_AGENT_ID", "")
	t.Setenv("ELEVENLABS_API_KEY", "")

	if _, err := Load(); err != nil {
		t.Fatalf("Load() error = %v, want nil without vendor credentials", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"BRIDGE_CONNECT_TIMEOUT":        "soon",
		"BRIDGE_PENDING_AUDIO_CAPACITY": "0",
		"ELEVENLABS_AUTH_MODE":          "oauth",
		"LOG_FORMAT":                    "xml",
		"BRIDGE_MAX_CALL_DURATION":      "5s",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%q", key, value)
			}
		})
	}
}

func TestLoadFallsBackToConfigFile(t *testing.T) {
	setCoreEnvEmpty(t)

	path := filepath.Join(t.TempDir(), "relay.ini")
	body := "app_bind_addr = :7070\nbridge_pending_audio_capacity = 12\nelevenlabs_agent_id = agent-from-file\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("RELAY_CONFIG_FILE", path)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want env value %q", cfg.BindAddr, ":9090")
	}
	if cfg.PendingAudioCapacity != 12 {
		t.Fatalf("PendingAudioCapacity = %d, want 12 from file", cfg.PendingAudioCapacity)
	}
	if cfg.ElevenLabsAgentID != "agent-from-file" {
		t.Fatalf("ElevenLabsAgentID = %q, want value from file", cfg.ElevenLabsAgentID)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("RELAY_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.ini"))

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want error for missing config file")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"RELAY_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_PUBLIC_URL",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"TWILIO_ACCOUNT_SID",
		"TWILIO_AUTH_TOKEN",
		"TWILIO_FROM_NUMBER",
		"TWILIO_API_BASE_URL",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_AGENT_ID",
		"ELEVENLABS_API_BASE_URL",
		"ELEVENLABS_WS_BASE_URL",
		"ELEVENLABS_AUTH_MODE",
		"BRIDGE_CONNECT_TIMEOUT",
		"BRIDGE_CLOSE_TIMEOUT",
		"BRIDGE_PENDING_AUDIO_CAPACITY",
		"BRIDGE_OUTBOUND_QUEUE_SIZE",
		"BRIDGE_MAX_CALL_DURATION",
		"BRIDGE_JANITOR_INTERVAL",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"LOG_FILE",
		"LOG_FILE_MAX_MB",
		"LOG_FILE_MAX_BACKUPS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
