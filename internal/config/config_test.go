package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/meetrelay/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info
  keepalive_url: https://meetrelay.example.com/health
  keepalive_interval: 5m

relay:
  endpoint: https://transcriber.example.com
  path: /stream/audio
  headers:
    X-Api-Key: secret
  ping_interval: 20s
  ping_timeout: 10s
  base_backoff: 5s
  max_backoff: 1m
  max_reconnect_attempts: 10
  drain_on_reconnect: false

audio:
  device: "pulse"
  monitor_source: virtual_speaker.monitor
  backends: [portaudio, parec, sox]
  block_frames: 1024
  queue_capacity: 50
  overflow_policy: drop-oldest

session:
  meeting_url: https://meet.google.com/abc-defg-hij
  default_duration: 90m
  shutdown_timeout: 5s
`

func envMap(m map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.KeepAliveInterval != 5*time.Minute {
		t.Errorf("server.keepalive_interval: got %s, want 5m", cfg.Server.KeepAliveInterval)
	}
	if cfg.Relay.Endpoint != "https://transcriber.example.com" {
		t.Errorf("relay.endpoint: got %q", cfg.Relay.Endpoint)
	}
	if cfg.Relay.Headers["X-Api-Key"] != "secret" {
		t.Errorf("relay.headers: got %v", cfg.Relay.Headers)
	}
	if cfg.Relay.MaxBackoff != time.Minute {
		t.Errorf("relay.max_backoff: got %s, want 1m", cfg.Relay.MaxBackoff)
	}
	if cfg.Relay.Drain() {
		t.Error("relay.drain_on_reconnect: got true, want false")
	}
	if cfg.Audio.QueueCapacity != 50 {
		t.Errorf("audio.queue_capacity: got %d, want 50", cfg.Audio.QueueCapacity)
	}
	if cfg.Audio.OverflowPolicy != "drop-oldest" {
		t.Errorf("audio.overflow_policy: got %q", cfg.Audio.OverflowPolicy)
	}
	if len(cfg.Audio.Backends) != 3 {
		t.Errorf("audio.backends: got %v", cfg.Audio.Backends)
	}
	if cfg.Session.DefaultDuration != 90*time.Minute {
		t.Errorf("session.default_duration: got %s, want 90m", cfg.Session.DefaultDuration)
	}
}

func TestLoadFromReader_EmptyGetsDefaults(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(in))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", in, err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
		}
		if cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("log_level: got %q, want info", cfg.Server.LogLevel)
		}
		if cfg.Audio.SampleRate != 16000 || cfg.Audio.BlockFrames != 1024 {
			t.Errorf("audio format: got %d Hz / %d frames", cfg.Audio.SampleRate, cfg.Audio.BlockFrames)
		}
		if cfg.Audio.QueueCapacity != 100 {
			t.Errorf("queue_capacity: got %d, want 100", cfg.Audio.QueueCapacity)
		}
		if !cfg.Relay.Drain() {
			t.Error("drain_on_reconnect should default to true")
		}
		if cfg.Session.DefaultDuration != config.DefaultSessionDuration {
			t.Errorf("default_duration: got %s", cfg.Session.DefaultDuration)
		}
		if cfg.Audio.PulseServer != config.DefaultPulseServer {
			t.Errorf("pulse_server: got %q", cfg.Audio.PulseServer)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("relay:\n  endpont: http://x\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "missing.yaml") {
		t.Errorf("error should name the file, got: %v", err)
	}
}

func TestLoadWithEnv_EmptyPath(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadWithEnv("", envMap(map[string]string{
		config.EnvBackendURL: "http://consumer:8000",
		config.EnvPort:       "9000",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Relay.Endpoint != "http://consumer:8000" {
		t.Errorf("endpoint: got %q", cfg.Relay.Endpoint)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr: got %q, want :9000", cfg.Server.ListenAddr)
	}
}

func TestLoadWithEnv_EnvOverridesFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadWithEnv(path, envMap(map[string]string{
		config.EnvMeetLink:    "https://meet.google.com/xyz-uvwx-rst",
		config.EnvDuration:    "15",
		config.EnvAudioDevice: "3",
		config.EnvLogLevel:    "DEBUG",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.MeetingURL != "https://meet.google.com/xyz-uvwx-rst" {
		t.Errorf("meeting_url: got %q", cfg.Session.MeetingURL)
	}
	if cfg.Session.DefaultDuration != 15*time.Minute {
		t.Errorf("default_duration: got %s, want 15m", cfg.Session.DefaultDuration)
	}
	if cfg.Audio.Device != "3" {
		t.Errorf("device: got %q", cfg.Audio.Device)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Relay.Endpoint != "https://transcriber.example.com" {
		t.Errorf("endpoint from file should survive: got %q", cfg.Relay.Endpoint)
	}
}

// ── Environment ──────────────────────────────────────────────────────────────

func TestApplyEnv_InvalidValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"duration not a number", map[string]string{config.EnvDuration: "soon"}, config.EnvDuration},
		{"duration zero", map[string]string{config.EnvDuration: "0"}, config.EnvDuration},
		{"port out of range", map[string]string{config.EnvPort: "70000"}, config.EnvPort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			err := config.ApplyEnv(cfg, envMap(tt.env))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %s, got: %v", tt.want, err)
			}
		})
	}
}

func TestApplyEnv_BlankValuesIgnored(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Relay: config.RelayConfig{Endpoint: "http://keep"}}
	if err := config.ApplyEnv(cfg, envMap(map[string]string{config.EnvBackendURL: "  "})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Relay.Endpoint != "http://keep" {
		t.Errorf("blank env should not override, got %q", cfg.Relay.Endpoint)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("MEETRELAY_DOTENV_TEST=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MEETRELAY_DOTENV_TEST", "")
	os.Unsetenv("MEETRELAY_DOTENV_TEST")

	if err := config.LoadDotEnv(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("MEETRELAY_DOTENV_TEST"); got != "from-file" {
		t.Errorf("got %q, want from-file", got)
	}

	if err := config.LoadDotEnv(filepath.Join(dir, "absent.env")); err != nil {
		t.Errorf("missing dotenv file should be ignored, got %v", err)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"endpoint scheme", "relay:\n  endpoint: ftp://x\n", "relay.endpoint"},
		{"endpoint host", "relay:\n  endpoint: http://\n", "relay.endpoint"},
		{"overflow policy", "audio:\n  overflow_policy: drop-all\n", "overflow_policy"},
		{"backend", "audio:\n  backends: [portaudio, alsa]\n", "audio.backends[1]"},
		{"negative ping", "relay:\n  ping_interval: -1s\n", "relay.ping_interval"},
		{"negative attempts", "relay:\n  max_reconnect_attempts: -1\n", "max_reconnect_attempts"},
		{"backoff order", "relay:\n  base_backoff: 2m\n  max_backoff: 1m\n", "base_backoff"},
		{"meeting url", "session:\n  meeting_url: not a url\n", "session.meeting_url"},
		{"keepalive url", "server:\n  keepalive_url: ws://x\n", "keepalive_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: "loud"},
		Audio:  config.AudioConfig{OverflowPolicy: "spill", Backends: []string{"jack"}},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"log_level", "overflow_policy", "audio.backends[0]"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{"", "INFO"},
	}
	for _, tt := range tests {
		if got := tt.in.Level().String(); got != tt.want {
			t.Errorf("%q.Level() = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Relay.Endpoint != "ws://localhost:8000" {
		t.Errorf("endpoint = %q", cfg.Relay.Endpoint)
	}
	if !cfg.Relay.Drain() {
		t.Error("drain_on_reconnect should be true")
	}
}
