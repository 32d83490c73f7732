// Package config provides the configuration schema, loader, environment
// overlay and hot-reload watcher for meetrelay.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the meetrelay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unknown or empty values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":10000"
	DefaultKeepAliveInterval = 10 * time.Minute
	DefaultSessionDuration   = 60 * time.Minute
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultPulseServer       = "unix:/run/pulse/native"
)

// Config is the root configuration structure for meetrelay.
// It is typically loaded from a YAML file using [Load] or [LoadWithEnv].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Audio   AudioConfig   `yaml:"audio"`
	Session SessionConfig `yaml:"session"`
}

// ServerConfig holds the control API listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on. Default ":10000".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// KeepAliveURL, when set, is fetched every KeepAliveInterval so that
	// hosting platforms which idle out quiet services keep this one awake.
	KeepAliveURL string `yaml:"keepalive_url"`

	// KeepAliveInterval defaults to 10 minutes.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
}

// RelayConfig configures the outbound audio stream. Zero values take the
// relay package defaults (20s ping, 10s pong timeout, 5s→60s backoff, 10
// attempts).
type RelayConfig struct {
	// Endpoint is the consumer's base URL (env BACKEND_URL). Required to
	// start a session.
	Endpoint string `yaml:"endpoint"`

	// Path is appended to Endpoint. Default "/stream/audio".
	Path string `yaml:"path"`

	// Headers are added to the WebSocket handshake.
	Headers map[string]string `yaml:"headers"`

	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	BaseBackoff          time.Duration `yaml:"base_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	// DrainOnReconnect discards frames queued while disconnected. Default true.
	DrainOnReconnect *bool `yaml:"drain_on_reconnect"`

	// StatsInterval is the period of the throughput log. Default 30s.
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// Drain reports the effective drain-on-reconnect policy.
func (r RelayConfig) Drain() bool {
	return r.DrainOnReconnect == nil || *r.DrainOnReconnect
}

// AudioConfig configures capture.
type AudioConfig struct {
	// Device is an explicit capture device id or name (env AUDIO_DEVICE).
	Device string `yaml:"device"`

	// MonitorSource is the PulseAudio monitor read by the pipe backends.
	// Default "virtual_speaker.monitor".
	MonitorSource string `yaml:"monitor_source"`

	// Backends lists capture backend families in preference order. See
	// [ValidBackends]. Empty means portaudio, parec, sox.
	Backends []string `yaml:"backends"`

	// SampleRate in Hz. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// BlockFrames is the number of samples per captured frame. Default 1024.
	BlockFrames int `yaml:"block_frames"`

	// QueueCapacity bounds the frame queue. Default 100.
	QueueCapacity int `yaml:"queue_capacity"`

	// OverflowPolicy is "drop-newest" (default) or "drop-oldest".
	OverflowPolicy string `yaml:"overflow_policy"`

	// PulseServer is exported to capture subprocesses when PULSE_SERVER is
	// not already set. Default "unix:/run/pulse/native".
	PulseServer string `yaml:"pulse_server"`
}

// SessionConfig holds per-session defaults.
type SessionConfig struct {
	// MeetingURL is used when a start request carries none (env GMEET_LINK).
	MeetingURL string `yaml:"meeting_url"`

	// DefaultDuration limits sessions started without an explicit
	// duration (env DURATION_IN_MINUTES). Default 60 minutes.
	DefaultDuration time.Duration `yaml:"default_duration"`

	// ShutdownTimeout bounds how long Stop waits for the capture and relay
	// goroutines before force-closing them. Default 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ApplyDefaults fills zero-valued fields owned by this package.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.KeepAliveInterval <= 0 {
		cfg.Server.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.BlockFrames <= 0 {
		cfg.Audio.BlockFrames = 1024
	}
	if cfg.Audio.QueueCapacity <= 0 {
		cfg.Audio.QueueCapacity = 100
	}
	if cfg.Audio.OverflowPolicy == "" {
		cfg.Audio.OverflowPolicy = "drop-newest"
	}
	if cfg.Audio.PulseServer == "" {
		cfg.Audio.PulseServer = DefaultPulseServer
	}
	if cfg.Session.DefaultDuration <= 0 {
		cfg.Session.DefaultDuration = DefaultSessionDuration
	}
	if cfg.Session.ShutdownTimeout <= 0 {
		cfg.Session.ShutdownTimeout = DefaultShutdownTimeout
	}
}
