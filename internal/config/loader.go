package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/meetrelay/internal/framequeue"
)

// ValidBackends lists the capture backend families understood by the
// capture planner. Used by [Validate] to warn about unrecognised names.
var ValidBackends = []string{"portaudio", "parec", "sox", "arecord"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv reads the YAML file at path, overlays environment variables
// obtained through lookup (see [ApplyEnv]), fills defaults and validates.
// An empty path starts from an empty configuration so that a deployment
// can be driven entirely from the environment. A nil lookup skips the
// overlay.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		cfg, err = decode(f)
		if err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := Finalize(cfg, lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Finalize(cfg, nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize overlays the environment (when lookup is non-nil), applies
// defaults and validates cfg in place.
func Finalize(cfg *Config, lookup LookupFunc) error {
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return err
		}
	}
	ApplyDefaults(cfg)
	return Validate(cfg)
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.KeepAliveURL != "" {
		if err := checkURL(cfg.Server.KeepAliveURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("server.keepalive_url: %w", err))
		}
	}
	if cfg.Server.KeepAliveInterval < 0 {
		errs = append(errs, fmt.Errorf("server.keepalive_interval must not be negative"))
	}

	// Relay
	if cfg.Relay.Endpoint == "" {
		slog.Warn("relay.endpoint is empty; sessions cannot start until BACKEND_URL is set")
	} else if err := checkURL(cfg.Relay.Endpoint, "http", "https", "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("relay.endpoint: %w", err))
	}
	for name, d := range map[string]int64{
		"relay.ping_interval": int64(cfg.Relay.PingInterval),
		"relay.ping_timeout":  int64(cfg.Relay.PingTimeout),
		"relay.base_backoff":  int64(cfg.Relay.BaseBackoff),
		"relay.max_backoff":   int64(cfg.Relay.MaxBackoff),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if cfg.Relay.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("relay.max_reconnect_attempts must not be negative"))
	}
	if cfg.Relay.BaseBackoff > 0 && cfg.Relay.MaxBackoff > 0 && cfg.Relay.BaseBackoff > cfg.Relay.MaxBackoff {
		errs = append(errs, fmt.Errorf("relay.base_backoff %s exceeds relay.max_backoff %s", cfg.Relay.BaseBackoff, cfg.Relay.MaxBackoff))
	}

	// Audio
	if _, err := framequeue.ParsePolicy(cfg.Audio.OverflowPolicy); err != nil {
		errs = append(errs, fmt.Errorf("audio.overflow_policy: %w", err))
	}
	if cfg.Audio.SampleRate != 0 && cfg.Audio.SampleRate != 16000 {
		slog.Warn("audio.sample_rate differs from 16000; the consumer must be configured to match",
			"sample_rate", cfg.Audio.SampleRate,
		)
	}
	for i, b := range cfg.Audio.Backends {
		if !slices.Contains(ValidBackends, b) {
			errs = append(errs, fmt.Errorf("audio.backends[%d] %q is invalid; valid values: %v", i, b, ValidBackends))
		}
	}

	// Session
	if cfg.Session.MeetingURL != "" {
		if err := checkURL(cfg.Session.MeetingURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("session.meeting_url: %w", err))
		}
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q is not one of %v", u.Scheme, schemes)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
