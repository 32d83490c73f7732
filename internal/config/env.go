package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LookupFunc matches the signature of [os.LookupEnv].
type LookupFunc func(key string) (string, bool)

// Environment variables recognised by [ApplyEnv].
const (
	EnvBackendURL  = "BACKEND_URL"
	EnvMeetLink    = "GMEET_LINK"
	EnvDuration    = "DURATION_IN_MINUTES"
	EnvAudioDevice = "AUDIO_DEVICE"
	EnvPort        = "PORT"
	EnvLogLevel    = "LOG_LEVEL"
	EnvPulseServer = "PULSE_SERVER"
	EnvKeepAlive   = "KEEPALIVE_URL"
)

// LoadDotEnv loads KEY=value pairs from the given files (".env" when none
// are named) into the process environment. Variables that are already set
// win. Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load dotenv: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. Values present in the
// environment take precedence over the YAML file.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	var errs []error
	if v, ok := get(EnvBackendURL); ok {
		cfg.Relay.Endpoint = v
	}
	if v, ok := get(EnvMeetLink); ok {
		cfg.Session.MeetingURL = v
	}
	if v, ok := get(EnvDuration); ok {
		mins, err := strconv.Atoi(v)
		if err != nil || mins <= 0 {
			errs = append(errs, fmt.Errorf("%s %q must be a positive integer", EnvDuration, v))
		} else {
			cfg.Session.DefaultDuration = time.Duration(mins) * time.Minute
		}
	}
	if v, ok := get(EnvAudioDevice); ok {
		cfg.Audio.Device = v
	}
	if v, ok := get(EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %q is not a valid port", EnvPort, v))
		} else {
			cfg.Server.ListenAddr = ":" + v
		}
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := get(EnvPulseServer); ok {
		cfg.Audio.PulseServer = v
	}
	if v, ok := get(EnvKeepAlive); ok {
		cfg.Server.KeepAliveURL = v
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}
