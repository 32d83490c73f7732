package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
//
// LogLevel is applied immediately. Relay, audio and session changes take
// effect at the next session start; a running session keeps the settings it
// was started with. A listen address change requires a restart.
type ConfigDiff struct {
	LogLevelChanged   bool
	NewLogLevel       LogLevel
	ListenAddrChanged bool
	KeepAliveChanged  bool
	RelayChanged      bool
	AudioChanged      bool
	SessionChanged    bool
}

// Any reports whether any tracked field changed.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.ListenAddrChanged || d.KeepAliveChanged ||
		d.RelayChanged || d.AudioChanged || d.SessionChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ListenAddrChanged = old.Server.ListenAddr != new.Server.ListenAddr
	d.KeepAliveChanged = old.Server.KeepAliveURL != new.Server.KeepAliveURL ||
		old.Server.KeepAliveInterval != new.Server.KeepAliveInterval
	d.RelayChanged = !relayEqual(old.Relay, new.Relay)
	d.AudioChanged = !audioEqual(old.Audio, new.Audio)
	d.SessionChanged = old.Session != new.Session

	return d
}

func relayEqual(a, b RelayConfig) bool {
	return a.Endpoint == b.Endpoint &&
		a.Path == b.Path &&
		maps.Equal(a.Headers, b.Headers) &&
		a.PingInterval == b.PingInterval &&
		a.PingTimeout == b.PingTimeout &&
		a.BaseBackoff == b.BaseBackoff &&
		a.MaxBackoff == b.MaxBackoff &&
		a.MaxReconnectAttempts == b.MaxReconnectAttempts &&
		a.Drain() == b.Drain() &&
		a.StatsInterval == b.StatsInterval
}

func audioEqual(a, b AudioConfig) bool {
	return a.Device == b.Device &&
		a.MonitorSource == b.MonitorSource &&
		slices.Equal(a.Backends, b.Backends) &&
		a.SampleRate == b.SampleRate &&
		a.BlockFrames == b.BlockFrames &&
		a.QueueCapacity == b.QueueCapacity &&
		a.OverflowPolicy == b.OverflowPolicy &&
		a.PulseServer == b.PulseServer
}
