package config_test

import (
	"testing"
	"time"

	"github.com/MrWong99/meetrelay/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":10000", LogLevel: config.LogInfo},
		Relay: config.RelayConfig{
			Endpoint: "http://consumer:8000",
			Headers:  map[string]string{"X-Api-Key": "a"},
		},
		Audio:   config.AudioConfig{Backends: []string{"parec"}, QueueCapacity: 100},
		Session: config.SessionConfig{DefaultDuration: time.Hour},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Any() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want debug", d.NewLogLevel)
	}
	if d.RelayChanged || d.AudioChanged || d.SessionChanged {
		t.Errorf("unrelated sections flagged: %+v", d)
	}
}

func TestDiff_Sections(t *testing.T) {
	t.Parallel()
	no := false
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(config.ConfigDiff) bool
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9000" }, func(d config.ConfigDiff) bool { return d.ListenAddrChanged }},
		{"keepalive", func(c *config.Config) { c.Server.KeepAliveURL = "http://x" }, func(d config.ConfigDiff) bool { return d.KeepAliveChanged }},
		{"relay endpoint", func(c *config.Config) { c.Relay.Endpoint = "http://other" }, func(d config.ConfigDiff) bool { return d.RelayChanged }},
		{"relay header", func(c *config.Config) { c.Relay.Headers["X-Api-Key"] = "b" }, func(d config.ConfigDiff) bool { return d.RelayChanged }},
		{"relay drain", func(c *config.Config) { c.Relay.DrainOnReconnect = &no }, func(d config.ConfigDiff) bool { return d.RelayChanged }},
		{"audio backends", func(c *config.Config) { c.Audio.Backends = []string{"sox"} }, func(d config.ConfigDiff) bool { return d.AudioChanged }},
		{"audio queue", func(c *config.Config) { c.Audio.QueueCapacity = 10 }, func(d config.ConfigDiff) bool { return d.AudioChanged }},
		{"session duration", func(c *config.Config) { c.Session.DefaultDuration = time.Minute }, func(d config.ConfigDiff) bool { return d.SessionChanged }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !tt.check(d) {
				t.Errorf("change not detected: %+v", d)
			}
			if d.LogLevelChanged {
				t.Error("LogLevelChanged should be false")
			}
		})
	}
}

func TestDiff_DrainNilEqualsTrue(t *testing.T) {
	t.Parallel()
	yes := true
	old, new := baseConfig(), baseConfig()
	new.Relay.DrainOnReconnect = &yes
	if d := config.Diff(old, new); d.RelayChanged {
		t.Error("nil and explicit true drain policies should compare equal")
	}
}
