// Package backends builds the concrete capture strategy list from
// configuration. It is the only package that links the native PortAudio
// backend.
package backends

import (
	"github.com/MrWong99/meetrelay/internal/capture"
	"github.com/MrWong99/meetrelay/pkg/audio"
	"github.com/MrWong99/meetrelay/pkg/audio/pipe"
	"github.com/MrWong99/meetrelay/pkg/audio/portaudio"
)

// Backend family names accepted in Config.Backends.
const (
	BackendPortAudio = "portaudio"
	BackendParec     = "parec"
	BackendSox       = "sox"
	BackendArecord   = "arecord"
)

// DefaultBackends is the family order used when none is configured.
var DefaultBackends = []string{BackendPortAudio, BackendParec, BackendSox}

// Config selects and parameterises capture strategies.
type Config struct {
	// Device is an optional explicit device id or name. It is tried first
	// by the PortAudio family and used as the device for parec/arecord.
	Device string

	// MonitorSource is the PulseAudio monitor the pipe backends read.
	MonitorSource string

	// Backends lists backend families in preference order. Unknown names
	// are ignored. Empty means [DefaultBackends].
	Backends []string

	// PulseServer is passed to the pipe backends; see [pipe.Config].
	PulseServer string

	Format      audio.Format
	BlockFrames int
}

// Plan expands cfg into the ordered list of strategies for [capture.Select]:
// PortAudio (explicit device, monitor device, default device, first mono
// device) followed by the subprocess pipes.
func Plan(cfg Config) []capture.Strategy {
	families := cfg.Backends
	if len(families) == 0 {
		families = DefaultBackends
	}
	if cfg.Format.SampleRate <= 0 {
		cfg.Format = audio.DefaultFormat
	}
	if cfg.BlockFrames <= 0 {
		cfg.BlockFrames = audio.DefaultBlockFrames
	}
	monitor := cfg.MonitorSource
	if monitor == "" {
		monitor = pipe.DefaultMonitorSource
	}
	blockSize := cfg.Format.BlockBytes(cfg.BlockFrames)

	var out []capture.Strategy
	for _, fam := range families {
		switch fam {
		case BackendPortAudio:
			out = append(out, portaudio.Backends(cfg.Device, portaudio.Config{
				Format:      cfg.Format,
				BlockFrames: cfg.BlockFrames,
			})...)
		case BackendParec:
			dev := monitor
			if cfg.Device != "" {
				dev = cfg.Device
			}
			out = append(out, pipe.Backend(cfg.pipeConfig(pipe.Parec(dev), blockSize)))
		case BackendSox:
			out = append(out, pipe.Backend(cfg.pipeConfig(pipe.Sox(monitor), blockSize)))
		case BackendArecord:
			out = append(out, pipe.Backend(cfg.pipeConfig(pipe.Arecord(cfg.Device), blockSize)))
		}
	}
	return out
}

func (cfg Config) pipeConfig(c pipe.Config, size int) pipe.Config {
	c.BlockSize = size
	c.Format = cfg.Format
	c.PulseServer = cfg.PulseServer
	return c
}

// Devices returns the lister used by the /audio-devices endpoint: PortAudio
// input devices followed by PulseAudio sources.
func Devices(pulseServer string) audio.DeviceLister {
	return capture.Listers{portaudio.Lister{}, pipe.SourceLister{PulseServer: pulseServer}}
}
