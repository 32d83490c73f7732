// Package audio defines the capture-side abstractions shared by every audio
// backend in meetrelay.
//
// The primary abstractions are:
//
//   - [Source]: an opened capture stream yielding raw PCM blocks.
//   - [Backend]: a named way of opening a Source. An ordered list of backends
//     forms the device-selection strategy; the first one that opens wins.
//
// Implementations live in backend packages (audio/portaudio, audio/pipe). The
// interfaces are kept narrow so the capture pump never needs to know which
// backend produced the data.
package audio

import (
	"context"
	"errors"
)

// ErrClosed is returned by [Source.ReadFrame] after the source has been closed.
var ErrClosed = errors.New("audio: source closed")

// Source is an opened capture stream.
//
// ReadFrame blocks until one block of PCM is available and returns a fresh
// slice owned by the caller. ctx is checked before each read; a read already
// blocked in the device or pipe is interrupted by Close, not by ctx.
//
// Close releases the underlying device or subprocess. It is safe to call more
// than once and concurrently with ReadFrame.
type Source interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Format() Format
	Name() string
	Close() error
}

// Backend names one strategy for opening a [Source].
type Backend struct {
	// Name identifies the strategy in logs and status output
	// (e.g. "portaudio:monitor", "pipe:parec").
	Name string

	// Open attempts to acquire the device. It must release anything it
	// acquired before returning a non-nil error.
	Open func(ctx context.Context) (Source, error)
}

// DeviceInfo describes a capture-capable device reported by a backend.
type DeviceInfo struct {
	// ID is the backend-specific selector accepted as a device hint.
	ID string `json:"id"`

	// Name is the human-readable device name.
	Name string `json:"name"`

	// Channels is the maximum number of input channels.
	Channels int `json:"channels"`

	// SampleRate is the device's default sample rate in Hz.
	SampleRate float64 `json:"sample_rate"`

	// Default reports whether this is the host's default input device.
	Default bool `json:"default"`

	// Backend names the family that reported the device.
	Backend string `json:"backend,omitempty"`
}

// DeviceLister enumerates capture devices.
type DeviceLister interface {
	Devices(ctx context.Context) ([]DeviceInfo, error)
}
