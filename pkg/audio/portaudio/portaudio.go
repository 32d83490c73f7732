// Package portaudio captures from native audio devices through PortAudio.
//
// Every Open call holds a reference on the PortAudio library; the library is
// terminated when the last [Source] is closed.
package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/meetrelay/pkg/audio"
)

// ErrNoDevice is returned when no enumerated device satisfies a matcher.
var ErrNoDevice = errors.New("portaudio: no matching input device")

// Config holds the stream parameters used for every device strategy.
type Config struct {
	Format      audio.Format
	BlockFrames int
}

// DefaultConfig returns mono 16 kHz capture with 1024-sample blocks.
func DefaultConfig() Config {
	return Config{
		Format:      audio.DefaultFormat,
		BlockFrames: audio.DefaultBlockFrames,
	}
}

var (
	refMu sync.Mutex
	refs  int
)

func acquire() error {
	refMu.Lock()
	defer refMu.Unlock()
	if refs == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	refs++
	return nil
}

func release() {
	refMu.Lock()
	defer refMu.Unlock()
	if refs == 0 {
		return
	}
	refs--
	if refs == 0 {
		if err := pa.Terminate(); err != nil {
			slog.Warn("portaudio: terminate", "err", err)
		}
	}
}

// listInputs returns the raw input devices alongside their audio.DeviceInfo
// views. The library must be initialised.
func listInputs() ([]*pa.DeviceInfo, []audio.DeviceInfo, error) {
	all, err := pa.Devices()
	if err != nil {
		return nil, nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	defIdx := -1
	if def, err := pa.DefaultInputDevice(); err == nil && def != nil {
		defIdx = def.Index
	}

	var raw []*pa.DeviceInfo
	var infos []audio.DeviceInfo
	for _, d := range all {
		if d.MaxInputChannels <= 0 {
			continue
		}
		raw = append(raw, d)
		infos = append(infos, audio.DeviceInfo{
			ID:         strconv.Itoa(d.Index),
			Name:       d.Name,
			Channels:   d.MaxInputChannels,
			SampleRate: d.DefaultSampleRate,
			Default:    d.Index == defIdx,
			Backend:    "portaudio",
		})
	}
	return raw, infos, nil
}

// Lister enumerates PortAudio input devices. It implements [audio.DeviceLister].
type Lister struct{}

// Devices implements [audio.DeviceLister].
func (Lister) Devices(ctx context.Context) ([]audio.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := acquire(); err != nil {
		return nil, err
	}
	defer release()
	_, infos, err := listInputs()
	return infos, err
}

// Backend returns a strategy that opens the first input device accepted by match.
func Backend(name string, match audio.DeviceMatcher, cfg Config) audio.Backend {
	return audio.Backend{
		Name: name,
		Open: func(ctx context.Context) (audio.Source, error) {
			return open(ctx, name, match, cfg)
		},
	}
}

// Backends returns the PortAudio device strategies in preference order:
// the explicit hint (if any), a "monitor" loopback device, the default input,
// and finally the first device with at most two input channels.
func Backends(hint string, cfg Config) []audio.Backend {
	var out []audio.Backend
	if hint != "" {
		out = append(out, Backend("portaudio:device", audio.MatchID(hint), cfg))
	}
	return append(out,
		Backend("portaudio:monitor", audio.MatchNameContains("monitor"), cfg),
		Backend("portaudio:default", audio.MatchDefault, cfg),
		Backend("portaudio:first-mono", audio.MatchMaxChannels(2), cfg),
	)
}

func open(ctx context.Context, name string, match audio.DeviceMatcher, cfg Config) (audio.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.BlockFrames <= 0 {
		cfg.BlockFrames = audio.DefaultBlockFrames
	}
	if cfg.Format.SampleRate <= 0 {
		cfg.Format = audio.DefaultFormat
	}
	if err := acquire(); err != nil {
		return nil, err
	}

	raw, infos, err := listInputs()
	if err != nil {
		release()
		return nil, err
	}
	idx, ok := audio.FindDevice(infos, match)
	if !ok {
		release()
		return nil, ErrNoDevice
	}
	dev := raw[idx]

	buf := make([]int16, cfg.BlockFrames*cfg.Format.Channels)
	params := pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.Format.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.Format.SampleRate),
		FramesPerBuffer: cfg.BlockFrames,
	}
	stream, err := pa.OpenStream(params, buf)
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: open %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, fmt.Errorf("portaudio: start %q: %w", dev.Name, err)
	}

	slog.Info("portaudio: capture stream opened",
		"strategy", name,
		"device", dev.Name,
		"device_index", dev.Index,
		"sample_rate", cfg.Format.SampleRate,
		"block_frames", cfg.BlockFrames,
	)

	return &Source{
		name:   name + ":" + dev.Name,
		stream: stream,
		buf:    buf,
		format: cfg.Format,
	}, nil
}

// Source is an open PortAudio input stream. It implements [audio.Source].
//
// Reads are serialised by mu. Close never waits for a read in flight: it
// aborts the stream, which returns the pending Read, and leaves the final
// stream close to whichever side holds mu last.
type Source struct {
	name   string
	format audio.Format
	closed atomic.Bool

	mu             sync.Mutex
	stream         *pa.Stream
	buf            []int16
	released       bool
	warnedOverflow sync.Once
}

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if s.closed.Load() {
			s.releaseLocked()
		}
	}()
	if s.closed.Load() {
		return nil, audio.ErrClosed
	}

	if err := s.stream.Read(); err != nil {
		if s.closed.Load() {
			return nil, audio.ErrClosed
		}
		if !errors.Is(err, pa.InputOverflowed) {
			return nil, fmt.Errorf("portaudio: read: %w", err)
		}
		s.warnedOverflow.Do(func() {
			slog.Warn("portaudio: input overflow, samples were lost", "source", s.name)
		})
	}

	out := make([]byte, len(s.buf)*2)
	for i, v := range s.buf {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out, nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Name implements [audio.Source].
func (s *Source) Name() string { return s.name }

// Close implements [audio.Source]. It returns without waiting for a read in
// flight; that read closes the stream when it returns.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := s.stream.Abort(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: abort: %w", err))
	}
	if s.mu.TryLock() {
		errs = append(errs, s.releaseLocked())
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// releaseLocked closes the stream once. s.mu must be held.
func (s *Source) releaseLocked() error {
	if s.released {
		return nil
	}
	s.released = true
	defer release()
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("portaudio: close: %w", err)
	}
	return nil
}
