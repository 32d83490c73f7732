// Package mock provides in-memory implementations of [audio.Source] and
// [audio.DeviceLister] for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so that tests can
// assert on them, and expose exported fields that control behaviour.
//
// Typical usage:
//
//	src := &mock.Source{
//	    Frames:   [][]byte{make([]byte, 2048), make([]byte, 2048)},
//	    Interval: 10 * time.Millisecond,
//	}
//	backend := mock.Backend("synthetic", src, nil)
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/meetrelay/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a scripted [audio.Source].
//
// ReadFrame returns Frames in order, sleeping Interval before each one. When
// Frames is exhausted it either synthesises silence forever (Endless), returns
// ReadError if set, or blocks until Close and then returns io.EOF.
type Source struct {
	// Frames are delivered in order before any other behaviour applies.
	Frames [][]byte

	// Interval paces reads to emulate a real-time device. Zero means no delay.
	Interval time.Duration

	// Endless makes the source emit zeroed blocks of BlockSize bytes after
	// Frames runs out.
	Endless bool

	// BlockSize is the size of synthesised blocks. Defaults to 2048.
	BlockSize int

	// ReadError is returned once Frames is exhausted (ignored when Endless).
	ReadError error

	// CloseError is returned by Close.
	CloseError error

	// SourceName is returned by Name. Defaults to "mock".
	SourceName string

	mu        sync.Mutex
	next      int
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	// CallCountRead records how many times ReadFrame returned a frame.
	CallCountRead int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

func (s *Source) doneCh() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame(ctx context.Context) ([]byte, error) {
	done := s.doneCh()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Interval > 0 {
		t := time.NewTimer(s.Interval)
		select {
		case <-t.C:
		case <-done:
			t.Stop()
			return nil, audio.ErrClosed
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, audio.ErrClosed
	}
	if s.next < len(s.Frames) {
		f := s.Frames[s.next]
		s.next++
		s.CallCountRead++
		s.mu.Unlock()
		out := make([]byte, len(f))
		copy(out, f)
		return out, nil
	}
	if s.Endless {
		s.CallCountRead++
		size := s.BlockSize
		s.mu.Unlock()
		if size <= 0 {
			size = 2048
		}
		return make([]byte, size), nil
	}
	readErr := s.ReadError
	s.mu.Unlock()

	if readErr != nil {
		return nil, readErr
	}
	select {
	case <-done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return audio.DefaultFormat }

// Name implements [audio.Source].
func (s *Source) Name() string {
	if s.SourceName == "" {
		return "mock"
	}
	return s.SourceName
}

// Close implements [audio.Source]. Returns CloseError.
func (s *Source) Close() error {
	done := s.doneCh()
	s.mu.Lock()
	s.CallCountClose++
	s.closed = true
	err := s.CloseError
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(done) })
	return err
}

// Closed reports whether Close has been called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Reads returns the number of frames delivered so far.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountRead
}

// ─── Backend ─────────────────────────────────────────────────────────────────

// Backend returns an [audio.Backend] that yields src, or openErr when non-nil.
func Backend(name string, src audio.Source, openErr error) audio.Backend {
	return audio.Backend{
		Name: name,
		Open: func(ctx context.Context) (audio.Source, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if openErr != nil {
				return nil, openErr
			}
			return src, nil
		},
	}
}

// ─── DeviceLister ────────────────────────────────────────────────────────────

// DeviceLister is a mock [audio.DeviceLister].
type DeviceLister struct {
	// Result is returned by Devices.
	Result []audio.DeviceInfo

	// Err is returned by Devices.
	Err error
}

// Devices implements [audio.DeviceLister].
func (d *DeviceLister) Devices(context.Context) ([]audio.DeviceInfo, error) {
	return d.Result, d.Err
}
