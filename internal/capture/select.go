// Package capture chooses an audio backend for a session and pumps its
// frames into the frame queue.
//
// Backends are tried in a fixed order (see [Plan]); the first one that opens
// wins. Individual open failures are logged and absorbed; only exhausting
// the whole list is an error.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/meetrelay/internal/observe"
	"github.com/MrWong99/meetrelay/pkg/audio"
)

// ErrNoneAvailable is returned (wrapped in a [*DeviceError]) when no capture
// strategy could be opened.
var ErrNoneAvailable = errors.New("capture: no audio source available")

// Strategy is one way of opening a capture source.
type Strategy = audio.Backend

// Attempt records one failed strategy.
type Attempt struct {
	Strategy string
	Err      error
}

// DeviceError reports that every capture strategy failed. It matches
// [ErrNoneAvailable] with errors.Is and exposes each attempt's cause.
type DeviceError struct {
	Attempts []Attempt
}

func (e *DeviceError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrNoneAvailable.Error() + ": no strategies configured"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Strategy + ": " + a.Err.Error()
	}
	return fmt.Sprintf("%s (tried %d): %s", ErrNoneAvailable, len(e.Attempts), strings.Join(parts, "; "))
}

// Unwrap exposes ErrNoneAvailable and the individual attempt errors.
func (e *DeviceError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	errs = append(errs, ErrNoneAvailable)
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Select opens the first strategy that succeeds. Cancelling ctx stops the
// search and returns ctx's error. Open latencies are recorded to m when it
// is non-nil.
func Select(ctx context.Context, strategies []Strategy, m *observe.Metrics) (audio.Source, error) {
	var attempts []Attempt
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		src, err := s.Open(ctx)
		if m != nil {
			m.RecordCaptureOpen(ctx, s.Name, time.Since(start).Seconds(), err)
		}
		if err == nil {
			slog.Info("capture: source opened", "strategy", s.Name, "source", src.Name())
			return src, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		slog.Debug("capture: strategy failed, trying next", "strategy", s.Name, "err", err)
		attempts = append(attempts, Attempt{Strategy: s.Name, Err: err})
	}
	return nil, &DeviceError{Attempts: attempts}
}
