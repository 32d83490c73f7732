package pipe

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/MrWong99/meetrelay/pkg/audio"
)

// Runner executes pactl with the given arguments and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// RunnerFunc adapts a function to [Runner].
type RunnerFunc func(ctx context.Context, args ...string) (string, error)

// Run implements [Runner].
func (f RunnerFunc) Run(ctx context.Context, args ...string) (string, error) {
	return f(ctx, args...)
}

type execRunner struct{ pulse string }

func (e execRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "pactl", args...)
	cmd.Env = captureEnv(e.pulse, nil)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pactl %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// setDefaultSource points the PulseAudio default source at name and returns a
// func that restores the previous default. An unknown previous default makes
// the restore func a no-op.
func setDefaultSource(ctx context.Context, r Runner, name string) (func() error, error) {
	prev, err := r.Run(ctx, "get-default-source")
	if err != nil {
		slog.Debug("pipe: could not read default source", "err", err)
		prev = ""
	}
	if prev == name {
		return func() error { return nil }, nil
	}
	if _, err := r.Run(ctx, "set-default-source", name); err != nil {
		return nil, fmt.Errorf("pipe: route to %q: %w", name, err)
	}
	slog.Info("pipe: default source changed", "source", name, "previous", prev)

	return func() error {
		if prev == "" {
			return nil
		}
		if _, err := r.Run(context.Background(), "set-default-source", prev); err != nil {
			return fmt.Errorf("pipe: restore default source %q: %w", prev, err)
		}
		slog.Info("pipe: default source restored", "source", prev)
		return nil
	}, nil
}

// SourceLister enumerates PulseAudio sources via `pactl list short sources`.
// Source names are valid device hints for the parec backend.
type SourceLister struct {
	// PulseServer defaults to [DefaultPulseServer].
	PulseServer string

	// Pactl overrides the pactl runner, for tests.
	Pactl Runner
}

// Devices implements [audio.DeviceLister].
func (l SourceLister) Devices(ctx context.Context) ([]audio.DeviceInfo, error) {
	r := l.Pactl
	if r == nil {
		pulse := l.PulseServer
		if pulse == "" {
			pulse = DefaultPulseServer
		}
		r = execRunner{pulse: pulse}
	}
	out, err := r.Run(ctx, "list", "short", "sources")
	if err != nil {
		return nil, fmt.Errorf("pipe: list sources: %w", err)
	}
	return parseSources(out), nil
}

// parseSources reads the tab-separated short listing:
// index, name, driver, sample spec, state.
func parseSources(out string) []audio.DeviceInfo {
	var devs []audio.DeviceInfo
	for line := range strings.Lines(out) {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) < 2 || fields[1] == "" {
			continue
		}
		d := audio.DeviceInfo{ID: fields[1], Name: fields[1], Backend: "pulse"}
		if len(fields) >= 4 {
			for _, tok := range strings.Fields(fields[3]) {
				if n, ok := strings.CutSuffix(tok, "ch"); ok {
					d.Channels, _ = strconv.Atoi(n)
				} else if n, ok := strings.CutSuffix(tok, "Hz"); ok {
					d.SampleRate, _ = strconv.ParseFloat(n, 64)
				}
			}
		}
		devs = append(devs, d)
	}
	return devs
}
