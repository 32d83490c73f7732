// Package pipe captures raw PCM from an external capture utility such as
// parec, sox or arecord by reading its standard output.
//
// The subprocess is started in [Open] and owned by the returned [Source].
// Closing the source sends SIGTERM, waits up to Config.StopTimeout and then
// kills the process, so no handle outlives the session.
package pipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/MrWong99/meetrelay/pkg/audio"
)

// Default parameters.
const (
	defaultBlockSize   = 2048
	defaultStopTimeout = 5 * time.Second

	// DefaultPulseServer is exported to capture utilities when PULSE_SERVER
	// is unset in the environment.
	DefaultPulseServer = "unix:/run/pulse/native"

	// DefaultMonitorSource is the PulseAudio monitor of the virtual speaker
	// the browser plays the meeting into.
	DefaultMonitorSource = "virtual_speaker.monitor"
)

// Config describes one capture command.
type Config struct {
	// Name identifies the backend in logs and status. Defaults to Command.
	Name string

	// Command is the executable to run. Required.
	Command string

	// Args are passed to Command verbatim.
	Args []string

	// BlockSize is the number of bytes returned by each ReadFrame.
	// Defaults to 2048 (1024 mono 16-bit samples).
	BlockSize int

	// Env entries are appended to the current process environment.
	Env []string

	// PulseServer is exported as PULSE_SERVER when the process environment
	// does not set it. Defaults to [DefaultPulseServer].
	PulseServer string

	// StopTimeout bounds how long Close waits after SIGTERM before killing
	// the process. Defaults to 5s.
	StopTimeout time.Duration

	// Format is reported by the source. Defaults to [audio.DefaultFormat].
	Format audio.Format

	// Route, when non-empty, makes Open switch the PulseAudio default source
	// to this name before starting Command. The previous default is
	// restored on Close.
	Route string

	// Pactl runs pactl for routing. Defaults to the real binary.
	Pactl Runner
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = c.Command
	}
	if c.BlockSize <= 0 {
		c.BlockSize = defaultBlockSize
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.Format.SampleRate <= 0 {
		c.Format = audio.DefaultFormat
	}
	if c.PulseServer == "" {
		c.PulseServer = DefaultPulseServer
	}
	if c.Pactl == nil {
		c.Pactl = execRunner{pulse: c.PulseServer}
	}
}

// Parec returns the config for PulseAudio's parec reading device.
func Parec(device string) Config {
	if device == "" {
		device = DefaultMonitorSource
	}
	return Config{
		Name:    "pipe:parec",
		Command: "parec",
		Args: []string{
			"--format=s16le",
			"--rate=16000",
			"--channels=1",
			"--device=" + device,
		},
	}
}

// Sox returns the config for sox recording from its default device. Route
// is set so the default device is the meeting's monitor source.
func Sox(route string) Config {
	return Config{
		Name:    "pipe:sox",
		Command: "sox",
		Args: []string{
			"-q", "-d",
			"-r", "16000",
			"-c", "1",
			"-b", "16",
			"-e", "signed-integer",
			"-t", "raw", "-",
		},
		Route: route,
	}
}

// Arecord returns the config for ALSA's arecord on the given PCM device.
func Arecord(device string) Config {
	if device == "" {
		device = "pulse"
	}
	return Config{
		Name:    "pipe:arecord",
		Command: "arecord",
		Args: []string{
			"-q",
			"-D", device,
			"-f", "S16_LE",
			"-r", "16000",
			"-c", "1",
			"-t", "raw",
		},
	}
}

// Backend wraps cfg as an [audio.Backend].
func Backend(cfg Config) audio.Backend {
	name := cfg.Name
	if name == "" {
		name = cfg.Command
	}
	return audio.Backend{
		Name: name,
		Open: func(ctx context.Context) (audio.Source, error) {
			src, err := Open(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return src, nil
		},
	}
}

// Source is a running capture subprocess. It implements [audio.Source].
type Source struct {
	cfg    Config
	cmd    *exec.Cmd
	stdout *os.File
	stderr *bytes.Buffer
	cancel context.CancelFunc
	exited chan struct{}

	readMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	restore   func() error
}

// Open starts the capture command. The process lives until Close is called;
// it is not bound to ctx, which only guards the start itself.
func Open(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.Command == "" {
		return nil, errors.New("pipe: command is required")
	}
	cfg.applyDefaults()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("pipe: %s: %w", cfg.Command, err)
	}

	restore := func() error { return nil }
	if cfg.Route != "" {
		r, err := setDefaultSource(ctx, cfg.Pactl, cfg.Route)
		if err != nil {
			return nil, err
		}
		restore = r
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, cfg.Command, cfg.Args...)
	cmd.Env = captureEnv(cfg.PulseServer, cfg.Env)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = cfg.StopTimeout

	stderr := &bytes.Buffer{}
	cmd.Stderr = &limitedWriter{buf: stderr, max: 4096}

	// An explicit pipe instead of StdoutPipe: Wait must not close the read
	// end while buffered audio is still unread.
	stdout, w, err := os.Pipe()
	if err != nil {
		cancel()
		_ = restore()
		return nil, fmt.Errorf("pipe: %s: stdout: %w", cfg.Name, err)
	}
	cmd.Stdout = w
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = w.Close()
		cancel()
		_ = restore()
		return nil, fmt.Errorf("pipe: %s: start: %w", cfg.Name, err)
	}
	_ = w.Close()

	s := &Source{
		cfg:     cfg,
		cmd:     cmd,
		stdout:  stdout,
		stderr:  stderr,
		cancel:  cancel,
		exited:  make(chan struct{}),
		restore: restore,
	}
	go s.wait()

	slog.Info("pipe: capture process started",
		"backend", cfg.Name,
		"command", cfg.Command,
		"pid", cmd.Process.Pid,
		"block_size", cfg.BlockSize,
	)
	return s, nil
}

func (s *Source) wait() {
	err := s.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		slog.Debug("pipe: capture process exited", "backend", s.cfg.Name)
	case errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay):
		slog.Debug("pipe: capture process exited", "backend", s.cfg.Name, "err", err)
	default:
		slog.Warn("pipe: wait failed", "backend", s.cfg.Name, "err", err)
	}
	close(s.exited)
}

// ReadFrame implements [audio.Source]. It blocks until a full block has been
// read from the process. A short final block is returned as
// io.ErrUnexpectedEOF.
func (s *Source) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()

	buf := make([]byte, s.cfg.BlockSize)
	n, err := io.ReadFull(s.stdout, buf)
	if err == nil {
		return buf, nil
	}
	if errors.Is(err, os.ErrClosed) {
		return nil, audio.ErrClosed
	}
	if n == 0 && errors.Is(err, io.EOF) {
		if msg := s.stderrTail(); msg != "" {
			return nil, fmt.Errorf("pipe: %s exited: %s: %w", s.cfg.Name, msg, io.EOF)
		}
		return nil, io.EOF
	}
	return nil, fmt.Errorf("pipe: %s: read: %w", s.cfg.Name, err)
}

func (s *Source) stderrTail() string {
	select {
	case <-s.exited:
	case <-time.After(s.cfg.StopTimeout):
		return ""
	}
	return string(bytes.TrimSpace(s.stderr.Bytes()))
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.cfg.Format }

// Name implements [audio.Source].
func (s *Source) Name() string { return s.cfg.Name }

// Close implements [audio.Source]. It terminates the process, waits for it
// (killing it after StopTimeout) and restores PulseAudio routing. Safe to
// call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		select {
		case <-s.exited:
		case <-time.After(2*s.cfg.StopTimeout + time.Second):
			s.closeErr = fmt.Errorf("pipe: %s: process did not exit", s.cfg.Name)
		}
		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			s.closeErr = errors.Join(s.closeErr, err)
		}
		if err := s.restore(); err != nil {
			s.closeErr = errors.Join(s.closeErr, err)
		}
		slog.Info("pipe: capture process stopped", "backend", s.cfg.Name)
	})
	return s.closeErr
}

// captureEnv returns the current environment plus extra, with PULSE_SERVER
// defaulted for PulseAudio clients.
func captureEnv(pulse string, extra []string) []string {
	env := os.Environ()
	if _, ok := os.LookupEnv("PULSE_SERVER"); !ok {
		env = append(env, "PULSE_SERVER="+pulse)
	}
	return append(env, extra...)
}

// limitedWriter keeps the first max bytes written to it.
type limitedWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
