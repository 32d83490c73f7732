// Package app wires all meetrelay subsystems into a running service.
//
// The Controller owns the bot lifecycle (capture, relay, meeting join). The
// App puts the HTTP control surface, health probes, metrics endpoint and the
// keep-alive pinger around it: New builds everything, Run serves until the
// context ends, and Shutdown stops the active session.
//
// For testing, inject capture strategies and a meeting joiner through
// [WithControllerOptions], and drive the HTTP surface through [App.Handler].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetrelay/internal/api"
	"github.com/MrWong99/meetrelay/internal/capture"
	"github.com/MrWong99/meetrelay/internal/config"
	"github.com/MrWong99/meetrelay/internal/health"
	"github.com/MrWong99/meetrelay/internal/observe"
	"github.com/MrWong99/meetrelay/pkg/audio"
)

const (
	readHeaderTimeout     = 10 * time.Second
	serverShutdownTimeout = 5 * time.Second
)

// App is the meetrelay service.
type App struct {
	cfg       *config.Config
	ctrl      *Controller
	devices   audio.DeviceLister
	level     *slog.LevelVar
	version   string
	metrics   *observe.Metrics
	ctrlOpts  []ControllerOption
	keepAlive *KeepAlive
	handler   http.Handler
	startedAt time.Time

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for [New].
type Option func(*App)

// WithControllerOptions passes opts to the session controller.
func WithControllerOptions(opts ...ControllerOption) Option {
	return func(a *App) { a.ctrlOpts = append(a.ctrlOpts, opts...) }
}

// WithDevices sets the lister behind GET /audio-devices.
func WithDevices(l audio.DeviceLister) Option {
	return func(a *App) { a.devices = l }
}

// WithLevelVar lets configuration reloads change the log level.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithVersion sets the version reported by the service index.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithAppMetrics sets the metrics sink for the controller and the HTTP
// middleware. Default: [observe.DefaultMetrics].
func WithAppMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCloser registers fn to run during Shutdown, after the session stops.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. It performs no I/O; the listener is opened by
// Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	a := &App{
		cfg:       cfg,
		version:   "dev",
		startedAt: time.Now(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	ctrlOpts := append([]ControllerOption{WithMetrics(a.metrics)}, a.ctrlOpts...)
	a.ctrl = NewController(cfg, ctrlOpts...)

	if cfg.Server.KeepAliveURL != "" {
		a.keepAlive = NewKeepAlive(cfg.Server.KeepAliveURL, cfg.Server.KeepAliveInterval, nil)
	}

	mux := http.NewServeMux()
	api.New(controlAPI{a.ctrl}, a.devices, a.version).Register(mux)
	health.New(a.healthInfo,
		health.Checker{Name: "bot", Check: a.checkBot},
		health.Checker{Name: "relay_endpoint", Check: a.checkEndpoint},
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)

	return a, nil
}

// Controller returns the session controller.
func (a *App) Controller() *Controller { return a.ctrl }

// Handler returns the HTTP handler serving the control API, health probes
// and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled, then shuts the server down
// gracefully. The keep-alive pinger runs alongside when configured.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("control API listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})
	if a.keepAlive != nil {
		g.Go(func() error {
			a.keepAlive.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// OnConfigChange applies a reloaded configuration. It is meant to be passed
// to [config.NewWatcher].
func (a *App) OnConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Any() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RelayChanged || d.AudioChanged || d.SessionChanged {
		slog.Info("configuration updated; applies to the next session",
			"relay", d.RelayChanged,
			"audio", d.AudioChanged,
			"session", d.SessionChanged,
		)
	}
	if d.ListenAddrChanged || d.KeepAliveChanged {
		slog.Warn("server settings changed; restart to apply",
			"listen_addr", d.ListenAddrChanged,
			"keepalive", d.KeepAliveChanged,
		)
	}
	a.ctrl.Reconfigure(new)
}

// ─── Health ──────────────────────────────────────────────────────────────────

func (a *App) healthInfo() health.Info {
	snap := a.ctrl.Status()
	info := health.Info{
		Service:       "meetrelay",
		BotState:      snap.State.String(),
		UptimeSeconds: time.Since(a.startedAt).Seconds(),
	}
	if snap.State.Active() {
		info.CurrentMeeting = snap.Target
	}
	if a.keepAlive != nil {
		if last, ok := a.keepAlive.Last(); ok {
			info.LastHealthCheck = &last
		}
	}
	return info
}

func (a *App) checkBot(context.Context) error {
	snap := a.ctrl.Status()
	if snap.State == StateError {
		return fmt.Errorf("last session failed: %s", snap.LastError)
	}
	return nil
}

func (a *App) checkEndpoint(context.Context) error {
	if a.ctrl.Config().Relay.Endpoint == "" {
		return errors.New("relay endpoint not configured")
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session and runs the registered closers. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.ctrl.Stop(ctx); err != nil {
			slog.Warn("stop session error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── API adapter ─────────────────────────────────────────────────────────────

// controlAPI adapts the Controller to [api.Controller].
type controlAPI struct{ c *Controller }

func (a controlAPI) Start(ctx context.Context, meetingURL string, limit time.Duration) (string, error) {
	id, err := a.c.Start(ctx, meetingURL, limit)
	return id, apiError(err)
}

func (a controlAPI) Stop(ctx context.Context) error {
	return a.c.Stop(ctx)
}

func (a controlAPI) Status() api.Status {
	snap := a.c.Status()
	st := api.Status{
		Status:          snap.State.String(),
		IsRunning:       snap.State == StateRunning,
		SessionID:       snap.SessionID,
		Uptime:          snap.Elapsed.Seconds(),
		DurationMinutes: snap.Limit.Minutes(),
		CaptureBackend:  snap.Backend,
		Connected:       snap.Connected,
		ConnectionState: snap.ConnectionState,
		BytesSent:       snap.BytesSent,
		FramesSent:      snap.FramesSent,
		FramesCaptured:  snap.FramesCaptured,
		FramesDropped:   snap.FramesDropped,
		QueueLen:        snap.QueueLen,
		Reconnects:      snap.Reconnects,
		ReconnectTries:  snap.ReconnectAttempts,
		LastError:       snap.LastError,
	}
	if snap.State.Active() {
		st.CurrentMeeting = snap.Target
	}
	if !snap.LastActivity.IsZero() {
		t := snap.LastActivity
		st.LastActivity = &t
	}
	return st
}

// apiError maps controller errors onto HTTP responses.
func apiError(err error) error {
	if err == nil {
		return nil
	}
	var (
		startErr *StartError
		devErr   *capture.DeviceError
	)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		return &api.Error{Code: http.StatusBadRequest, Message: "Bot is already running", Err: err}
	case errors.As(err, &startErr):
		msg := "Invalid " + startErr.Field
		if errors.Is(err, ErrNotConfigured) {
			msg = startErr.Field + " is not configured"
		}
		return &api.Error{Code: http.StatusBadRequest, Message: msg, Err: err}
	case errors.As(err, &devErr):
		return &api.Error{Code: http.StatusServiceUnavailable, Message: "No capture device available", Err: err}
	case errors.Is(err, context.Canceled):
		return &api.Error{Code: http.StatusConflict, Message: "Start interrupted by stop", Err: err}
	}
	return err
}
