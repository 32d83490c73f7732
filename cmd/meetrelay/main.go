// Command meetrelay captures meeting audio and relays it to a consumer over
// WebSocket. By default it serves the HTTP control API; with
// RUN_AS_SERVER=false it runs a single session and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/meetrelay/internal/app"
	"github.com/MrWong99/meetrelay/internal/capture"
	"github.com/MrWong99/meetrelay/internal/capture/backends"
	"github.com/MrWong99/meetrelay/internal/config"
	"github.com/MrWong99/meetrelay/internal/meet"
	"github.com/MrWong99/meetrelay/internal/observe"
	"github.com/MrWong99/meetrelay/pkg/audio"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	meetLink := flag.String("meet-link", "", "meeting URL for a one-shot session")
	duration := flag.Int("duration", 0, "one-shot session length in minutes")
	server := flag.Bool("server", false, "serve the HTTP control API")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "meetrelay: %v\n", err)
		return 1
	}
	cfg, err := config.LoadWithEnv(*configPath, os.LookupEnv)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "meetrelay: config file %q not found; copy configs/example.yaml or omit -config\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "meetrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	serverMode := *server || runAsServer()
	slog.Info("meetrelay starting",
		"version", version,
		"config", *configPath,
		"server_mode", serverMode,
		"endpoint", cfg.Relay.Endpoint,
		"backends", cfg.Audio.Backends,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	application, err := app.New(cfg,
		app.WithVersion(version),
		app.WithLevelVar(level),
		app.WithDevices(backends.Devices(cfg.Audio.PulseServer)),
		app.WithControllerOptions(
			app.WithStrategies(strategies),
			app.WithBreakers(capture.NewBreakers(capture.BreakerConfig{})),
			app.WithJoiner(&meet.Noop{}),
		),
		app.WithCloser(func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return otelShutdown(sctx)
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, application.OnConfigChange, config.WithLookup(os.LookupEnv))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			go reloadOnHangup(ctx, w)
		}
	}

	code := 0
	if serverMode {
		slog.Info("server ready, press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
			code = 1
		}
	} else {
		code = oneShot(ctx, application, *meetLink, time.Duration(*duration)*time.Minute)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// oneShot runs a single session and waits for it to end.
func oneShot(ctx context.Context, a *app.App, meetLink string, limit time.Duration) int {
	ctrl := a.Controller()
	id, err := ctrl.Start(ctx, meetLink, limit)
	if err != nil {
		slog.Error("failed to start session", "err", err)
		return 1
	}
	slog.Info("recording meeting", "session_id", id)

	err = ctrl.Wait(ctx)
	if errors.Is(err, app.ErrNotRunning) {
		// The session ended before Wait observed it.
		if snap := ctrl.Status(); snap.State == app.StateError {
			err = errors.New(snap.LastError)
		} else {
			err = nil
		}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("interrupted, stopping session")
			return 0
		}
		slog.Error("session failed", "session_id", id, "err", err)
		return 1
	}
	slog.Info("finished recording meeting", "session_id", id)
	return 0
}

// reloadOnHangup re-reads the config file on SIGHUP.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			applied, err := w.Reload()
			if err != nil {
				slog.Warn("config reload rejected", "err", err)
				continue
			}
			slog.Info("config reload requested", "changed", applied)
		}
	}
}

// runAsServer reports the RUN_AS_SERVER setting; anything other than
// "false" keeps the control API.
func runAsServer() bool {
	v, ok := os.LookupEnv("RUN_AS_SERVER")
	return !ok || !strings.EqualFold(strings.TrimSpace(v), "false")
}

func strategies(a config.AudioConfig) []capture.Strategy {
	return backends.Plan(backends.Config{
		Device:        a.Device,
		MonitorSource: a.MonitorSource,
		Backends:      a.Backends,
		PulseServer:   a.PulseServer,
		Format:        audio.Format{SampleRate: a.SampleRate, Channels: 1},
		BlockFrames:   a.BlockFrames,
	})
}
