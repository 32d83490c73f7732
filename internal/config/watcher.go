package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the file.
const DefaultWatchInterval = 5 * time.Second

// fileStamp identifies one version of the config file on disk.
type fileStamp struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// Watcher polls a config file and hands every valid new version to a
// callback. An edit that fails to parse or validate is logged and skipped;
// the previous configuration stays current until the file is fixed.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	lookup   LookupFunc

	// reloadMu serialises reloads from the poll loop and Reload.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	lastErr error

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookup overlays the environment read through lookup on every reload,
// so that values pinned by environment variables survive file edits.
func WithLookup(lookup LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = lookup }
}

// NewWatcher loads path and starts polling it. The initial load must
// succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.stamp = stamp

	go w.loop()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Err returns the error that rejected the latest edit, or nil once a valid
// version has been accepted again.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Stop ends polling. It does not wait for a callback in progress.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Reload re-reads the file now, regardless of its modification time, and
// reports whether a changed configuration was applied.
func (w *Watcher) Reload() (bool, error) {
	return w.reload(true)
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			if _, err := w.reload(false); err != nil {
				slog.Warn("config: reload rejected; keeping previous configuration", "path", w.path, "err", err)
			}
		}
	}
}

func (w *Watcher) reload(force bool) (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.mu.Lock()
	prev := w.stamp
	w.mu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return false, err
		}
		if info.ModTime().Equal(prev.modTime) && info.Size() == prev.size {
			return false, nil
		}
	}

	cfg, stamp, err := w.read()
	if err != nil {
		w.mu.Lock()
		if stamp.modTime.IsZero() {
			stamp = prev
		}
		// Remember the broken version so it is not re-parsed every tick.
		w.stamp.modTime, w.stamp.size = stamp.modTime, stamp.size
		w.lastErr = err
		w.mu.Unlock()
		return false, err
	}

	w.mu.Lock()
	w.lastErr = nil
	if stamp.sum == prev.sum {
		w.stamp = stamp
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current = cfg
	w.stamp = stamp
	w.mu.Unlock()

	slog.Info("config: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

// read loads and finalises the file. The stamp is filled in as far as the
// read got, so a file that exists but does not validate still yields its
// modification time and size.
func (w *Watcher) read() (*Config, fileStamp, error) {
	var st fileStamp
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, st, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, st, err
	}
	st.modTime, st.size = info.ModTime(), info.Size()
	st.sum = sha256.Sum256(data)

	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, st, err
	}
	if err := Finalize(cfg, w.lookup); err != nil {
		return nil, st, errors.Join(errors.New("config: invalid"), err)
	}
	return cfg, st, nil
}
