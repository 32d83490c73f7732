package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	keepAliveTimeout    = 10 * time.Second
	keepAliveRetryDelay = time.Minute
)

// KeepAlive periodically fetches a URL, usually the service's own health
// endpoint, so that hosting platforms which idle out quiet services keep it
// awake. It records the time of the last successful check.
type KeepAlive struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu      sync.Mutex
	last    time.Time
	lastErr error
}

// NewKeepAlive returns a pinger for url. A nil client uses one with a 10s
// timeout; a non-positive interval means 10 minutes.
func NewKeepAlive(url string, interval time.Duration, client *http.Client) *KeepAlive {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: keepAliveTimeout}
	}
	return &KeepAlive{url: url, interval: interval, client: client}
}

// Run pings every interval until ctx is done. After a failure the next
// attempt comes sooner, after at most a minute.
func (k *KeepAlive) Run(ctx context.Context) {
	slog.Info("keep-alive started", "url", k.url, "interval", k.interval)
	t := time.NewTimer(k.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		next := k.interval
		if err := k.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("keep-alive ping failed", "url", k.url, "err", err)
			next = min(k.interval, keepAliveRetryDelay)
		}
		t.Reset(next)
	}
}

// Ping performs one GET and records the outcome.
func (k *KeepAlive) Ping(ctx context.Context) error {
	err := k.ping(ctx)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastErr = err
	if err == nil {
		k.last = time.Now()
		slog.Debug("keep-alive ping ok", "url", k.url)
	}
	return err
}

func (k *KeepAlive) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return fmt.Errorf("app: keep-alive request: %w", err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("app: keep-alive: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("app: keep-alive: unexpected status %s", resp.Status)
	}
	return nil
}

// Last returns the time of the last successful ping.
func (k *KeepAlive) Last() (time.Time, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.last, !k.last.IsZero()
}

// Err returns the outcome of the most recent ping.
func (k *KeepAlive) Err() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastErr
}
