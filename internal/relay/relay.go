// Package relay streams captured audio frames to the remote consumer over a
// single long-lived WebSocket.
//
// A [Relay] owns at most one connection at a time. [Relay.Run] drains the
// frame queue into it, and on any send or liveness failure runs the
// reconnect loop: wait [Backoff], dial, drain stale frames, resume. Each
// message is one capture block of raw s16le PCM with no framing.
//
// State transitions:
//
//	DISCONNECTED → CONNECTING → CONNECTED ⇄ RECONNECTING
//	any → CLOSED (Close, or reconnect attempts exhausted)
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/meetrelay/internal/framequeue"
	"github.com/MrWong99/meetrelay/internal/observe"
	"github.com/MrWong99/meetrelay/pkg/audio"
)

var (
	// ErrRetriesExhausted is returned by Run after MaxReconnectAttempts
	// consecutive failed dials.
	ErrRetriesExhausted = errors.New("relay: reconnect attempts exhausted")

	// ErrClosed is returned by operations on a closed relay.
	ErrClosed = errors.New("relay: closed")

	errNotConnected = errors.New("relay: not connected")
)

// State is the connection state of a [Relay].
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ConnectError is a failed dial.
type ConnectError struct {
	URL     string
	Attempt int
	Err     error
}

func (e *ConnectError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("relay: connect %s (attempt %d): %v", e.URL, e.Attempt, e.Err)
	}
	return fmt.Sprintf("relay: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError is a failed frame write. The connection it happened on is
// abandoned.
type SendError struct {
	Seq uint64
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("relay: send frame %d: %v", e.Seq, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Stats is a snapshot of relay counters.
type Stats struct {
	State State
	URL   string

	BytesSent  uint64
	FramesSent uint64

	// ReconnectAttempts counts consecutive failed-or-pending attempts in the
	// current reconnect cycle. It resets to 0 on a successful connect, and
	// after exhaustion holds the final count.
	ReconnectAttempts int

	// Reconnects counts successful reconnects over the relay's lifetime.
	Reconnects int

	FramesDrained int
	SendErrors    int

	ConnectedAt  time.Time
	LastActivity time.Time
	LastError    string
}

// Option configures a [Relay].
type Option func(*Relay)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// link is one WebSocket connection plus the goroutines serving it.
type link struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	lost     chan struct{}
	lostOnce sync.Once
	err      error
}

func newLink(conn *websocket.Conn) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{conn: conn, ctx: ctx, cancel: cancel, lost: make(chan struct{})}
}

// fail marks the link dead. Only the first cause is kept.
func (l *link) fail(err error) {
	l.lostOnce.Do(func() {
		l.err = err
		close(l.lost)
	})
}

func (l *link) isLost() bool {
	select {
	case <-l.lost:
		return true
	default:
		return false
	}
}

// Relay is the outbound audio stream. Create with [New]; a Relay is
// single-use and ends in [Closed].
type Relay struct {
	cfg     Config
	url     string
	metrics *observe.Metrics
	log     *slog.Logger

	// life is cancelled by Close; Run merges it into its own context.
	life       context.Context
	lifeCancel context.CancelFunc
	closeOnce  sync.Once

	ready     chan struct{}
	readyOnce sync.Once

	mu           sync.Mutex
	state        State
	link         *link
	attempts     int
	reconnects   int
	bytesSent    uint64
	framesSent   uint64
	drained      int
	sendErrors   int
	connectedAt  time.Time
	lastActivity time.Time
	lastErr      error
}

// New validates cfg and returns a disconnected relay.
func New(cfg Config, opts ...Option) (*Relay, error) {
	cfg.applyDefaults()
	u, err := StreamURL(cfg.Endpoint, cfg.Path)
	if err != nil {
		return nil, err
	}
	life, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:        cfg,
		url:        u,
		life:       life,
		lifeCancel: cancel,
		ready:      make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r, nil
}

// URL returns the WebSocket URL the relay dials.
func (r *Relay) URL() string { return r.url }

// Ready is closed the first time the relay reaches [Connected].
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// State returns the current connection state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		State:             r.state,
		URL:               r.url,
		BytesSent:         r.bytesSent,
		FramesSent:        r.framesSent,
		ReconnectAttempts: r.attempts,
		Reconnects:        r.reconnects,
		FramesDrained:     r.drained,
		SendErrors:        r.sendErrors,
		ConnectedAt:       r.connectedAt,
		LastActivity:      r.lastActivity,
	}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	return s
}

// ─── Connection management ──────────────────────────────────────────────────

// Connect dials the endpoint once and, on success, makes the new connection
// current, resets the attempt counter and starts its reader and liveness
// prober.
func (r *Relay) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.state == Closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.state == Disconnected {
		r.state = Connecting
	}
	r.mu.Unlock()

	l, err := r.dial(ctx, 0)
	if err != nil {
		return err
	}
	return r.activate(l)
}

func (r *Relay) dial(ctx context.Context, attempt int) (*link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	start := time.Now()
	conn, _, err := websocket.Dial(dialCtx, r.url, &websocket.DialOptions{
		HTTPHeader: r.cfg.HTTPHeader,
	})
	r.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		cerr := &ConnectError{URL: r.url, Attempt: attempt, Err: err}
		r.mu.Lock()
		r.lastErr = cerr
		r.mu.Unlock()
		return nil, cerr
	}
	conn.SetReadLimit(r.cfg.ReadLimit)
	return newLink(conn), nil
}

// activate installs l as the current connection.
func (r *Relay) activate(l *link) error {
	now := time.Now()
	r.mu.Lock()
	if r.state == Closed {
		r.mu.Unlock()
		l.cancel()
		_ = l.conn.CloseNow()
		return ErrClosed
	}
	old := r.link
	r.link = l
	r.state = Connected
	r.attempts = 0
	r.connectedAt = now
	r.lastActivity = now
	r.mu.Unlock()

	if old != nil {
		old.cancel()
		_ = old.conn.CloseNow()
	}

	go r.readLoop(l)
	go r.probe(l)

	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Info("relay: connected", "url", r.url)
	return nil
}

// readLoop discards inbound messages so control frames (pong, close) are
// processed.
func (r *Relay) readLoop(l *link) {
	for {
		typ, msg, err := l.conn.Read(l.ctx)
		if err != nil {
			l.fail(fmt.Errorf("read: %w", err))
			return
		}
		r.log.Debug("relay: discarding inbound message", "type", typ.String(), "bytes", len(msg))
	}
}

// probe pings every PingInterval; a missing pong fails the link.
func (r *Relay) probe(l *link) {
	t := time.NewTicker(r.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-l.lost:
			return
		case <-l.ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(l.ctx, r.cfg.PingTimeout)
			err := l.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				l.fail(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

// abandon tears down a failed link and, if it is still current, moves the
// relay to RECONNECTING.
func (r *Relay) abandon(l *link) {
	r.mu.Lock()
	if r.link == l {
		r.link = nil
		if r.state == Connected {
			r.state = Reconnecting
		}
		if l.err != nil {
			r.lastErr = l.err
		}
	}
	r.mu.Unlock()
	l.cancel()
	_ = l.conn.CloseNow()
}

// ─── Sending ────────────────────────────────────────────────────────────────

// Send writes f as one binary message. On failure the connection is
// abandoned, the relay moves to RECONNECTING and a [*SendError] is returned.
func (r *Relay) Send(ctx context.Context, f audio.AudioFrame) error {
	r.mu.Lock()
	l, st := r.link, r.state
	r.mu.Unlock()
	if st == Closed {
		return &SendError{Seq: f.Seq, Err: ErrClosed}
	}
	if l == nil || st != Connected {
		return &SendError{Seq: f.Seq, Err: errNotConnected}
	}

	wctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	err := l.conn.Write(wctx, websocket.MessageBinary, f.Data)
	cancel()
	if err != nil {
		l.fail(err)
		r.abandon(l)
		r.mu.Lock()
		r.sendErrors++
		r.mu.Unlock()
		r.metrics.SendErrors.Add(ctx, 1)
		return &SendError{Seq: f.Seq, Err: err}
	}

	r.mu.Lock()
	r.bytesSent += uint64(len(f.Data))
	r.framesSent++
	r.lastActivity = time.Now()
	r.mu.Unlock()
	r.metrics.RecordSent(ctx, len(f.Data))
	return nil
}

// ─── Run loop ───────────────────────────────────────────────────────────────

// Run connects (through the reconnect loop if the first dial fails) and
// sends frames from q until ctx is cancelled or Close is called, returning
// nil, or until the reconnect budget is exhausted, returning an error that
// matches [ErrRetriesExhausted]. The relay is closed when Run returns.
func (r *Relay) Run(ctx context.Context, q *framequeue.Queue) error {
	if r.State() == Closed {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.life, cancel)
	defer stop()
	defer r.Close()

	if r.cfg.StatsInterval > 0 {
		go r.statsLoop(ctx, q)
	}

	if err := r.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn("relay: initial connect failed", "url", r.url, "err", err)
		if err := r.reconnect(ctx, q, err); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}

	for {
		r.mu.Lock()
		l := r.link
		r.mu.Unlock()

		if l == nil || l.isLost() {
			var cause error = errNotConnected
			if l != nil {
				cause = l.err
				r.abandon(l)
			}
			r.log.Warn("relay: connection lost", "url", r.url, "err", cause)
			if err := r.reconnect(ctx, q, cause); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}

		f, ok := q.Pop(ctx, r.cfg.PopTimeout)
		if ctx.Err() != nil {
			return nil
		}
		if !ok {
			continue
		}
		if err := r.Send(ctx, f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("relay: send failed", "seq", f.Seq, "err", err)
			if err := r.reconnect(ctx, q, err); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// reconnect retries the dial with capped exponential backoff. On success it
// drains q (unless KeepBacklog) before publishing CONNECTED.
func (r *Relay) reconnect(ctx context.Context, q *framequeue.Queue, cause error) error {
	r.mu.Lock()
	if r.state == Closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.state = Reconnecting
	r.mu.Unlock()

	budget := r.cfg.MaxReconnectAttempts
	for attempt := 1; attempt <= budget; attempt++ {
		delay := Backoff(attempt, r.cfg.BaseBackoff, r.cfg.MaxBackoff)
		r.mu.Lock()
		r.attempts = attempt
		r.mu.Unlock()

		r.log.Info("relay: reconnecting",
			"attempt", attempt,
			"max_attempts", budget,
			"delay", delay,
			"err", cause,
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		spanCtx, span := observe.StartSpan(ctx, "relay.reconnect", observe.KeyAttempt.Int(attempt))
		l, err := r.dial(spanCtx, attempt)
		r.metrics.RecordReconnect(ctx, err)
		observe.EndSpan(span, err)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cause = err
			continue
		}

		if !r.cfg.KeepBacklog {
			if n := q.Drain(); n > 0 {
				r.mu.Lock()
				r.drained += n
				r.mu.Unlock()
				r.metrics.RecordDropped(ctx, "drain", n)
				r.log.Info("relay: discarded stale frames after reconnect", "frames", n)
			}
		}
		if err := r.activate(l); err != nil {
			return err
		}
		r.mu.Lock()
		r.reconnects++
		r.mu.Unlock()
		return nil
	}

	r.mu.Lock()
	r.state = Closed
	r.lastErr = cause
	r.mu.Unlock()
	r.log.Error("relay: giving up", "url", r.url, "attempts", budget, "err", cause)
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, budget, cause)
}

func (r *Relay) statsLoop(ctx context.Context, q *framequeue.Queue) {
	t := time.NewTicker(r.cfg.StatsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := r.Stats()
			r.log.Info("relay: stats",
				"state", s.State.String(),
				"bytes_sent", s.BytesSent,
				"frames_sent", s.FramesSent,
				"queue_len", q.Len(),
				"reconnects", s.Reconnects,
			)
		}
	}
}

// ─── Shutdown ───────────────────────────────────────────────────────────────

// Close stops the prober and reader, closes the connection with a normal
// closure status and moves the relay to CLOSED. A concurrent Run returns.
// Safe to call more than once; errors from an already broken connection
// are logged, not returned.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.lifeCancel()

		r.mu.Lock()
		l := r.link
		r.link = nil
		r.state = Closed
		r.mu.Unlock()

		if l != nil {
			// Close before cancelling: cancelling a pending Read tears the
			// connection down without the close handshake.
			if err := l.conn.Close(websocket.StatusNormalClosure, "stream ended"); err != nil {
				r.log.Debug("relay: close handshake", "err", err)
			}
			l.cancel()
			l.fail(ErrClosed)
		}
		r.log.Info("relay: closed", "url", r.url)
	})
	return nil
}
