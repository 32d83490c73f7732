package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetrelay/internal/capture"
	"github.com/MrWong99/meetrelay/internal/config"
	"github.com/MrWong99/meetrelay/internal/framequeue"
	"github.com/MrWong99/meetrelay/internal/meet"
	"github.com/MrWong99/meetrelay/internal/observe"
	"github.com/MrWong99/meetrelay/internal/relay"
	"github.com/MrWong99/meetrelay/pkg/audio"
)

// leaveTimeout bounds the Joiner.Leave call during teardown.
const leaveTimeout = 5 * time.Second

var (
	// ErrAlreadyRunning is returned by Start while a session is starting,
	// running or stopping.
	ErrAlreadyRunning = errors.New("app: bot is already running")

	// ErrNotRunning is returned by Wait when there is no session to wait for.
	ErrNotRunning = errors.New("app: bot is not running")

	// ErrNotConfigured is wrapped in a [StartError] when a value required to
	// start a session is missing.
	ErrNotConfigured = errors.New("app: not configured")

	// ErrShutdownTimeout is logged when Stop has to force-close a session
	// whose goroutines did not finish within the shutdown timeout.
	ErrShutdownTimeout = errors.New("app: shutdown timed out")
)

// StartError reports a session that could not be started because of its
// inputs or configuration.
type StartError struct {
	Field string
	Err   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("app: start: %s: %v", e.Field, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// ─── State ──────────────────────────────────────────────────────────────────

// BotState is the controller lifecycle state.
type BotState int

const (
	StateIdle BotState = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s BotState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("BotState(%d)", int(s))
	}
}

// Active reports whether s holds a session.
func (s BotState) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// ─── Session ────────────────────────────────────────────────────────────────

// StreamSession is one capture-and-relay run. Its exported fields are fixed
// once Start returns.
type StreamSession struct {
	ID        string
	Target    string
	Limit     time.Duration
	StartedAt time.Time
	Backend   string

	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	src   audio.Source
	relay *relay.Relay
	queue *framequeue.Queue
	timer *time.Timer

	joined  atomic.Bool
	closing atomic.Bool
	done    chan struct{}

	// Guarded by Controller.mu.
	finished bool
	endedAt  time.Time
	err      error
}

// closeHandles closes the relay and the source, unblocking the send loop and
// the capture read. Only the first call closes anything; later calls return
// at once even while that close is still blocked in a device.
func (s *StreamSession) closeHandles() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	if err := s.relay.Close(); err != nil {
		s.log.Warn("app: close relay", "endpoint", s.relay.URL(), "err", err)
	}
	if s.src != nil {
		if err := s.src.Close(); err != nil {
			s.log.Warn("app: close capture source", "source", s.src.Name(), "err", err)
		}
	}
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State     BotState
	SessionID string
	Target    string
	Backend   string

	StartedAt time.Time
	Elapsed   time.Duration
	Limit     time.Duration

	Connected       bool
	ConnectionState string

	BytesSent         uint64
	FramesSent        uint64
	FramesCaptured    uint64
	FramesDropped     uint64
	FramesDrained     int
	QueueLen          int
	ReconnectAttempts int
	Reconnects        int

	LastActivity time.Time
	LastError    string
}

// ─── Controller ─────────────────────────────────────────────────────────────

// StrategyFunc expands the audio configuration into the ordered capture
// strategies tried by Start.
type StrategyFunc func(cfg config.AudioConfig) []capture.Strategy

// ControllerOption configures a [Controller].
type ControllerOption func(*Controller)

// WithStrategies sets the capture strategy planner.
func WithStrategies(fn StrategyFunc) ControllerOption {
	return func(c *Controller) { c.strategies = fn }
}

// WithJoiner sets the meeting joiner. Default: [meet.Noop].
func WithJoiner(j meet.Joiner) ControllerOption {
	return func(c *Controller) { c.joiner = j }
}

// WithBreakers guards capture strategies with b so that backends failing
// across consecutive sessions are skipped for a while. Default: none.
func WithBreakers(b *capture.Breakers) ControllerOption {
	return func(c *Controller) { c.breakers = b }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// Controller owns the bot lifecycle. At most one [StreamSession] exists at a
// time. All exported methods are safe for concurrent use; none of them hold
// the lock across I/O.
type Controller struct {
	strategies StrategyFunc
	breakers   *capture.Breakers
	joiner     meet.Joiner
	metrics    *observe.Metrics

	mu      sync.Mutex
	cfg     *config.Config
	state   BotState
	session *StreamSession
	last    *StreamSession
}

// NewController returns an idle controller.
func NewController(cfg *config.Config, opts ...ControllerOption) *Controller {
	c := &Controller{cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	if c.strategies == nil {
		c.strategies = func(config.AudioConfig) []capture.Strategy { return nil }
	}
	if c.joiner == nil {
		c.joiner = &meet.Noop{}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Reconfigure replaces the configuration used by the next Start. A running
// session keeps the settings it was started with.
func (c *Controller) Reconfigure(cfg *config.Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// Config returns the configuration used by the next Start.
func (c *Controller) Config() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// State returns the current lifecycle state.
func (c *Controller) State() BotState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState must be called with c.mu held.
func (c *Controller) setState(ctx context.Context, to BotState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.metrics.RecordStateTransition(ctx, from.String(), to.String())
	slog.Debug("app: state transition", "from", from.String(), "to", to.String())
}

// Start opens a capture source, connects the relay and begins streaming.
// An empty target falls back to the configured meeting URL and a
// non-positive limit to the configured default duration.
//
// Start returns once the source is open; the session becomes RUNNING when
// the relay first connects. Capture failures return a [capture.DeviceError]
// and leave the controller in ERROR.
func (c *Controller) Start(ctx context.Context, target string, limit time.Duration) (string, error) {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateError {
		c.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	cfg := c.cfg
	if target == "" {
		target = cfg.Session.MeetingURL
	}
	if err := checkStart(cfg, target); err != nil {
		c.mu.Unlock()
		return "", err
	}
	if limit <= 0 {
		limit = cfg.Session.DefaultDuration
	}

	id := uuid.NewString()
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &StreamSession{
		ID:        id,
		Target:    target,
		Limit:     limit,
		StartedAt: time.Now(),
		ctx:       sctx,
		cancel:    cancel,
		log:       observe.SessionLogger(sctx, id),
		done:      make(chan struct{}),
	}

	policy, err := framequeue.ParsePolicy(cfg.Audio.OverflowPolicy)
	if err != nil {
		c.mu.Unlock()
		cancel()
		return "", &StartError{Field: "audio.overflow_policy", Err: err}
	}
	s.queue = framequeue.New(cfg.Audio.QueueCapacity,
		framequeue.WithPolicy(policy),
		framequeue.WithOnDrop(func(audio.AudioFrame) {
			c.metrics.RecordDropped(sctx, "overflow", 1)
		}),
	)
	s.relay, err = relay.New(relayConfig(cfg.Relay),
		relay.WithMetrics(c.metrics),
		relay.WithLogger(s.log),
	)
	if err != nil {
		c.mu.Unlock()
		cancel()
		return "", &StartError{Field: "relay.endpoint", Err: err}
	}

	c.session = s
	c.setState(sctx, StateStarting)
	c.metrics.ActiveSessions.Add(sctx, 1)
	c.mu.Unlock()

	s.log.Info("session starting",
		"meeting_url", target,
		"duration", limit,
		"endpoint", s.relay.URL(),
	)

	spanCtx, span := observe.StartSpan(sctx, "app.session.start",
		observe.KeySessionID.String(id),
		observe.KeyRelayURL.String(s.relay.URL()),
	)
	src, err := capture.Select(spanCtx, c.breakers.Guard(c.strategies(cfg.Audio)), c.metrics)
	if err == nil {
		span.SetAttributes(observe.KeyCaptureBackend.String(src.Name()))
	}
	observe.EndSpan(span, err)

	c.mu.Lock()
	if s.finished || c.session != s || c.state != StateStarting {
		// Stopped while the source was opening.
		c.mu.Unlock()
		if src != nil {
			_ = src.Close()
		}
		s.closeHandles()
		c.finish(s, nil)
		return "", fmt.Errorf("app: start %s: %w", id, context.Canceled)
	}
	if err != nil {
		c.mu.Unlock()
		s.closeHandles()
		c.finish(s, err)
		return "", err
	}
	s.src = src
	s.Backend = src.Name()
	s.timer = time.AfterFunc(limit, func() { c.expire(s) })
	c.mu.Unlock()

	go c.supervise(s)
	return id, nil
}

func checkStart(cfg *config.Config, target string) error {
	if cfg.Relay.Endpoint == "" {
		return &StartError{Field: "relay.endpoint", Err: ErrNotConfigured}
	}
	if target == "" {
		return &StartError{Field: "meeting_url", Err: ErrNotConfigured}
	}
	if err := meet.Validate(target); err != nil {
		return &StartError{Field: "meeting_url", Err: err}
	}
	return nil
}

// supervise runs the capture pump, the relay and the join step until one of
// them fails or the session context is cancelled, then tears down.
func (c *Controller) supervise(s *StreamSession) {
	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		return capture.Pump(gctx, s.src, s.queue, c.metrics)
	})
	g.Go(func() error {
		return s.relay.Run(gctx, s.queue)
	})
	g.Go(func() error {
		return c.await(gctx, s)
	})
	g.Go(func() error {
		// Blocking reads do not observe ctx; closing the handles does.
		<-gctx.Done()
		s.closeHandles()
		return nil
	})

	err := g.Wait()
	if err != nil {
		s.log.Error("session failed", "err", err)
	}
	c.release(s)
	c.finish(s, err)
}

// await marks the session RUNNING once the relay is connected and the
// joiner has entered the meeting.
func (c *Controller) await(ctx context.Context, s *StreamSession) error {
	select {
	case <-s.relay.Ready():
	case <-ctx.Done():
		return nil
	}
	if err := c.joiner.Join(ctx, s.Target); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("app: join meeting: %w", err)
	}
	s.joined.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == s && c.state == StateStarting {
		c.setState(ctx, StateRunning)
		s.log.Info("session running", "source", s.Backend, "endpoint", s.relay.URL())
	}
	return nil
}

// release frees everything the session holds. Safe to call more than once.
func (c *Controller) release(s *StreamSession) {
	s.closeHandles()
	if s.joined.CompareAndSwap(true, false) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), leaveTimeout)
		if err := c.joiner.Leave(ctx); err != nil {
			s.log.Warn("app: leave meeting", "err", err)
		}
		cancel()
	}
	if n := s.queue.Drain(); n > 0 {
		c.metrics.RecordDropped(context.WithoutCancel(s.ctx), "teardown", n)
	}
}

// finish records the end of s and settles the controller state: IDLE after a
// requested stop or a clean end, ERROR otherwise. Only the first call for a
// session has an effect.
func (c *Controller) finish(s *StreamSession, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.endedAt = time.Now()
	s.err = err
	s.cancel()

	ctx := context.WithoutCancel(s.ctx)
	c.metrics.ActiveSessions.Add(ctx, -1)
	if c.session == s {
		c.session = nil
		c.last = s
		if err != nil && c.state != StateStopping {
			c.setState(ctx, StateError)
		} else {
			c.setState(ctx, StateIdle)
		}
	}
	close(s.done)

	st := s.relay.Stats()
	s.log.Info("session ended",
		"elapsed", s.endedAt.Sub(s.StartedAt).Round(time.Millisecond),
		"bytes_sent", st.BytesSent,
		"frames_sent", st.FramesSent,
		"reconnects", st.Reconnects,
		"err", err,
	)
}

// expire stops s when its duration limit elapses.
func (c *Controller) expire(s *StreamSession) {
	s.log.Info("session duration limit reached", "duration", s.Limit)
	if err := c.stop(context.WithoutCancel(s.ctx), s); err != nil {
		s.log.Warn("app: stop after duration limit", "err", err)
	}
}

// Stop ends the current session. It is a no-op when idle; from ERROR it
// only clears the state to IDLE. Otherwise it cancels the session and waits
// up to the shutdown timeout for it to finish before force-closing its
// handles. Stop returns early with ctx's error if ctx ends first; teardown
// continues in the background.
func (c *Controller) Stop(ctx context.Context) error {
	return c.stop(ctx, nil)
}

// stop stops only session only when it is non-nil, so that a late duration
// timer cannot end a newer session.
func (c *Controller) stop(ctx context.Context, only *StreamSession) error {
	c.mu.Lock()
	s := c.session
	if only != nil && s != only {
		c.mu.Unlock()
		return nil
	}
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return nil
	case StateError:
		c.setState(ctx, StateIdle)
		c.mu.Unlock()
		return nil
	}
	c.setState(ctx, StateStopping)
	timeout := c.cfg.Session.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	c.mu.Unlock()

	s.log.Info("session stopping")
	s.cancel()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.done:
		return nil
	case <-t.C:
		s.log.Error("session did not stop in time; forcing close",
			"timeout", timeout,
			"err", ErrShutdownTimeout,
		)
		// The supervisor may be stuck in a device close; settle the state
		// now and let the handles go in the background.
		go c.release(s)
		c.finish(s, nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the current session ends and returns the error that
// ended it, nil for a requested stop or an expired duration. It returns
// [ErrNotRunning] when no session is active.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return ErrNotRunning
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.err
}

// Status returns a snapshot of the controller. When no session is active the
// counters of the most recent one are reported.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{State: c.state, ConnectionState: relay.Disconnected.String()}
	s := c.session
	if s == nil {
		s = c.last
	}
	if s == nil {
		return snap
	}

	snap.SessionID = s.ID
	snap.Target = s.Target
	snap.Backend = s.Backend
	snap.StartedAt = s.StartedAt
	snap.Limit = s.Limit
	if s.finished {
		snap.Elapsed = s.endedAt.Sub(s.StartedAt)
	} else {
		snap.Elapsed = time.Since(s.StartedAt)
	}

	rs := s.relay.Stats()
	qs := s.queue.Stats()
	snap.Connected = rs.State == relay.Connected && !s.finished
	if !s.finished {
		snap.ConnectionState = rs.State.String()
	}
	snap.BytesSent = rs.BytesSent
	snap.FramesSent = rs.FramesSent
	snap.FramesCaptured = qs.Offered
	snap.FramesDropped = qs.Dropped
	snap.FramesDrained = rs.FramesDrained
	snap.QueueLen = qs.Len
	snap.ReconnectAttempts = rs.ReconnectAttempts
	snap.Reconnects = rs.Reconnects
	snap.LastActivity = rs.LastActivity
	if s.err != nil {
		snap.LastError = s.err.Error()
	} else if !s.finished {
		snap.LastError = rs.LastError
	}
	return snap
}

// relayConfig maps the relay section of the configuration onto the relay
// package. Zero values keep the relay defaults.
func relayConfig(rc config.RelayConfig) relay.Config {
	var hdr http.Header
	if len(rc.Headers) > 0 {
		hdr = make(http.Header, len(rc.Headers))
		for k, v := range rc.Headers {
			hdr.Set(k, v)
		}
	}
	return relay.Config{
		Endpoint:             rc.Endpoint,
		Path:                 rc.Path,
		HTTPHeader:           hdr,
		PingInterval:         rc.PingInterval,
		PingTimeout:          rc.PingTimeout,
		BaseBackoff:          rc.BaseBackoff,
		MaxBackoff:           rc.MaxBackoff,
		MaxReconnectAttempts: rc.MaxReconnectAttempts,
		KeepBacklog:          !rc.Drain(),
		StatsInterval:        rc.StatsInterval,
	}
}
