package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/meetrelay/internal/app"
	"github.com/MrWong99/meetrelay/internal/capture"
	"github.com/MrWong99/meetrelay/internal/config"
	"github.com/MrWong99/meetrelay/internal/observe"
	"github.com/MrWong99/meetrelay/pkg/audio"
	"github.com/MrWong99/meetrelay/pkg/audio/mock"
)

const meetingURL = "https://meet.google.com/abc-defg-hij"

// ─── Helpers ────────────────────────────────────────────────────────────────

// consumer is a WebSocket endpoint counting received audio bytes.
type consumer struct {
	mu    sync.Mutex
	bytes int
	conns int
}

func newConsumer(t *testing.T) (*consumer, string) {
	t.Helper()
	c := &consumer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		c.mu.Lock()
		c.conns++
		c.mu.Unlock()
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			c.mu.Lock()
			c.bytes += len(data)
			c.mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	return c, srv.URL
}

func (c *consumer) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// closedEndpoint returns the URL of a server that is no longer listening.
func closedEndpoint(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

// sources hands out a fresh endless mock source on every Start.
type sources struct {
	mu      sync.Mutex
	opened  []*mock.Source
	openErr error
	// readErr makes the sources fail after one frame.
	readErr error
}

func (s *sources) plan(config.AudioConfig) []capture.Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := &mock.Source{Endless: true, Interval: 5 * time.Millisecond, SourceName: "synthetic"}
	if s.readErr != nil {
		src = &mock.Source{Frames: [][]byte{make([]byte, 2048)}, ReadError: s.readErr, SourceName: "synthetic"}
	}
	s.opened = append(s.opened, src)
	return []capture.Strategy{mock.Backend("synthetic", src, s.openErr)}
}

func (s *sources) last() *mock.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opened) == 0 {
		return nil
	}
	return s.opened[len(s.opened)-1]
}

// joiner records Join and Leave calls.
type joiner struct {
	mu      sync.Mutex
	joins   []string
	leaves  int
	joinErr error
}

func (j *joiner) Join(_ context.Context, url string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.joins = append(j.joins, url)
	return j.joinErr
}

func (j *joiner) Leave(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.leaves++
	return nil
}

func (j *joiner) counts() (int, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.joins), j.leaves
}

func testConfig(endpoint string) *config.Config {
	cfg := &config.Config{
		Relay: config.RelayConfig{
			Endpoint:             endpoint,
			PingInterval:         time.Hour,
			BaseBackoff:          10 * time.Millisecond,
			MaxBackoff:           20 * time.Millisecond,
			MaxReconnectAttempts: 3,
			StatsInterval:        -1,
		},
		Session: config.SessionConfig{ShutdownTimeout: 2 * time.Second},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newController(t *testing.T, cfg *config.Config, src *sources, j *joiner) *app.Controller {
	t.Helper()
	c := app.NewController(cfg,
		app.WithStrategies(src.plan),
		app.WithJoiner(j),
		app.WithMetrics(testMetrics(t)),
	)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestBotState_String(t *testing.T) {
	t.Parallel()
	want := map[app.BotState]string{
		app.StateIdle:     "idle",
		app.StateStarting: "starting",
		app.StateRunning:  "running",
		app.StateStopping: "stopping",
		app.StateError:    "error",
	}
	for s, w := range want {
		if got := s.String(); got != w {
			t.Errorf("%d.String() = %q, want %q", int(s), got, w)
		}
	}
}

func TestController_StartStreamsAndStops(t *testing.T) {
	t.Parallel()
	cons, url := newConsumer(t)
	src, j := &sources{}, &joiner{}
	c := newController(t, testConfig(url), src, j)

	id, err := c.Start(t.Context(), meetingURL, 0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if id == "" {
		t.Fatal("Start returned an empty session id")
	}

	eventually(t, 5*time.Second, func() bool { return c.State() == app.StateRunning }, "RUNNING")
	eventually(t, 5*time.Second, func() bool { return cons.received() >= 4096 }, "audio at the consumer")

	snap := c.Status()
	if snap.SessionID != id || snap.Target != meetingURL {
		t.Errorf("snapshot identity = %q/%q", snap.SessionID, snap.Target)
	}
	if !snap.Connected || snap.ConnectionState != "connected" {
		t.Errorf("connected = %v (%s), want true", snap.Connected, snap.ConnectionState)
	}
	if snap.Backend != "synthetic" {
		t.Errorf("backend = %q, want synthetic", snap.Backend)
	}
	if snap.Limit != config.DefaultSessionDuration {
		t.Errorf("limit = %s, want default %s", snap.Limit, config.DefaultSessionDuration)
	}
	if joins, _ := j.counts(); joins != 1 {
		t.Errorf("joins = %d, want 1", joins)
	}

	if err := c.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := c.State(); got != app.StateIdle {
		t.Errorf("state after Stop = %s, want idle", got)
	}
	if !src.last().Closed() {
		t.Error("capture source was not closed")
	}
	if _, leaves := j.counts(); leaves != 1 {
		t.Errorf("leaves = %d, want 1", leaves)
	}

	after := c.Status()
	if after.State != app.StateIdle || after.Connected {
		t.Errorf("status after stop = %s connected=%v", after.State, after.Connected)
	}
	if after.BytesSent == 0 || after.FramesCaptured == 0 {
		t.Errorf("last session counters lost: %+v", after)
	}
	if after.BytesSent != after.FramesSent*2048 {
		t.Errorf("bytes sent %d does not match %d frames of 2048 bytes", after.BytesSent, after.FramesSent)
	}
}

func TestController_ConcurrentStartsYieldOneSession(t *testing.T) {
	t.Parallel()
	_, url := newConsumer(t)
	c := newController(t, testConfig(url), &sources{}, &joiner{})

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		already int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Start(context.Background(), meetingURL, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, app.ErrAlreadyRunning):
				already++
			default:
				t.Errorf("unexpected Start error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || already != n-1 {
		t.Errorf("started %d, rejected %d; want 1 and %d", ok, already, n-1)
	}
}

func TestController_StopBeforeRunning(t *testing.T) {
	t.Parallel()
	cfg := testConfig(closedEndpoint(t))
	cfg.Relay.BaseBackoff = time.Hour
	cfg.Relay.MaxBackoff = time.Hour
	src := &sources{}
	c := newController(t, cfg, src, &joiner{})

	if _, err := c.Start(t.Context(), meetingURL, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.State(); got != app.StateStarting {
		t.Fatalf("state = %s, want starting", got)
	}

	start := time.Now()
	if err := c.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > cfg.Session.ShutdownTimeout {
		t.Errorf("Stop took %s, longer than the shutdown timeout", elapsed)
	}
	if got := c.Status().State; got != app.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if !src.last().Closed() {
		t.Error("capture source was not closed")
	}
}

func TestController_UnreachableEndpointEndsInError(t *testing.T) {
	t.Parallel()
	c := newController(t, testConfig(closedEndpoint(t)), &sources{}, &joiner{})

	if _, err := c.Start(t.Context(), meetingURL, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, 5*time.Second, func() bool { return c.State() == app.StateError }, "ERROR")

	snap := c.Status()
	if snap.ReconnectAttempts != 3 {
		t.Errorf("reconnect attempts = %d, want 3", snap.ReconnectAttempts)
	}
	if !strings.Contains(snap.LastError, "exhausted") {
		t.Errorf("last error = %q, want retries exhausted", snap.LastError)
	}

	if err := c.Stop(t.Context()); err != nil {
		t.Fatalf("Stop from error: %v", err)
	}
	if got := c.State(); got != app.StateIdle {
		t.Errorf("state after Stop = %s, want idle", got)
	}
}

func TestController_DeviceErrorEndsInError(t *testing.T) {
	t.Parallel()
	_, url := newConsumer(t)
	src := &sources{openErr: errors.New("no such device")}
	c := newController(t, testConfig(url), src, &joiner{})

	_, err := c.Start(t.Context(), meetingURL, 0)
	var devErr *capture.DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("Start error = %v, want DeviceError", err)
	}
	if !errors.Is(err, capture.ErrNoneAvailable) {
		t.Errorf("error should match ErrNoneAvailable: %v", err)
	}
	if got := c.State(); got != app.StateError {
		t.Errorf("state = %s, want error", got)
	}
	if c.Status().LastError == "" {
		t.Error("last error not exposed in status")
	}

	// A failed start may be retried directly from ERROR.
	src.mu.Lock()
	src.openErr = nil
	src.mu.Unlock()
	if _, err := c.Start(t.Context(), meetingURL, 0); err != nil {
		t.Fatalf("restart from error: %v", err)
	}
	eventually(t, 5*time.Second, func() bool { return c.State() == app.StateRunning }, "RUNNING")
	if got := c.Status().LastError; got != "" {
		t.Errorf("last error after successful restart = %q, want empty", got)
	}
}

func TestController_ReadErrorEndsInError(t *testing.T) {
	t.Parallel()
	_, url := newConsumer(t)
	src := &sources{readErr: errors.New("device unplugged")}
	c := newController(t, testConfig(url), src, &joiner{})

	if _, err := c.Start(t.Context(), meetingURL, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, 5*time.Second, func() bool { return c.State() == app.StateError }, "ERROR")
	if got := c.Status().LastError; !strings.Contains(got, "device unplugged") {
		t.Errorf("last error = %q", got)
	}
	if !src.last().Closed() {
		t.Error("source not closed after failure")
	}
}

func TestController_DurationLimitStopsSession(t *testing.T) {
	t.Parallel()
	_, url := newConsumer(t)
	c := newController(t, testConfig(url), &sources{}, &joiner{})

	if _, err := c.Start(t.Context(), meetingURL, 200*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := c.State(); got != app.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if err := c.Wait(t.Context()); !errors.Is(err, app.ErrNotRunning) {
		t.Errorf("Wait when idle = %v, want ErrNotRunning", err)
	}
}

func TestController_StartValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		endpoint string
		target   string
		field    string
		wantErr  error
	}{
		{"no endpoint", "", meetingURL, "relay.endpoint", app.ErrNotConfigured},
		{"no meeting", "http://consumer:8000", "", "meeting_url", app.ErrNotConfigured},
		{"bad meeting", "http://consumer:8000", "not a link", "meeting_url", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newController(t, testConfig(tt.endpoint), &sources{}, &joiner{})
			_, err := c.Start(t.Context(), tt.target, 0)
			var se *app.StartError
			if !errors.As(err, &se) {
				t.Fatalf("error = %v, want StartError", err)
			}
			if se.Field != tt.field {
				t.Errorf("field = %q, want %q", se.Field, tt.field)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if got := c.State(); got != app.StateIdle {
				t.Errorf("state = %s, want idle", got)
			}
		})
	}
}

func TestController_StartUsesConfiguredMeeting(t *testing.T) {
	t.Parallel()
	_, url := newConsumer(t)
	cfg := testConfig(url)
	cfg.Session.MeetingURL = meetingURL
	c := newController(t, cfg, &sources{}, &joiner{})

	if _, err := c.Start(t.Context(), "", 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.Status().Target; got != meetingURL {
		t.Errorf("target = %q, want configured meeting", got)
	}
}

func TestController_StopWhenIdle(t *testing.T) {
	t.Parallel()
	c := newController(t, testConfig("http://consumer:8000"), &sources{}, &joiner{})
	if err := c.Stop(t.Context()); err != nil {
		t.Errorf("Stop when idle = %v, want nil", err)
	}
	if snap := c.Status(); snap.State != app.StateIdle || snap.SessionID != "" {
		t.Errorf("idle snapshot = %+v", snap)
	}
}

func TestController_ReconfigureAppliesToNextStart(t *testing.T) {
	t.Parallel()
	_, url := newConsumer(t)
	c := newController(t, testConfig(""), &sources{}, &joiner{})
	if _, err := c.Start(t.Context(), meetingURL, 0); !errors.Is(err, app.ErrNotConfigured) {
		t.Fatalf("Start without endpoint = %v", err)
	}

	c.Reconfigure(testConfig(url))
	if _, err := c.Start(t.Context(), meetingURL, 0); err != nil {
		t.Fatalf("Start after Reconfigure: %v", err)
	}
}

func TestController_BreakersSkipFailingStrategy(t *testing.T) {
	t.Parallel()
	src := &sources{openErr: errors.New("no such device")}
	c := app.NewController(testConfig("http://consumer:8000"),
		app.WithStrategies(src.plan),
		app.WithJoiner(&joiner{}),
		app.WithMetrics(testMetrics(t)),
		app.WithBreakers(capture.NewBreakers(capture.BreakerConfig{MaxFailures: 2, Cooldown: time.Hour})),
	)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	for i := range 2 {
		_, err := c.Start(t.Context(), meetingURL, time.Minute)
		if errors.Is(err, capture.ErrStrategyCoolingDown) {
			t.Fatalf("start %d: strategy skipped too early", i)
		}
		if !errors.Is(err, capture.ErrNoneAvailable) {
			t.Fatalf("start %d: err = %v, want ErrNoneAvailable", i, err)
		}
	}

	src.mu.Lock()
	src.openErr = nil
	src.mu.Unlock()
	_, err := c.Start(t.Context(), meetingURL, time.Minute)
	if !errors.Is(err, capture.ErrStrategyCoolingDown) {
		t.Fatalf("err = %v, want ErrStrategyCoolingDown", err)
	}
}

// stuckSource models a device that vanished mid-read: ReadFrame holds the
// device lock and never returns, and Close needs that same lock.
type stuckSource struct {
	mu       sync.Mutex
	reading  chan struct{}
	readOnce sync.Once
	release  chan struct{}
}

func newStuckSource(t *testing.T) *stuckSource {
	s := &stuckSource{reading: make(chan struct{}), release: make(chan struct{})}
	t.Cleanup(func() { close(s.release) })
	return s
}

func (s *stuckSource) ReadFrame(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnce.Do(func() { close(s.reading) })
	<-s.release
	return nil, audio.ErrClosed
}

func (s *stuckSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nil
}

func (s *stuckSource) Format() audio.Format { return audio.DefaultFormat }
func (s *stuckSource) Name() string         { return "stuck" }

func TestController_StopForcesCloseOfStuckSource(t *testing.T) {
	t.Parallel()
	_, endpoint := newConsumer(t)
	cfg := testConfig(endpoint)
	cfg.Session.ShutdownTimeout = 200 * time.Millisecond

	stuck := newStuckSource(t)
	fresh := &mock.Source{Endless: true, Interval: 5 * time.Millisecond}
	var calls int
	plan := func(config.AudioConfig) []capture.Strategy {
		calls++
		if calls == 1 {
			return []capture.Strategy{mock.Backend("stuck", stuck, nil)}
		}
		return []capture.Strategy{mock.Backend("synthetic", fresh, nil)}
	}
	c := app.NewController(cfg,
		app.WithStrategies(plan),
		app.WithJoiner(&joiner{}),
		app.WithMetrics(testMetrics(t)),
	)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	if _, err := c.Start(t.Context(), meetingURL, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-stuck.reading:
	case <-time.After(5 * time.Second):
		t.Fatal("capture never read from the source")
	}

	stopped := make(chan error, 1)
	begin := time.Now()
	go func() { stopped <- c.Stop(t.Context()) }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop did not return after a %s shutdown timeout; state=%s",
			cfg.Session.ShutdownTimeout, c.State())
	}
	if elapsed := time.Since(begin); elapsed < cfg.Session.ShutdownTimeout {
		t.Errorf("Stop returned after %s, before the shutdown timeout", elapsed)
	}
	if got := c.State(); got != app.StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}

	if _, err := c.Start(t.Context(), meetingURL, 0); err != nil {
		t.Fatalf("Start after forced stop: %v", err)
	}
	if err := c.Stop(t.Context()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if !fresh.Closed() {
		t.Error("second session's source was not closed")
	}
}

// slowOpen is a strategy whose Open blocks until ctx ends, then either gives
// up or hands back late.
func slowOpen(opening chan<- struct{}, late audio.Source) capture.Strategy {
	return audio.Backend{
		Name: "slow",
		Open: func(ctx context.Context) (audio.Source, error) {
			close(opening)
			<-ctx.Done()
			if late != nil {
				return late, nil
			}
			return nil, ctx.Err()
		},
	}
}

func TestController_StopDuringOpen(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		late *mock.Source
	}{
		{name: "open gives up"},
		{name: "open returns a source late", late: &mock.Source{Endless: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, endpoint := newConsumer(t)
			opening := make(chan struct{})
			var late audio.Source
			if tt.late != nil {
				late = tt.late
			}
			c := app.NewController(testConfig(endpoint),
				app.WithStrategies(func(config.AudioConfig) []capture.Strategy {
					return []capture.Strategy{slowOpen(opening, late)}
				}),
				app.WithJoiner(&joiner{}),
				app.WithMetrics(testMetrics(t)),
			)
			t.Cleanup(func() { _ = c.Stop(context.Background()) })

			started := make(chan error, 1)
			go func() {
				_, err := c.Start(t.Context(), meetingURL, 0)
				started <- err
			}()
			<-opening
			if got := c.State(); got != app.StateStarting {
				t.Fatalf("state while opening = %s, want starting", got)
			}

			if err := c.Stop(t.Context()); err != nil {
				t.Fatalf("Stop: %v", err)
			}
			select {
			case err := <-started:
				if !errors.Is(err, context.Canceled) {
					t.Errorf("Start error = %v, want context.Canceled", err)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("Start did not return after Stop")
			}
			if got := c.State(); got != app.StateIdle {
				t.Errorf("state = %s, want idle", got)
			}
			if tt.late != nil && !tt.late.Closed() {
				t.Error("late source was not closed")
			}
		})
	}
}
