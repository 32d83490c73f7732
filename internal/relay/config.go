package relay

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Default relay parameters.
const (
	DefaultPath                 = "/stream/audio"
	DefaultPingInterval         = 20 * time.Second
	DefaultPingTimeout          = 10 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultDialTimeout          = 10 * time.Second
	DefaultBaseBackoff          = 5 * time.Second
	DefaultMaxBackoff           = 60 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultPopTimeout           = 250 * time.Millisecond
	DefaultStatsInterval        = 30 * time.Second
	DefaultReadLimit            = 1 << 20
)

// Config parameterises a [Relay]. Zero durations and counts take the
// package defaults.
type Config struct {
	// Endpoint is the consumer's base URL. http and https are upgraded to
	// ws and wss. Required.
	Endpoint string

	// Path is appended to Endpoint. Default: "/stream/audio".
	Path string

	// HTTPHeader is sent with every WebSocket handshake.
	HTTPHeader http.Header

	PingInterval time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration

	// BaseBackoff and MaxBackoff bound the reconnect delay; see [Backoff].
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// MaxReconnectAttempts is the number of consecutive failed dials after
	// which Run gives up with [ErrRetriesExhausted].
	MaxReconnectAttempts int

	// KeepBacklog disables the queue drain after a reconnect, so frames
	// captured while disconnected are still sent.
	KeepBacklog bool

	// PopTimeout bounds each wait on the frame queue.
	PopTimeout time.Duration

	// StatsInterval is the period of the throughput log line. Negative
	// disables it.
	StatsInterval time.Duration

	// ReadLimit caps the size of inbound messages, which are discarded.
	ReadLimit int64
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = DefaultPopTimeout
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
}

// Backoff returns the delay before reconnect attempt n (1-based):
// min(base·2^(n−1), max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// StreamURL joins endpoint and path and upgrades the scheme for WebSocket
// use: http→ws, https→wss. ws and wss pass through.
func StreamURL(endpoint, path string) (string, error) {
	if endpoint == "" {
		return "", errors.New("relay: endpoint is empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("relay: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay: endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay: endpoint %q has no host", endpoint)
	}
	if path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	}
	return u.String(), nil
}
