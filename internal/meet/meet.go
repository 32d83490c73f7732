// Package meet defines the boundary between meetrelay and whatever puts the
// bot into a meeting.
//
// Audio capture does not depend on the meeting being joined by this process:
// the capture backends record whatever the host plays into its monitor
// source. A [Joiner] lets a deployment plug in the component that actually
// opens the meeting (a headless browser, a SIP gateway, a human) and have it
// follow the session lifecycle.
package meet

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
)

// ErrInvalidURL is returned by [Validate] for links that cannot be joined.
var ErrInvalidURL = errors.New("meet: invalid meeting url")

// Joiner enters and leaves meetings.
//
// Join is called once the capture pipeline is streaming; Leave is called
// during teardown, also after a failed Join. Implementations must be safe
// for sequential reuse across sessions.
type Joiner interface {
	Join(ctx context.Context, meetingURL string) error
	Leave(ctx context.Context) error
}

// Validate checks that raw is an absolute http(s) URL.
func Validate(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Join(ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

// Noop is a [Joiner] that only logs. It is the default when no meeting
// automation is configured and the host joins the meeting by other means.
type Noop struct {
	mu      sync.Mutex
	current string
}

// Join implements [Joiner].
func (n *Noop) Join(_ context.Context, meetingURL string) error {
	n.mu.Lock()
	n.current = meetingURL
	n.mu.Unlock()
	slog.Info("meeting join delegated to host", "meeting_url", meetingURL)
	return nil
}

// Leave implements [Joiner].
func (n *Noop) Leave(context.Context) error {
	n.mu.Lock()
	prev := n.current
	n.current = ""
	n.mu.Unlock()
	if prev != "" {
		slog.Info("meeting leave delegated to host", "meeting_url", prev)
	}
	return nil
}

// Current returns the meeting last joined and not yet left.
func (n *Noop) Current() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}
