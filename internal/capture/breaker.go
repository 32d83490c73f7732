package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/meetrelay/pkg/audio"
)

// ErrStrategyCoolingDown is returned by a guarded strategy whose breaker is
// open.
var ErrStrategyCoolingDown = errors.New("capture: strategy cooling down after repeated failures")

// BreakerState is the mode of one strategy's breaker.
type BreakerState int

const (
	// BreakerClosed forwards every open attempt.
	BreakerClosed BreakerState = iota
	// BreakerOpen skips the strategy until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets a single probe through after the cooldown.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes [Breakers].
type BreakerConfig struct {
	// MaxFailures is the number of consecutive open failures before a
	// strategy is skipped. Default: 3.
	MaxFailures int

	// Cooldown is how long a tripped strategy is skipped. Default: 5m.
	Cooldown time.Duration
}

type breaker struct {
	state     BreakerState
	failures  int
	trippedAt time.Time
	probing   bool
}

// Breakers remembers which capture strategies keep failing across sessions.
// A strategy that fails MaxFailures times in a row is skipped for Cooldown,
// then probed once: success closes it, failure starts a new cooldown.
// Breakers is safe for concurrent use.
type Breakers struct {
	cfg BreakerConfig
	now func() time.Time

	mu sync.Mutex
	by map[string]*breaker
}

// NewBreakers returns an empty set of breakers.
func NewBreakers(cfg BreakerConfig) *Breakers {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Breakers{cfg: cfg, now: time.Now, by: make(map[string]*breaker)}
}

// Guard wraps each strategy's Open with its breaker. A nil receiver returns
// strategies unchanged.
func (b *Breakers) Guard(strategies []Strategy) []Strategy {
	if b == nil {
		return strategies
	}
	out := make([]Strategy, len(strategies))
	for i, s := range strategies {
		open := s.Open
		name := s.Name
		out[i] = Strategy{
			Name: name,
			Open: func(ctx context.Context) (src audio.Source, err error) {
				if err := b.allow(name); err != nil {
					return nil, err
				}
				src, err = open(ctx)
				b.record(name, err, ctx.Err() != nil)
				return src, err
			},
		}
	}
	return out
}

// State reports the breaker state of the named strategy.
func (b *Breakers) State(name string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.by[name]
	if !ok {
		return BreakerClosed
	}
	if br.state == BreakerOpen && b.now().Sub(br.trippedAt) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return br.state
}

// Reset closes every breaker.
func (b *Breakers) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.by)
}

func (b *Breakers) allow(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(name)
	switch br.state {
	case BreakerOpen:
		left := b.cfg.Cooldown - b.now().Sub(br.trippedAt)
		if left > 0 {
			return fmt.Errorf("%w (%s left)", ErrStrategyCoolingDown, left.Round(time.Second))
		}
		br.state = BreakerHalfOpen
		br.probing = true
		slog.Info("capture: probing strategy after cooldown", "strategy", name)
	case BreakerHalfOpen:
		if br.probing {
			return ErrStrategyCoolingDown
		}
		br.probing = true
	}
	return nil
}

// record updates the breaker after an open attempt. Attempts aborted by
// cancellation do not count.
func (b *Breakers) record(name string, err error, cancelled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(name)
	wasProbe := br.state == BreakerHalfOpen
	br.probing = false

	switch {
	case cancelled:
	case err == nil:
		if br.state != BreakerClosed {
			slog.Info("capture: strategy recovered", "strategy", name)
		}
		br.state = BreakerClosed
		br.failures = 0
	case wasProbe:
		br.state = BreakerOpen
		br.trippedAt = b.now()
		slog.Warn("capture: strategy probe failed", "strategy", name, "cooldown", b.cfg.Cooldown)
	default:
		br.failures++
		if br.failures >= b.cfg.MaxFailures {
			br.state = BreakerOpen
			br.trippedAt = b.now()
			slog.Warn("capture: skipping strategy after repeated failures",
				"strategy", name,
				"consecutive_failures", br.failures,
				"cooldown", b.cfg.Cooldown,
			)
		}
	}
}

func (b *Breakers) get(name string) *breaker {
	br, ok := b.by[name]
	if !ok {
		br = &breaker{}
		b.by[name] = br
	}
	return br
}
