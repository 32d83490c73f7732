// Package framequeue provides the bounded hand-off buffer between audio
// capture and the stream relay.
//
// Push never blocks: when the queue is full the configured [OverflowPolicy]
// decides which frame is discarded. Pop blocks up to a timeout so consumers
// can observe cancellation between frames.
//
// At all times Offered − Popped − Drained − Dropped == Len ∈ [0, Cap].
package framequeue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/meetrelay/pkg/audio"
)

// DefaultCapacity is the queue size used when New is given a non-positive
// capacity.
const DefaultCapacity = 100

// OverflowPolicy selects which frame is discarded when Push meets a full queue.
type OverflowPolicy int

const (
	// DropNewest rejects the incoming frame. Push returns false.
	DropNewest OverflowPolicy = iota

	// DropOldest evicts the head of the queue to make room. Push returns true.
	DropOldest
)

// String returns the config spelling of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop-newest"
	case DropOldest:
		return "drop-oldest"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParsePolicy parses "drop-newest" or "drop-oldest". The empty string
// selects [DropNewest].
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop-newest":
		return DropNewest, nil
	case "drop-oldest":
		return DropOldest, nil
	default:
		return DropNewest, fmt.Errorf("framequeue: unknown overflow policy %q", s)
	}
}

// Stats is a point-in-time copy of the queue counters.
type Stats struct {
	Offered uint64
	Popped  uint64
	Drained uint64
	Dropped uint64
	Len     int
	Cap     int
}

// Option configures a [Queue].
type Option func(*Queue)

// WithPolicy sets the overflow policy. The default is [DropNewest].
func WithPolicy(p OverflowPolicy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithOnDrop registers fn to be called (outside the queue lock) for every
// discarded frame.
func WithOnDrop(fn func(audio.AudioFrame)) Option {
	return func(q *Queue) { q.onDrop = fn }
}

// Queue is a bounded FIFO of audio frames. It is safe for concurrent use by
// any number of producers and consumers.
type Queue struct {
	policy OverflowPolicy
	onDrop func(audio.AudioFrame)

	// notify holds at most one wake-up token for blocked consumers.
	notify chan struct{}

	mu      sync.Mutex
	buf     []audio.AudioFrame
	head    int
	n       int
	offered uint64
	popped  uint64
	drained uint64
	dropped uint64
}

// New returns an empty queue holding at most capacity frames.
func New(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		buf:    make([]audio.AudioFrame, capacity),
		notify: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Push enqueues f without blocking. It reports whether f was accepted; under
// [DropNewest] a full queue rejects f.
func (q *Queue) Push(f audio.AudioFrame) bool {
	q.mu.Lock()
	q.offered++

	var evicted audio.AudioFrame
	var didEvict bool
	if q.n == len(q.buf) {
		q.dropped++
		if q.policy == DropNewest {
			q.mu.Unlock()
			if q.onDrop != nil {
				q.onDrop(f)
			}
			return false
		}
		evicted = q.buf[q.head]
		q.buf[q.head] = audio.AudioFrame{}
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		didEvict = true
	}

	q.buf[(q.head+q.n)%len(q.buf)] = f
	q.n++
	q.mu.Unlock()

	q.signal()
	if didEvict && q.onDrop != nil {
		q.onDrop(evicted)
	}
	return true
}

// Pop removes and returns the oldest frame. It blocks until a frame is
// available, timeout elapses, or ctx is done; the bool is false in the latter
// two cases. A non-positive timeout waits on ctx alone.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (audio.AudioFrame, bool) {
	if f, ok := q.tryPop(); ok {
		return f, true
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		select {
		case <-q.notify:
			if f, ok := q.tryPop(); ok {
				return f, true
			}
		case <-expired:
			return audio.AudioFrame{}, false
		case <-ctx.Done():
			return audio.AudioFrame{}, false
		}
	}
}

func (q *Queue) tryPop() (audio.AudioFrame, bool) {
	q.mu.Lock()
	if q.n == 0 {
		q.mu.Unlock()
		return audio.AudioFrame{}, false
	}
	f := q.buf[q.head]
	q.buf[q.head] = audio.AudioFrame{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	q.popped++
	more := q.n > 0
	q.mu.Unlock()

	// Pass the token on so another waiting consumer sees the rest.
	if more {
		q.signal()
	}
	return f, true
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain discards every queued frame in one step and returns how many were
// removed.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := q.n
	for i := range k {
		q.buf[(q.head+i)%len(q.buf)] = audio.AudioFrame{}
	}
	q.head = 0
	q.n = 0
	q.drained += uint64(k)
	return k
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Policy returns the overflow policy.
func (q *Queue) Policy() OverflowPolicy { return q.policy }

// Stats returns a consistent copy of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Offered: q.offered,
		Popped:  q.popped,
		Drained: q.drained,
		Dropped: q.dropped,
		Len:     q.n,
		Cap:     len(q.buf),
	}
}
