package framequeue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/meetrelay/internal/framequeue"
	"github.com/MrWong99/meetrelay/pkg/audio"
)

func frame(seq uint64) audio.AudioFrame {
	return audio.AudioFrame{Data: []byte{byte(seq)}, Seq: seq}
}

func checkInvariant(t *testing.T, q *framequeue.Queue) {
	t.Helper()
	s := q.Stats()
	if got := s.Offered - s.Popped - s.Drained - s.Dropped; got != uint64(s.Len) {
		t.Fatalf("offered-popped-drained-dropped = %d, Len = %d (%+v)", got, s.Len, s)
	}
	if s.Len < 0 || s.Len > s.Cap {
		t.Fatalf("Len = %d outside [0, %d]", s.Len, s.Cap)
	}
}

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := framequeue.New(4)
	for i := range uint64(4) {
		if !q.Push(frame(i)) {
			t.Fatalf("Push(%d) rejected", i)
		}
	}
	for i := range uint64(4) {
		f, ok := q.Pop(t.Context(), time.Second)
		if !ok {
			t.Fatalf("Pop #%d: queue empty", i)
		}
		if f.Seq != i {
			t.Fatalf("Pop #%d: Seq = %d", i, f.Seq)
		}
	}
	checkInvariant(t, q)
}

func TestQueue_DropNewest(t *testing.T) {
	t.Parallel()

	var dropped []uint64
	q := framequeue.New(2, framequeue.WithOnDrop(func(f audio.AudioFrame) {
		dropped = append(dropped, f.Seq)
	}))
	q.Push(frame(1))
	q.Push(frame(2))
	if q.Push(frame(3)) {
		t.Fatal("Push into full queue accepted under drop-newest")
	}
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
	if len(dropped) != 1 || dropped[0] != 3 {
		t.Fatalf("dropped = %v, want [3]", dropped)
	}

	f, _ := q.Pop(t.Context(), time.Second)
	if f.Seq != 1 {
		t.Fatalf("head Seq = %d, want 1", f.Seq)
	}
	s := q.Stats()
	if s.Dropped != 1 || s.Offered != 3 || s.Popped != 1 {
		t.Fatalf("Stats = %+v", s)
	}
	checkInvariant(t, q)
}

func TestQueue_DropOldest(t *testing.T) {
	t.Parallel()

	var dropped []uint64
	q := framequeue.New(2,
		framequeue.WithPolicy(framequeue.DropOldest),
		framequeue.WithOnDrop(func(f audio.AudioFrame) { dropped = append(dropped, f.Seq) }),
	)
	q.Push(frame(1))
	q.Push(frame(2))
	if !q.Push(frame(3)) {
		t.Fatal("Push rejected under drop-oldest")
	}
	if len(dropped) != 1 || dropped[0] != 1 {
		t.Fatalf("dropped = %v, want [1]", dropped)
	}

	var got []uint64
	for range 2 {
		f, ok := q.Pop(t.Context(), time.Second)
		if !ok {
			t.Fatal("Pop: queue empty")
		}
		got = append(got, f.Seq)
	}
	if got[0] != 2 || got[1] != 3 {
		t.Fatalf("popped %v, want [2 3]", got)
	}
	checkInvariant(t, q)
}

func TestQueue_PopTimeout(t *testing.T) {
	t.Parallel()

	q := framequeue.New(1)
	start := time.Now()
	if _, ok := q.Pop(t.Context(), 30*time.Millisecond); ok {
		t.Fatal("Pop on empty queue returned a frame")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("Pop returned after %v, want ~30ms", elapsed)
	}
}

func TestQueue_PopCancelled(t *testing.T) {
	t.Parallel()

	q := framequeue.New(1)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx, 0)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("cancelled Pop returned a frame")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not observe cancellation")
	}
}

func TestQueue_PopWakesOnPush(t *testing.T) {
	t.Parallel()

	q := framequeue.New(1)
	got := make(chan audio.AudioFrame, 1)
	go func() {
		f, ok := q.Pop(t.Context(), 5*time.Second)
		if ok {
			got <- f
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(frame(7))
	select {
	case f := <-got:
		if f.Seq != 7 {
			t.Fatalf("Seq = %d, want 7", f.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Pop not woken by Push")
	}
}

func TestQueue_Drain(t *testing.T) {
	t.Parallel()

	q := framequeue.New(8)
	for i := range uint64(5) {
		q.Push(frame(i))
	}
	q.Pop(t.Context(), time.Second)

	if n := q.Drain(); n != 4 {
		t.Fatalf("Drain() = %d, want 4", n)
	}
	if q.Len() != 0 {
		t.Fatalf("Len after Drain = %d", q.Len())
	}
	if _, ok := q.Pop(t.Context(), 10*time.Millisecond); ok {
		t.Fatal("Pop after Drain returned a stale frame")
	}

	q.Push(frame(100))
	f, ok := q.Pop(t.Context(), time.Second)
	if !ok || f.Seq != 100 {
		t.Fatalf("Pop after Drain+Push = (%d, %v), want (100, true)", f.Seq, ok)
	}
	if s := q.Stats(); s.Drained != 4 {
		t.Fatalf("Stats.Drained = %d, want 4", s.Drained)
	}
	checkInvariant(t, q)
}

func TestQueue_ConcurrentProducersConsumers(t *testing.T) {
	t.Parallel()

	const (
		producers = 4
		perProd   = 500
		consumers = 3
	)
	q := framequeue.New(16)

	var prodWG sync.WaitGroup
	for p := range producers {
		prodWG.Add(1)
		go func() {
			defer prodWG.Done()
			for i := range perProd {
				// High bits carry the producer id so order can be checked per producer.
				q.Push(frame(uint64(p)<<32 | uint64(i)))
			}
		}()
	}

	ctx, cancel := context.WithCancel(t.Context())
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var consWG sync.WaitGroup
	for range consumers {
		consWG.Add(1)
		go func() {
			defer consWG.Done()
			last := make(map[uint64]int64)
			for {
				f, ok := q.Pop(ctx, 5*time.Millisecond)
				if !ok {
					if ctx.Err() != nil {
						return
					}
					continue
				}
				prod, idx := f.Seq>>32, int64(f.Seq&0xffffffff)
				if prev, ok := last[prod]; ok && idx <= prev {
					t.Errorf("producer %d: index %d after %d", prod, idx, prev)
				}
				last[prod] = idx

				mu.Lock()
				if seen[f.Seq] {
					t.Errorf("frame %x delivered twice", f.Seq)
				}
				seen[f.Seq] = true
				mu.Unlock()
			}
		}()
	}

	prodWG.Wait()
	deadline := time.After(5 * time.Second)
	for q.Len() > 0 {
		select {
		case <-deadline:
			t.Fatal("consumers did not empty the queue")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	consWG.Wait()

	s := q.Stats()
	if s.Offered != producers*perProd {
		t.Fatalf("Offered = %d, want %d", s.Offered, producers*perProd)
	}
	if int(s.Popped) != len(seen) {
		t.Fatalf("Popped = %d, distinct delivered = %d", s.Popped, len(seen))
	}
	checkInvariant(t, q)
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    framequeue.OverflowPolicy
		wantErr bool
	}{
		{"", framequeue.DropNewest, false},
		{"drop-newest", framequeue.DropNewest, false},
		{"drop-oldest", framequeue.DropOldest, false},
		{"block", framequeue.DropNewest, true},
	}
	for _, tt := range tests {
		got, err := framequeue.ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if framequeue.DropOldest.String() != "drop-oldest" {
		t.Errorf("DropOldest.String() = %q", framequeue.DropOldest.String())
	}
}

func TestNew_DefaultCapacity(t *testing.T) {
	t.Parallel()
	if got := framequeue.New(0).Cap(); got != framequeue.DefaultCapacity {
		t.Fatalf("Cap() = %d, want %d", got, framequeue.DefaultCapacity)
	}
}
