package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/meetrelay/internal/framequeue"
	"github.com/MrWong99/meetrelay/internal/observe"
	"github.com/MrWong99/meetrelay/pkg/audio"
)

// overflowLogEvery rate-limits the queue-full warning.
const overflowLogEvery = 100

// Pump reads frames from src, stamps them with strictly increasing sequence
// numbers starting at 1 and pushes them into q without blocking. It runs
// until ctx is cancelled (returning nil) or src fails (returning the read
// error). Pump does not close src.
func Pump(ctx context.Context, src audio.Source, q *framequeue.Queue, m *observe.Metrics) error {
	format := src.Format()
	backend := metric.WithAttributes(observe.Attr("backend", src.Name()))

	var seq, rejected uint64
	for {
		data, err := src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("capture: read %s: %w", src.Name(), err)
		}
		if len(data) == 0 {
			continue
		}

		seq++
		f := audio.AudioFrame{
			Data:       data,
			Seq:        seq,
			CapturedAt: time.Now(),
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
		}
		if m != nil {
			m.FramesCaptured.Add(ctx, 1, backend)
		}
		if !q.Push(f) {
			rejected++
			if rejected%overflowLogEvery == 1 {
				slog.Warn("capture: frame queue full, dropping newest frames",
					"source", src.Name(),
					"dropped", rejected,
					"queue_cap", q.Cap(),
				)
			}
		}
	}
}
