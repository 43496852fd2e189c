package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bufferbane/bufferbane/internal/measurement"
	"github.com/jonboulle/clockwork"
)

// Sink is the storage contract the writer task calls into (spec.md §4.9).
// The core never depends on a concrete storage implementation.
type Sink interface {
	InsertMeasurements(ctx context.Context, batch []measurement.Measurement) error
	InsertEvent(ctx context.Context, ev measurement.Event) error
}

// writer drains the fan-in queue and the event channel, batching measurement
// inserts by size or time (whichever comes first), per spec.md §4.8.
type writer struct {
	log   *slog.Logger
	clock clockwork.Clock
	sink  Sink

	batchSize     int
	batchInterval time.Duration
}

func newWriter(log *slog.Logger, clock clockwork.Clock, sink Sink, batchSize int, batchInterval time.Duration) *writer {
	if batchSize <= 0 {
		batchSize = 10
	}
	if batchInterval <= 0 {
		batchInterval = 10 * time.Second
	}
	return &writer{
		log:           log,
		clock:         clock,
		sink:          sink,
		batchSize:     batchSize,
		batchInterval: batchInterval,
	}
}

// run drains measurementsCh and eventsCh until both are closed and empty,
// flushing a trailing partial batch at the end. The writer is the sink's only
// caller; it never runs concurrently with itself.
func (w *writer) run(ctx context.Context, measurementsCh chan measurement.Measurement, eventsCh chan measurement.Event) {
	ticker := w.clock.NewTicker(w.batchInterval)
	defer ticker.Stop()

	batch := make([]measurement.Measurement, 0, w.batchSize)
	mCh, eCh := measurementsCh, eventsCh

	for mCh != nil || eCh != nil {
		select {
		case m, ok := <-mCh:
			if !ok {
				mCh = nil
				continue
			}
			batch = append(batch, m)
			if len(batch) >= w.batchSize {
				batch = w.flush(ctx, batch)
			}

		case ev, ok := <-eCh:
			if !ok {
				eCh = nil
				continue
			}
			if err := w.sink.InsertEvent(ctx, ev); err != nil {
				w.log.Error("failed to insert event", "kind", ev.Kind, "error", err)
			}

		case <-ticker.Chan():
			batch = w.flush(ctx, batch)
		}
	}

	w.flush(ctx, batch)
}

// flush writes batch to the sink, retrying once on failure before giving up
// (spec.md §7 StorageTransient: "retried once; on second failure the record
// is logged and dropped, event emitted").
func (w *writer) flush(ctx context.Context, batch []measurement.Measurement) []measurement.Measurement {
	if len(batch) == 0 {
		return batch
	}
	err := w.sink.InsertMeasurements(ctx, batch)
	if err != nil {
		w.log.Warn("failed to insert measurement batch, retrying once", "count", len(batch), "error", err)
		err = w.sink.InsertMeasurements(ctx, batch)
	}
	if err != nil {
		w.log.Error("failed to insert measurement batch after retry, dropping", "count", len(batch), "error", err)
		if evErr := w.sink.InsertEvent(ctx, measurement.Event{
			TsUnixS:  w.clock.Now().Unix(),
			Kind:     measurement.EventStorageWriteFailed,
			Severity: measurement.SeverityError,
			Details:  fmt.Sprintf("dropped %d measurements after retry: %v", len(batch), err),
		}); evErr != nil {
			w.log.Error("failed to insert storage_write_failed event", "error", evErr)
		}
	}
	return batch[:0]
}
