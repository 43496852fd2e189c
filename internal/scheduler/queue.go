package scheduler

import (
	"sync"

	"github.com/bufferbane/bufferbane/internal/measurement"
)

// measurementQueue is the scheduler's fan-in point: every prober pushes into
// it, and the writer task drains it. It never blocks a producer - once full,
// Push evicts the oldest buffered measurement to make room (spec.md §4.8:
// "beyond [N] the writer task drops oldest").
type measurementQueue struct {
	mu     sync.Mutex
	ch     chan measurement.Measurement
	onDrop func()
}

func newMeasurementQueue(capacity int, onDrop func()) *measurementQueue {
	if capacity <= 0 {
		capacity = 10_000
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	return &measurementQueue{
		ch:     make(chan measurement.Measurement, capacity),
		onDrop: onDrop,
	}
}

// Push implements prober.MeasurementSink. It never blocks: if the queue is
// full, the oldest entry is dropped to make room and onDrop is invoked.
func (q *measurementQueue) Push(m measurement.Measurement) {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case q.ch <- m:
		return
	default:
	}

	// The writer drains q.ch without taking q.mu, so it may already have
	// freed a slot; only evict (and count a drop) if the queue is still full.
	dropped := false
	select {
	case <-q.ch:
		dropped = true
	default:
	}
	q.ch <- m
	if dropped {
		q.onDrop()
	}
}

// close marks the queue closed so the writer's range over it terminates once
// drained. Only the scheduler calls this, after all probers have exited.
func (q *measurementQueue) close() {
	close(q.ch)
}
