// Package timesync implements the client-side one-way-latency clock
// synchronisation estimator: a rolling window of offset samples derived from
// server-echo round trips, a quality score, and a debounced sync/lost event
// stream gating when one-way latencies are trustworthy enough to report.
//
// Every timestamp this package consumes is monotonic and relative to a
// fixed per-session start instant — never wall-clock. That is what makes the
// estimator immune to NTP steps and daylight-saving adjustments; see
// SPEC_FULL.md §4.5 "Why monotonic clocks everywhere".
package timesync

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// WindowSize is the number of most-recent offset samples retained.
	WindowSize = 16
	// MinSamplesForSync is the minimum window size before sync can be declared.
	MinSamplesForSync = 8
	// QualityThreshold is the minimum quality score for is_synced.
	QualityThreshold = 80
	// DefaultDebounce suppresses repeated sync/lost events from flapping.
	DefaultDebounce = 5 * time.Second

	epsilonNs = int64(time.Millisecond)
)

// ErrNonMonotonic is returned when T4 < T1 or T3 < T2 — a timestamp
// impossibility that can only arise from clock misuse upstream, never from
// normal jitter. The sample is discarded entirely.
var ErrNonMonotonic = errors.New("timesync: non-monotonic timestamps")

// Timestamps holds one round-trip's four monotonic timestamps, per spec.md §4.5.
type Timestamps struct {
	T1 int64 // client send (client monotonic clock)
	T2 int64 // server recv  (server monotonic clock)
	T3 int64 // server send  (server monotonic clock)
	T4 int64 // client recv  (client monotonic clock)
}

// Sample is one admitted offset sample retained in the rolling window.
type Sample struct {
	RttNs        int64
	RawOffsetNs  int64
	UploadNs     int64
	DownloadNs   int64
	ProcessingNs int64
}

// State is the estimator's coarse lifecycle state (spec.md §4.5 state table).
type State int

const (
	StateCold State = iota
	StateWarming
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarming:
		return "warming"
	case StateSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// Event is emitted on a debounced transition of IsSynced.
type Event int

const (
	EventNone Event = iota
	EventSyncEstablished
	EventSyncLost
)

// Output is what a single round-trip contributes to a Measurement: always RTT
// and (if non-negative) processing time; one-way latencies only when the
// estimator is synced.
type Output struct {
	RttNs         int64
	ProcessingNs  int64
	HasProcessing bool
	UploadNs      int64
	DownloadNs    int64
	HasOneWay     bool
	IsSynced      bool
	Quality       int
}

// Estimator is owned exclusively by one server prober's goroutine: no
// locking, no sharing (spec.md §9).
type Estimator struct {
	clock    clockwork.Clock
	debounce time.Duration

	window []Sample // most recent WindowSize samples, oldest first

	bestOffsetNs int64
	quality      int

	lastEmittedSynced bool
	lastEventAt       time.Time
}

// New creates an Estimator. If clock is nil, a real clock is used; if
// debounce is zero, DefaultDebounce is used.
func New(clock clockwork.Clock, debounce time.Duration) *Estimator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Estimator{clock: clock, debounce: debounce}
}

// State reports the estimator's current coarse lifecycle state.
func (e *Estimator) State() State {
	switch {
	case len(e.window) == 0:
		return StateCold
	case e.isSyncedLocked():
		return StateSynced
	default:
		return StateWarming
	}
}

// Quality returns the current 0..100 sync quality score.
func (e *Estimator) Quality() int { return e.quality }

// BestOffsetNs returns the current best estimate of the clock offset
// (server - client), valid once the window is non-empty.
func (e *Estimator) BestOffsetNs() int64 { return e.bestOffsetNs }

// Len reports the number of samples currently retained in the window.
func (e *Estimator) Len() int { return len(e.window) }

func (e *Estimator) isSyncedLocked() bool {
	return e.quality >= QualityThreshold && len(e.window) >= MinSamplesForSync
}

// Observe processes one round-trip's timestamps, updates the rolling window
// and quality score, and returns the measurement output plus any debounced
// sync/lost event.
func (e *Estimator) Observe(ts Timestamps) (Output, Event, error) {
	if ts.T4 < ts.T1 || ts.T3 < ts.T2 {
		return Output{}, EventNone, ErrNonMonotonic
	}

	rawOffset := ((ts.T2 - ts.T1) + (ts.T3 - ts.T4)) / 2
	rtt := ts.T4 - ts.T1
	processing := ts.T3 - ts.T2
	upload := (ts.T2 - ts.T1) - rawOffset
	download := (ts.T4 - ts.T3) + rawOffset

	if upload > 0 && download > 0 && upload+download+processing <= rtt+epsilonNs {
		e.admit(Sample{
			RttNs:        rtt,
			RawOffsetNs:  rawOffset,
			UploadNs:     upload,
			DownloadNs:   download,
			ProcessingNs: processing,
		})
		e.recompute()
	}

	isSynced := e.isSyncedLocked()

	out := Output{
		RttNs:   rtt,
		Quality: e.quality,
	}
	if processing >= 0 {
		out.ProcessingNs = processing
		out.HasProcessing = true
	}

	if isSynced {
		syncedUpload := (ts.T2 - ts.T1) - e.bestOffsetNs
		syncedDownload := (ts.T4 - ts.T3) + e.bestOffsetNs
		if syncedUpload >= 0 && syncedDownload >= 0 {
			out.UploadNs = syncedUpload
			out.DownloadNs = syncedDownload
			out.HasOneWay = true
		}
	}
	out.IsSynced = isSynced

	return out, e.event(isSynced), nil
}

func (e *Estimator) admit(s Sample) {
	if len(e.window) >= WindowSize {
		e.window = e.window[1:]
	}
	e.window = append(e.window, s)
}

// recompute derives best_offset_ns and quality from the lower half (by RTT)
// of the current window, per spec.md §4.5 steps 2-5.
func (e *Estimator) recompute() {
	if len(e.window) == 0 {
		e.bestOffsetNs = 0
		e.quality = 0
		return
	}

	sorted := make([]Sample, len(e.window))
	copy(sorted, e.window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RttNs < sorted[j].RttNs })

	half := len(sorted) / 2
	if half == 0 {
		half = 1
	}
	lower := sorted[:half]

	offsets := make([]float64, len(lower))
	for i, s := range lower {
		offsets[i] = float64(s.RawOffsetNs)
	}

	e.bestOffsetNs = int64(median(offsets))

	stdDevMs := stdDev(offsets) / float64(time.Millisecond)
	q := 100 * (1 - math.Min(stdDevMs/10, 1))
	e.quality = int(clamp(q, 0, 100))
}

func (e *Estimator) event(isSynced bool) Event {
	if isSynced == e.lastEmittedSynced {
		return EventNone
	}
	now := e.clock.Now()
	if !e.lastEventAt.IsZero() && now.Sub(e.lastEventAt) < e.debounce {
		return EventNone
	}
	e.lastEmittedSynced = isSynced
	e.lastEventAt = now
	if isSynced {
		return EventSyncEstablished
	}
	return EventSyncLost
}

func median(xs []float64) float64 {
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func stdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return math.Sqrt(variance)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
