package prober

import "math"

// rttWindow is a small ring buffer of recent successful RTTs (in ms), used to
// compute jitter as a rolling standard deviation (spec.md §4.6: "rolling
// stddev of RTT over the last N successful measurements").
type rttWindow struct {
	vals []float64
	n    int
}

func newRTTWindow(n int) *rttWindow {
	if n <= 0 {
		n = 10
	}
	return &rttWindow{n: n}
}

func (w *rttWindow) add(rttMs float64) {
	w.vals = append(w.vals, rttMs)
	if len(w.vals) > w.n {
		w.vals = w.vals[1:]
	}
}

// stddev reports the population stddev of the window, and whether there are
// enough samples (at least 2) to make it meaningful.
func (w *rttWindow) stddev() (float64, bool) {
	if len(w.vals) < 2 {
		return 0, false
	}
	var sum float64
	for _, v := range w.vals {
		sum += v
	}
	mean := sum / float64(len(w.vals))

	var variance float64
	for _, v := range w.vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(w.vals))
	return math.Sqrt(variance), true
}
