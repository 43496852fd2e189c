// Package prober implements the two per-target measurement tasks the
// scheduler spawns: a server echo prober (handshake + authenticated probe
// loop against a bufferbane echo server) and an ICMP prober (a thin wrapper
// over ping).
//
// The two kinds differ only in what they produce, and there are exactly two
// of them, so the scheduler holds them as two separate typed slices rather
// than a slice of a shared interface - no dynamic dispatch is needed (see
// SPEC_FULL.md §9 and DESIGN.md).
package prober

import (
	"fmt"
	"time"

	"github.com/bufferbane/bufferbane/internal/measurement"
)

// MeasurementSink receives measurements pushed by probers. Push must not
// block: implementations decide their own backpressure policy (the
// scheduler's fan-in queue drops the oldest buffered entry when full, per
// spec.md §4.8) rather than stalling the prober that produced the sample.
type MeasurementSink interface {
	Push(measurement.Measurement)
}

// ProbeSpec describes one target for the scheduler to spawn a prober for.
type ProbeSpec struct {
	Kind       measurement.Kind
	Target     string // hostname:port for server_echo, hostname/IP for icmp
	ServerName string // optional human label, server_echo only
	IntervalMs int
	TimeoutMs  int
}

// Interval returns the configured probe cadence, defaulting to 1s.
func (s ProbeSpec) Interval() time.Duration {
	if s.IntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// Timeout returns the configured per-probe timeout, defaulting to
// max(2*interval, 1s) per spec.md §4.6.
func (s ProbeSpec) Timeout() time.Duration {
	if s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	if d := 2 * s.Interval(); d > time.Second {
		return d
	}
	return time.Second
}

func (s ProbeSpec) Validate() error {
	if s.Target == "" {
		return fmt.Errorf("prober: target is required")
	}
	switch s.Kind {
	case measurement.KindICMP, measurement.KindServerEcho:
	default:
		return fmt.Errorf("prober: unknown kind %q", s.Kind)
	}
	return nil
}

func nsToMs(ns int64) float64 {
	return float64(ns) / float64(time.Millisecond)
}

// ChannelSink adapts a plain buffered channel to MeasurementSink by blocking
// on send. It is meant for tests and simple single-prober setups; the
// scheduler's fan-in queue is what production code uses (it never blocks a
// prober - see internal/scheduler).
type ChannelSink chan measurement.Measurement

func (s ChannelSink) Push(m measurement.Measurement) { s <- m }
