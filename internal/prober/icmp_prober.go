package prober

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bufferbane/bufferbane/internal/measurement"
	"github.com/jonboulle/clockwork"
	probing "github.com/prometheus-community/pro-bing"
)

// ICMPProber sends one ICMP echo per tick and emits a Measurement. It treats
// the ping primitive as opaque: it only ever asks for RTT-or-timeout.
type ICMPProber struct {
	spec  ProbeSpec
	log   *slog.Logger
	clock clockwork.Clock
	out   MeasurementSink

	jitter *rttWindow
}

// NewICMPProber creates a prober for spec, which must have Kind == KindICMP.
func NewICMPProber(spec ProbeSpec, log *slog.Logger, clock clockwork.Clock, out MeasurementSink) *ICMPProber {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ICMPProber{
		spec:   spec,
		log:    log.With("prober", "icmp", "target", spec.Target),
		clock:  clock,
		out:    out,
		jitter: newRTTWindow(10),
	}
}

// Run drives the probe loop until ctx is cancelled. It fires an initial probe
// immediately, then resynchronises to a fixed-period ticker - a slow probe
// never causes the schedule itself to drift (spec.md §4.8 pacing contract).
func (p *ICMPProber) Run(ctx context.Context) {
	p.probeOnce(ctx)

	ticker := p.clock.NewTicker(p.spec.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.probeOnce(ctx)
		}
	}
}

func (p *ICMPProber) probeOnce(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, p.spec.Timeout())
	defer cancel()

	m := measurement.Measurement{
		TsUnixS: p.clock.Now().Unix(),
		Kind:    measurement.KindICMP,
		Target:  p.spec.Target,
	}

	pinger, err := probing.NewPinger(p.spec.Target)
	if err != nil {
		m.Status = measurement.StatusError
		m.Error = err.Error()
		p.emit(m)
		return
	}
	defer pinger.Stop()
	pinger.SetPrivileged(true)
	pinger.Count = 1
	pinger.Timeout = p.spec.Timeout()

	if err := pinger.RunWithContext(pctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			m.Status = measurement.StatusTimeout
		} else {
			m.Status = measurement.StatusError
			m.Error = err.Error()
		}
		p.emit(m)
		return
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		m.Status = measurement.StatusTimeout
		p.emit(m)
		return
	}

	rttMs := float64(stats.AvgRtt) / float64(time.Millisecond)
	p.jitter.add(rttMs)

	m.Status = measurement.StatusOK
	m.RttMs = rttMs
	m.HasRtt = true
	m.LossPct = 100 * float64(stats.PacketsSent-stats.PacketsRecv) / float64(max(stats.PacketsSent, 1))
	m.HasLoss = true
	if j, ok := p.jitter.stddev(); ok {
		m.JitterMs = j
		m.HasJitter = true
	}
	p.emit(m)
}

func (p *ICMPProber) emit(m measurement.Measurement) {
	p.out.Push(m)
}
