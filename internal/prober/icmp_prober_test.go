package prober

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/bufferbane/bufferbane/internal/measurement"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestICMPProber_UnresolvableTargetReportsError(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	out := make(ChannelSink, 1)

	spec := ProbeSpec{Kind: measurement.KindICMP, Target: "", IntervalMs: 50, TimeoutMs: 50}
	p := NewICMPProber(spec, log, clockwork.NewRealClock(), out)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.probeOnce(ctx)

	select {
	case m := <-out:
		require.Equal(t, measurement.StatusError, m.Status)
		require.NotEmpty(t, m.Error)
	case <-time.After(time.Second):
		t.Fatal("expected a measurement to be emitted")
	}
}

func TestICMPProber_RunRespondsToCancellation(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	out := make(ChannelSink, 4)

	spec := ProbeSpec{Kind: measurement.KindICMP, Target: "", IntervalMs: 10, TimeoutMs: 10}
	p := NewICMPProber(spec, log, clockwork.NewRealClock(), out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("prober did not stop after context cancellation")
	}
}
