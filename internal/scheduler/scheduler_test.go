package scheduler_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/bufferbane/bufferbane/internal/measurement"
	"github.com/bufferbane/bufferbane/internal/prober"
	"github.com/bufferbane/bufferbane/internal/scheduler"
	"github.com/bufferbane/bufferbane/internal/server"
	"github.com/bufferbane/bufferbane/internal/wire"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	measurements chan measurement.Measurement
	events       chan measurement.Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		measurements: make(chan measurement.Measurement, 256),
		events:       make(chan measurement.Event, 256),
	}
}

func (s *recordingSink) InsertMeasurements(_ context.Context, batch []measurement.Measurement) error {
	for _, m := range batch {
		s.measurements <- m
	}
	return nil
}

func (s *recordingSink) InsertEvent(_ context.Context, ev measurement.Event) error {
	s.events <- ev
	return nil
}

func startEchoServer(t *testing.T, key wire.Key) *server.Server {
	t.Helper()
	s, err := server.New(server.Config{Port: 0, Key: key, Clock: clockwork.NewRealClock()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	t.Cleanup(func() { cancel(); _ = s.Close() })
	return s
}

func TestScheduler_EndToEndServerEchoDelivery(t *testing.T) {
	key, err := wire.NewKey()
	require.NoError(t, err)
	clientID, err := wire.NewClientID()
	require.NoError(t, err)

	srv := startEchoServer(t, key)
	_, portStr, err := net.SplitHostPort(srv.LocalAddr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	sink := newRecordingSink()
	sch, err := scheduler.New(scheduler.Config{
		Specs: []prober.ProbeSpec{
			{
				Kind:       measurement.KindServerEcho,
				Target:     net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
				IntervalMs: 20,
				TimeoutMs:  200,
			},
		},
		ServerKey:     key,
		ClientID:      clientID,
		Sink:          sink,
		BatchSize:     1,
		BatchInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	runDone := make(chan struct{})
	go func() { _ = sch.Run(ctx); close(runDone) }()

	select {
	case m := <-sink.measurements:
		require.Equal(t, measurement.KindServerEcho, m.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected at least one measurement delivered to the sink")
	}

	select {
	case <-runDone:
	case <-time.After(scheduler.DrainTimeout + time.Second):
		t.Fatal("scheduler did not shut down within the bounded drain wait")
	}
}

func TestScheduler_RejectsInvalidSpec(t *testing.T) {
	sink := newRecordingSink()
	_, err := scheduler.New(scheduler.Config{
		Specs: []prober.ProbeSpec{{Kind: measurement.KindICMP, Target: ""}},
		Sink:  sink,
	})
	require.Error(t, err)
}

func TestScheduler_RequiresSink(t *testing.T) {
	_, err := scheduler.New(scheduler.Config{})
	require.Error(t, err)
}
