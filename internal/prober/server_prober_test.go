package prober_test

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/bufferbane/bufferbane/internal/measurement"
	"github.com/bufferbane/bufferbane/internal/prober"
	"github.com/bufferbane/bufferbane/internal/server"
	"github.com/bufferbane/bufferbane/internal/wire"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, key wire.Key) *server.Server {
	t.Helper()
	s, err := server.New(server.Config{
		Port:           0,
		Key:            key,
		SessionTimeout: time.Minute,
		Clock:          clockwork.NewRealClock(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	t.Cleanup(func() { cancel(); _ = s.Close() })
	return s
}

func TestServerProber_HandshakeAndSyncEstablishment(t *testing.T) {
	key, err := wire.NewKey()
	require.NoError(t, err)
	clientID, err := wire.NewClientID()
	require.NoError(t, err)

	srv := startTestServer(t, key)
	_, portStr, err := net.SplitHostPort(srv.LocalAddr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	measurements := make(prober.ChannelSink, 256)
	events := make(chan measurement.Event, 16)

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	p, err := prober.NewServerProber(prober.ServerProberConfig{
		Spec: prober.ProbeSpec{
			Kind:       measurement.KindServerEcho,
			Target:     net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
			IntervalMs: 20,
			TimeoutMs:  200,
		},
		Key:      key,
		ClientID: clientID,
		Log:      log,
		Clock:    clockwork.NewRealClock(),
		Out:      measurements,
		EventOut: events,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	var sawEstablished bool
	var sawOneWay bool
	deadline := time.After(2500 * time.Millisecond)
loop:
	for {
		select {
		case ev := <-events:
			if ev.Kind == measurement.EventSyncEstablished {
				sawEstablished = true
			}
		case m := <-measurements:
			if m.HasOneWay {
				sawOneWay = true
			}
			if sawEstablished && sawOneWay {
				break loop
			}
		case <-deadline:
			break loop
		}
	}

	require.True(t, sawEstablished, "expected a sync_established event against a healthy local server")
	require.True(t, sawOneWay, "expected at least one measurement with populated one-way latencies once synced")

	cancel()
	<-done
}

func TestServerProber_RunReturnsOnCancelWhileServerUnreachable(t *testing.T) {
	key, err := wire.NewKey()
	require.NoError(t, err)
	clientID, err := wire.NewClientID()
	require.NoError(t, err)

	// Bind a UDP socket and immediately close it, to get a port nobody is
	// listening on.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	deadPort := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())

	measurements := make(prober.ChannelSink, 256)
	events := make(chan measurement.Event, 16)
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	p, err := prober.NewServerProber(prober.ServerProberConfig{
		Spec: prober.ProbeSpec{
			Kind:       measurement.KindServerEcho,
			Target:     net.JoinHostPort("127.0.0.1", strconv.Itoa(deadPort)),
			IntervalMs: 20,
			TimeoutMs:  50,
		},
		Key:      key,
		ClientID: clientID,
		Log:      log,
		Clock:    clockwork.NewRealClock(),
		Out:      measurements,
		EventOut: events,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	<-done
}
