package prober

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/bufferbane/bufferbane/internal/measurement"
	"github.com/bufferbane/bufferbane/internal/timesync"
	"github.com/bufferbane/bufferbane/internal/wire"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// maxConsecutiveTimeouts is the number of back-to-back timed-out probes that
// mark a session as lost, per spec.md §4.6.
const maxConsecutiveTimeouts = 3

const maxPacketBytes = 1500

// ServerProber drives the authenticated echo handshake and probe loop against
// one configured server target. It owns its own UDP socket, session state,
// and time-sync estimator; nothing else touches them.
type ServerProber struct {
	spec ProbeSpec
	log  *slog.Logger

	clock clockwork.Clock
	key   wire.Key

	clientID uint64
	conn     *net.UDPConn

	out      MeasurementSink
	eventOut chan<- measurement.Event

	seq                 uint32
	sessionStart        time.Time
	consecutiveTimeouts int
	estimator           *timesync.Estimator
	jitter              *rttWindow
}

// ServerProberConfig configures a ServerProber.
type ServerProberConfig struct {
	Spec     ProbeSpec
	Key      wire.Key
	ClientID uint64
	Log      *slog.Logger
	Clock    clockwork.Clock
	Out      MeasurementSink
	EventOut chan<- measurement.Event
}

// NewServerProber creates a prober for spec, which must have Kind ==
// KindServerEcho and Target == "host:port".
func NewServerProber(cfg ServerProberConfig) (*ServerProber, error) {
	raddr, err := net.ResolveUDPAddr("udp", cfg.Spec.Target)
	if err != nil {
		return nil, fmt.Errorf("prober: resolve server target %q: %w", cfg.Spec.Target, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("prober: dial server target %q: %w", cfg.Spec.Target, err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &ServerProber{
		spec:     cfg.Spec,
		log:      cfg.Log.With("prober", "server_echo", "target", cfg.Spec.Target),
		clock:    clock,
		key:      cfg.Key,
		clientID: cfg.ClientID,
		conn:     conn,
		out:      cfg.Out,
		eventOut: cfg.EventOut,
		jitter:   newRTTWindow(10),
	}, nil
}

// Run drives handshake-then-probe cycles until ctx is cancelled.
func (p *ServerProber) Run(ctx context.Context) {
	defer p.conn.Close()

	for ctx.Err() == nil {
		if err := p.handshake(ctx); err != nil {
			return // only returns non-nil when ctx is done
		}

		p.sessionStart = time.Now()
		p.seq = 0
		p.consecutiveTimeouts = 0
		p.estimator = timesync.New(p.clock, timesync.DefaultDebounce)

		if !p.probeLoop(ctx) {
			return
		}
		// probeLoop returned true: session assumed lost, re-handshake.
	}
}

// handshake retries KNOCK/KNOCK_ACK with exponential backoff (1s, 2s, 4s, ...
// capped at 30s) until it succeeds or ctx is cancelled.
func (p *ServerProber) handshake(ctx context.Context) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2.0),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMaxElapsedTime(0), // retry until ctx is cancelled
	)
	return backoff.Retry(func() error {
		err := p.knockOnce(ctx)
		if err != nil {
			p.log.Debug("knock failed, retrying", "error", err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func (p *ServerProber) knockOnce(ctx context.Context) error {
	padding := make([]byte, rand.Intn(65))
	knock := wire.KnockPayload{UnixTimeS: uint64(time.Now().Unix()), Padding: padding}
	pkt, err := wire.Encode(wire.PacketKnock, p.clientID, uint64(time.Now().UnixNano()), p.key, knock.Marshal())
	if err != nil {
		return err
	}

	if err := p.conn.SetDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return err
	}
	if _, err := p.conn.Write(pkt); err != nil {
		return err
	}

	buf := make([]byte, maxPacketBytes)
	n, err := p.conn.Read(buf)
	if err != nil {
		return err
	}

	h, plaintext, err := wire.Decode(buf[:n], p.key)
	if err != nil {
		return err
	}
	if h.PacketType != wire.PacketKnockAck {
		return fmt.Errorf("prober: unexpected reply type %s to KNOCK", h.PacketType)
	}
	if _, err := wire.UnmarshalKnockAckPayload(plaintext); err != nil {
		return err
	}
	return nil
}

// probeLoop runs ECHO_REQ/ECHO_REP cycles on a fixed-period ticker until the
// session is assumed lost (returns true, caller should re-handshake) or ctx
// is cancelled (returns false).
func (p *ServerProber) probeLoop(ctx context.Context) bool {
	if p.probeOnce(ctx) {
		return true
	}

	ticker := p.clock.NewTicker(p.spec.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.Chan():
			if p.probeOnce(ctx) {
				return true
			}
		}
	}
}

// probeOnce sends one ECHO_REQ and awaits its reply. It returns true if this
// timeout was the Kth consecutive one, meaning the session should be
// considered lost.
func (p *ServerProber) probeOnce(ctx context.Context) bool {
	p.seq++
	seq := p.seq
	timeout := p.spec.Timeout()

	t1 := time.Since(p.sessionStart).Nanoseconds()
	req := wire.EchoReqPayload{Seq: seq, ClientSendNs: uint64(t1)}
	pkt, err := wire.Encode(wire.PacketEchoReq, p.clientID, uint64(time.Now().UnixNano()), p.key, req.Marshal())
	if err != nil {
		p.log.Error("failed to encode ECHO_REQ", "error", err)
		return p.recordTimeout(ctx, t1)
	}

	if err := p.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return p.recordTimeout(ctx, t1)
	}
	if _, err := p.conn.Write(pkt); err != nil {
		return p.recordTimeout(ctx, t1)
	}

	buf := make([]byte, maxPacketBytes)
	n, err := p.conn.Read(buf)
	t4 := time.Since(p.sessionStart).Nanoseconds()
	if err != nil {
		return p.recordTimeout(ctx, t4)
	}

	h, plaintext, err := wire.Decode(buf[:n], p.key)
	if err != nil {
		// ProtocolViolation on the client side is treated as a timeout for
		// this outstanding seq (spec.md §4.6 step 5).
		return p.recordTimeout(ctx, t4)
	}
	if h.PacketType != wire.PacketEchoRep {
		return p.recordTimeout(ctx, t4)
	}

	rep, err := wire.UnmarshalEchoRepPayload(plaintext)
	if err != nil || rep.Seq != seq {
		// Mismatched or malformed reply: discard, don't count toward loss
		// detection beyond this one probe's timeout.
		return p.recordTimeout(ctx, t4)
	}

	p.consecutiveTimeouts = 0
	out, ev, err := p.estimator.Observe(timesync.Timestamps{
		T1: t1,
		T2: int64(rep.ServerRecvNs),
		T3: int64(rep.ServerSendNs),
		T4: t4,
	})
	if err != nil {
		p.log.Warn("discarding non-monotonic round trip", "error", err)
	}
	p.emitSyncEvent(ctx, ev)

	m := measurement.Measurement{
		TsUnixS:       time.Now().Unix(),
		TsMonotonicNs: t4,
		Kind:          measurement.KindServerEcho,
		Target:        p.spec.Target,
		Status:        measurement.StatusOK,
	}
	if p.spec.ServerName != "" {
		m.ServerName = p.spec.ServerName
		m.HasServerName = true
	}
	if err == nil {
		m.RttMs = nsToMs(out.RttNs)
		m.HasRtt = true
		p.jitter.add(m.RttMs)
		if j, ok := p.jitter.stddev(); ok {
			m.JitterMs = j
			m.HasJitter = true
		}
		if out.HasProcessing {
			m.ServerProcessing = float64(out.ProcessingNs) / float64(time.Microsecond)
			m.HasProcessing = true
		}
		if out.HasOneWay {
			m.UploadMs = nsToMs(out.UploadNs)
			m.DownloadMs = nsToMs(out.DownloadNs)
			m.HasOneWay = true
		}
	}
	p.emit(m)
	return false
}

func (p *ServerProber) recordTimeout(ctx context.Context, monotonicNs int64) bool {
	p.consecutiveTimeouts++

	m := measurement.Measurement{
		TsUnixS:       time.Now().Unix(),
		TsMonotonicNs: monotonicNs,
		Kind:          measurement.KindServerEcho,
		Target:        p.spec.Target,
		Status:        measurement.StatusTimeout,
	}
	if p.spec.ServerName != "" {
		m.ServerName = p.spec.ServerName
		m.HasServerName = true
	}
	p.emit(m)

	if p.consecutiveTimeouts >= maxConsecutiveTimeouts {
		p.emitSyncEvent(ctx, timesync.EventSyncLost)
		return true
	}
	return false
}

func (p *ServerProber) emitSyncEvent(ctx context.Context, ev timesync.Event) {
	var kind measurement.EventKind
	switch ev {
	case timesync.EventSyncEstablished:
		kind = measurement.EventSyncEstablished
	case timesync.EventSyncLost:
		kind = measurement.EventSyncLost
	default:
		return
	}
	select {
	case p.eventOut <- measurement.Event{
		TsUnixS: time.Now().Unix(),
		Kind:    kind,
		Severity: func() measurement.Severity {
			if kind == measurement.EventSyncLost {
				return measurement.SeverityWarning
			}
			return measurement.SeverityInfo
		}(),
		Details: fmt.Sprintf("target=%s", p.spec.Target),
	}:
	case <-ctx.Done():
	}
}

func (p *ServerProber) emit(m measurement.Measurement) {
	p.out.Push(m)
}
