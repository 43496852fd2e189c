// Package server implements the bufferbane echo server: a single-socket,
// authenticated UDP reflector that turns KNOCK handshakes into sessions and
// ECHO_REQ packets into timestamped ECHO_REP replies.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bufferbane/bufferbane/internal/session"
	"github.com/bufferbane/bufferbane/internal/wire"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// MaxPacketBytes bounds a single datagram; anything larger is silently
// dropped before it is even parsed.
const MaxPacketBytes = 1500

// Config configures a Server.
type Config struct {
	// BindAddress is the local IP to listen on; empty means all interfaces.
	BindAddress string
	Port        uint16
	Key         wire.Key

	// SessionTimeout is how long a KNOCK authorizes a client for.
	SessionTimeout time.Duration
	MaxSessions    int
	NonceWindow    time.Duration

	// PerIPRateLimit bounds packets/sec accepted from a single remote
	// address; <= 0 disables rate limiting.
	PerIPRateLimit float64

	Clock    clockwork.Clock
	Log      *slog.Logger
	Registry prometheus.Registerer
}

// Server is the bufferbane echo server. It is not safe for concurrent use
// beyond the goroutines it starts itself.
type Server struct {
	log     *slog.Logger
	conn    *net.UDPConn
	key     wire.Key
	clock   clockwork.Clock
	metrics *metrics

	sessions *session.Table
	limiters *rateLimiters

	sessionTimeout time.Duration

	start time.Time // monotonic reference for server-side T2/T3 timestamps

	closeOnce sync.Once
}

// New creates a Server bound to the configured UDP port but does not start
// serving; call Run to do that.
func New(cfg Config) (*Server, error) {
	var ip net.IP
	if cfg.BindAddress != "" {
		ip = net.ParseIP(cfg.BindAddress)
		if ip == nil {
			return nil, fmt.Errorf("bufferbane: invalid bind address %q", cfg.BindAddress)
		}
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: int(cfg.Port)})
	if err != nil {
		return nil, fmt.Errorf("bufferbane: listen on UDP port %d: %w", cfg.Port, err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	sessionTimeout := cfg.SessionTimeout
	if sessionTimeout <= 0 {
		sessionTimeout = 5 * time.Minute
	}

	return &Server{
		log:   log,
		conn:  conn,
		key:   cfg.Key,
		clock: clock,
		sessions: session.NewTable(session.Config{
			Clock:       clock,
			MaxSessions: cfg.MaxSessions,
			NonceWindow: cfg.NonceWindow,
		}),
		limiters:       newRateLimiters(cfg.PerIPRateLimit, 0),
		sessionTimeout: sessionTimeout,
		metrics:        newMetrics(cfg.Registry),
		start:          time.Now(),
	}, nil
}

// LocalAddr returns the address the server is listening on.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Run serves until ctx is cancelled or the socket is closed. It blocks.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("echo server starting", "address", s.conn.LocalAddr())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	sweep := time.NewTicker(30 * time.Second)
	defer sweep.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-sweep.C:
				s.sessions.SweepExpired(now)
				s.limiters.Sweep()
				s.metrics.sessionsActive.Set(float64(s.sessions.Len()))
			}
		}
	}()

	buf := make([]byte, MaxPacketBytes)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			if isClosedErr(err) {
				return nil
			}
			return fmt.Errorf("bufferbane: set read deadline: %w", err)
		}

		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if isClosedErr(err) {
				return nil
			}
			s.log.Warn("udp read error", "error", err)
			continue
		}

		s.handlePacket(buf[:n], addr)
	}
}

// handlePacket implements the per-datagram decision tree. Every failure path
// falls through to a silent drop: the protocol is designed to appear closed
// to anything that isn't a legitimate client holding the pre-shared key.
func (s *Server) handlePacket(buf []byte, addr *net.UDPAddr) {
	remote := addr.String()

	if !s.limiters.Allow(addr.IP.String()) {
		s.metrics.packetsDropped.WithLabelValues("rate_limited").Inc()
		return
	}

	h, err := wire.DecodeHeader(buf)
	if err != nil {
		s.metrics.packetsDropped.WithLabelValues("malformed").Inc()
		return
	}

	now := s.clock.Now()
	if !withinWallClockSkew(now, int64(h.NonceTimestamp)) {
		s.metrics.packetsDropped.WithLabelValues("stale_nonce_ts").Inc()
		return
	}

	plaintext, err := wire.Open(buf, h, s.key)
	if err != nil {
		s.metrics.packetsDropped.WithLabelValues("decrypt_failed").Inc()
		return
	}

	switch h.PacketType {
	case wire.PacketKnock:
		s.handleKnock(h, plaintext, remote, now)
	case wire.PacketEchoReq:
		s.handleEchoReq(h, plaintext, remote, addr)
	default:
		s.metrics.packetsDropped.WithLabelValues("unexpected_type").Inc()
	}
}

func (s *Server) handleKnock(h wire.Header, plaintext []byte, remote string, now time.Time) {
	knock, err := wire.UnmarshalKnockPayload(plaintext)
	if err != nil {
		s.metrics.packetsDropped.WithLabelValues("malformed_knock").Inc()
		return
	}
	if !withinWallClockSkew(now, int64(knock.UnixTimeS)*int64(time.Second)) {
		s.metrics.packetsDropped.WithLabelValues("stale_knock_ts").Inc()
		return
	}

	sess, ok := s.sessions.CreateOrRefresh(h.ClientID, remote, s.sessionTimeout)
	if !ok {
		s.metrics.packetsDropped.WithLabelValues("session_table_full").Inc()
		return
	}

	ack := wire.KnockAckPayload{
		SessionID:      sess.SessionID,
		ValidUntilUnix: uint32(sess.ValidUntilWall),
	}
	reply, err := wire.Encode(wire.PacketKnockAck, h.ClientID, uint64(s.clock.Now().UnixNano()), s.key, ack.Marshal())
	if err != nil {
		s.log.Error("failed to encode KNOCK_ACK", "error", err)
		return
	}
	if err := s.send(reply, remote); err != nil {
		s.log.Debug("failed to send KNOCK_ACK", "remote", remote, "error", err)
		return
	}
	s.metrics.knocksTotal.Inc()
}

func (s *Server) handleEchoReq(h wire.Header, plaintext []byte, remote string, addr *net.UDPAddr) {
	sess := s.sessions.Lookup(h.ClientID, remote)
	if sess == nil {
		s.metrics.packetsDropped.WithLabelValues("no_session").Inc()
		return
	}
	if !sess.NonceCache.CheckAndInsert(h.NonceTimestamp) {
		s.metrics.nonceReplays.Inc()
		s.metrics.packetsDropped.WithLabelValues("nonce_replay").Inc()
		return
	}

	req, err := wire.UnmarshalEchoReqPayload(plaintext)
	if err != nil {
		s.metrics.packetsDropped.WithLabelValues("malformed_echo_req").Inc()
		return
	}

	serverRecvNs := uint64(time.Since(s.start).Nanoseconds())
	rep := wire.EchoRepPayload{
		Seq:          req.Seq,
		ClientSendNs: req.ClientSendNs,
		ServerRecvNs: serverRecvNs,
		// ServerSendNs is computed immediately below, right before sealing,
		// never patched into an already-sealed buffer.
		ServerSendNs: 0,
	}
	rep.ServerSendNs = uint64(time.Since(s.start).Nanoseconds())

	reply, err := wire.Encode(wire.PacketEchoRep, h.ClientID, uint64(s.clock.Now().UnixNano()), s.key, rep.Marshal())
	if err != nil {
		s.log.Error("failed to encode ECHO_REP", "error", err)
		return
	}
	if err := s.send(reply, remote); err != nil {
		s.log.Debug("failed to send ECHO_REP", "remote", remote, "error", err)
		return
	}
	s.metrics.echoesTotal.Inc()
}

func (s *Server) send(buf []byte, remote string) error {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(buf, addr)
	return err
}

// Close stops the server and releases its socket.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.log.Debug("echo server closing")
		err = s.conn.Close()
	})
	return err
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
