package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bufferbane/bufferbane/internal/server"
	"github.com/bufferbane/bufferbane/internal/wire"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T) wire.Key {
	t.Helper()
	k, err := wire.NewKey()
	require.NoError(t, err)
	return k
}

func startServer(t *testing.T, key wire.Key, clock clockwork.Clock) (*server.Server, func()) {
	t.Helper()
	s, err := server.New(server.Config{
		Port:           0,
		Key:            key,
		SessionTimeout: time.Minute,
		Clock:          clock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	t.Cleanup(func() { cancel(); _ = s.Close() })

	return s, cancel
}

func dial(t *testing.T, addr net.Addr) *net.UDPConn {
	t.Helper()
	raddr, err := net.ResolveUDPAddr("udp", addr.String())
	require.NoError(t, err)
	conn, err := net.DialUDP("udp", nil, raddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func knockAndExpectAck(t *testing.T, conn *net.UDPConn, key wire.Key, clientID uint64) wire.KnockAckPayload {
	t.Helper()

	knock := wire.KnockPayload{UnixTimeS: uint64(time.Now().Unix())}
	pkt, err := wire.Encode(wire.PacketKnock, clientID, uint64(time.Now().UnixNano()), key, knock.Marshal())
	require.NoError(t, err)

	_, err = conn.Write(pkt)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, server.MaxPacketBytes)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	h, plaintext, err := wire.Decode(buf[:n], key)
	require.NoError(t, err)
	require.Equal(t, wire.PacketKnockAck, h.PacketType)

	ack, err := wire.UnmarshalKnockAckPayload(plaintext)
	require.NoError(t, err)
	return ack
}

func TestServer_KnockThenEcho(t *testing.T) {
	key := mustKey(t)
	s, _ := startServer(t, key, clockwork.NewRealClock())

	conn := dial(t, s.LocalAddr())
	const clientID = uint64(42)

	ack := knockAndExpectAck(t, conn, key, clientID)
	require.NotZero(t, ack.SessionID)

	req := wire.EchoReqPayload{Seq: 1, ClientSendNs: 123456}
	pkt, err := wire.Encode(wire.PacketEchoReq, clientID, uint64(time.Now().UnixNano()), key, req.Marshal())
	require.NoError(t, err)
	_, err = conn.Write(pkt)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, server.MaxPacketBytes)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	h, plaintext, err := wire.Decode(buf[:n], key)
	require.NoError(t, err)
	require.Equal(t, wire.PacketEchoRep, h.PacketType)

	rep, err := wire.UnmarshalEchoRepPayload(plaintext)
	require.NoError(t, err)
	require.Equal(t, req.Seq, rep.Seq)
	require.Equal(t, req.ClientSendNs, rep.ClientSendNs)
	require.GreaterOrEqual(t, rep.ServerSendNs, rep.ServerRecvNs)
}

func TestServer_EchoWithoutSessionIsDropped(t *testing.T) {
	key := mustKey(t)
	s, _ := startServer(t, key, clockwork.NewRealClock())
	conn := dial(t, s.LocalAddr())

	req := wire.EchoReqPayload{Seq: 1, ClientSendNs: 1}
	pkt, err := wire.Encode(wire.PacketEchoReq, 999, uint64(time.Now().UnixNano()), key, req.Marshal())
	require.NoError(t, err)
	_, err = conn.Write(pkt)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	buf := make([]byte, server.MaxPacketBytes)
	_, err = conn.Read(buf)
	require.Error(t, err, "server must not reply to ECHO_REQ without a prior KNOCK")
}

// TestServer_ReplayedNonceIsSilentlyDropped covers spec scenario E2: a
// captured ECHO_REQ replayed verbatim must not produce a second reply.
func TestServer_ReplayedNonceIsSilentlyDropped(t *testing.T) {
	key := mustKey(t)
	s, _ := startServer(t, key, clockwork.NewRealClock())
	conn := dial(t, s.LocalAddr())
	const clientID = uint64(7)

	knockAndExpectAck(t, conn, key, clientID)

	req := wire.EchoReqPayload{Seq: 1, ClientSendNs: 10}
	pkt, err := wire.Encode(wire.PacketEchoReq, clientID, uint64(time.Now().UnixNano()), key, req.Marshal())
	require.NoError(t, err)

	_, err = conn.Write(pkt)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, server.MaxPacketBytes)
	_, err = conn.Read(buf)
	require.NoError(t, err, "first ECHO_REQ must be answered")

	// Replay the exact same bytes.
	_, err = conn.Write(pkt)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = conn.Read(buf)
	require.Error(t, err, "a replayed ECHO_REQ must not get a second reply")
}

// TestServer_TamperedCiphertextIsSilentlyDropped covers spec scenario E3: a
// bit-flipped packet must fail AEAD verification and produce no reply, not an
// error packet that would help an attacker distinguish failure modes.
func TestServer_TamperedCiphertextIsSilentlyDropped(t *testing.T) {
	key := mustKey(t)
	s, _ := startServer(t, key, clockwork.NewRealClock())
	conn := dial(t, s.LocalAddr())

	knock := wire.KnockPayload{UnixTimeS: uint64(time.Now().Unix())}
	pkt, err := wire.Encode(wire.PacketKnock, 1, uint64(time.Now().UnixNano()), key, knock.Marshal())
	require.NoError(t, err)
	pkt[len(pkt)-1] ^= 0xFF // flip a tag byte

	_, err = conn.Write(pkt)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	buf := make([]byte, server.MaxPacketBytes)
	_, err = conn.Read(buf)
	require.Error(t, err, "tampered packet must not produce any reply")
}

func TestServer_WrongKeyIsSilentlyDropped(t *testing.T) {
	key := mustKey(t)
	wrongKey := mustKey(t)
	s, _ := startServer(t, key, clockwork.NewRealClock())
	conn := dial(t, s.LocalAddr())

	knock := wire.KnockPayload{UnixTimeS: uint64(time.Now().Unix())}
	pkt, err := wire.Encode(wire.PacketKnock, 1, uint64(time.Now().UnixNano()), wrongKey, knock.Marshal())
	require.NoError(t, err)

	_, err = conn.Write(pkt)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	buf := make([]byte, server.MaxPacketBytes)
	_, err = conn.Read(buf)
	require.Error(t, err)
}

func TestServer_StaleNonceTimestampRejected(t *testing.T) {
	key := mustKey(t)
	s, _ := startServer(t, key, clockwork.NewRealClock())
	conn := dial(t, s.LocalAddr())

	knock := wire.KnockPayload{UnixTimeS: uint64(time.Now().Add(-time.Hour).Unix())}
	staleNs := uint64(time.Now().Add(-time.Hour).UnixNano())
	pkt, err := wire.Encode(wire.PacketKnock, 1, staleNs, key, knock.Marshal())
	require.NoError(t, err)

	_, err = conn.Write(pkt)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	buf := make([]byte, server.MaxPacketBytes)
	_, err = conn.Read(buf)
	require.Error(t, err, "a KNOCK with a nonce_ts_ns outside the wall-clock skew window must be dropped")
}
