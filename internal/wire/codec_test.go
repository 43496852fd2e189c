package wire_test

import (
	"testing"

	"github.com/bufferbane/bufferbane/internal/wire"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) wire.Key {
	t.Helper()
	var k wire.Key
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestCodec_RoundTrip(t *testing.T) {
	key := testKey(t)

	cases := []struct {
		name       string
		packetType wire.PacketType
		clientID   uint64
		nonceTS    uint64
		plaintext  []byte
	}{
		{"knock", wire.PacketKnock, 1, 100, wire.KnockPayload{UnixTimeS: 1234, Padding: []byte{1, 2, 3}}.Marshal()},
		{"knock_ack", wire.PacketKnockAck, 2, 200, wire.KnockAckPayload{SessionID: 7, ValidUntilUnix: 999}.Marshal()},
		{"echo_req", wire.PacketEchoReq, 3, 300, wire.EchoReqPayload{Seq: 9, ClientSendNs: 123456}.Marshal()},
		{"echo_rep", wire.PacketEchoRep, 4, 400, wire.EchoRepPayload{Seq: 9, ClientSendNs: 1, ServerRecvNs: 2, ServerSendNs: 3}.Marshal()},
		{"error", wire.PacketError, 5, 500, wire.ErrorPayload{Code: 1, Message: "nope"}.Marshal()},
		{"empty", wire.PacketEchoReq, 6, 600, nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			packet, err := wire.Encode(c.packetType, c.clientID, c.nonceTS, key, c.plaintext)
			require.NoError(t, err)

			h, plaintext, err := wire.Decode(packet, key)
			require.NoError(t, err)
			require.Equal(t, c.packetType, h.PacketType)
			require.Equal(t, c.clientID, h.ClientID)
			require.Equal(t, c.nonceTS, h.NonceTimestamp)
			require.Equal(t, c.plaintext, plaintext)
		})
	}
}

func TestCodec_MutationBreaksDecode(t *testing.T) {
	key := testKey(t)
	packet, err := wire.Encode(wire.PacketEchoReq, 1, 42, key, wire.EchoReqPayload{Seq: 1, ClientSendNs: 2}.Marshal())
	require.NoError(t, err)

	for i := range packet {
		mutated := append([]byte(nil), packet...)
		mutated[i] ^= 0xFF
		_, _, err := wire.Decode(mutated, key)
		require.Error(t, err, "mutating byte %d should break decode", i)
	}
}

func TestCodec_WrongKeyFailsDecrypt(t *testing.T) {
	key := testKey(t)
	var wrongKey wire.Key
	for i := range wrongKey {
		wrongKey[i] = byte(255 - i)
	}

	packet, err := wire.Encode(wire.PacketEchoReq, 1, 42, key, wire.EchoReqPayload{Seq: 1, ClientSendNs: 2}.Marshal())
	require.NoError(t, err)

	_, _, err = wire.Decode(packet, wrongKey)
	require.ErrorIs(t, err, wire.ErrDecrypt)
}

func TestCodec_TruncatedFailsFormat(t *testing.T) {
	key := testKey(t)
	packet, err := wire.Encode(wire.PacketEchoReq, 1, 42, key, wire.EchoReqPayload{Seq: 1, ClientSendNs: 2}.Marshal())
	require.NoError(t, err)

	_, _, err = wire.Decode(packet[:wire.HeaderSize-1], key)
	require.ErrorIs(t, err, wire.ErrFormat)
}

func TestCodec_WrongMagicFailsFormat(t *testing.T) {
	key := testKey(t)
	packet, err := wire.Encode(wire.PacketEchoReq, 1, 42, key, wire.EchoReqPayload{Seq: 1, ClientSendNs: 2}.Marshal())
	require.NoError(t, err)

	packet[0] ^= 0xFF
	_, _, err = wire.Decode(packet, key)
	require.ErrorIs(t, err, wire.ErrFormat)
}

func TestCodec_UnsupportedVersionFailsFormat(t *testing.T) {
	key := testKey(t)
	packet, err := wire.Encode(wire.PacketEchoReq, 1, 42, key, wire.EchoReqPayload{Seq: 1, ClientSendNs: 2}.Marshal())
	require.NoError(t, err)

	packet[4] = 2
	_, _, err = wire.Decode(packet, key)
	require.ErrorIs(t, err, wire.ErrFormat)
}

func TestCodec_OversizedCiphertextLenFailsFormat(t *testing.T) {
	key := testKey(t)
	packet, err := wire.Encode(wire.PacketEchoReq, 1, 42, key, wire.EchoReqPayload{Seq: 1, ClientSendNs: 2}.Marshal())
	require.NoError(t, err)

	// Claim a ciphertext length far larger than the buffer actually carries.
	packet[6] = 0xFF
	packet[7] = 0xFF
	_, _, err = wire.Decode(packet, key)
	require.ErrorIs(t, err, wire.ErrFormat)
}
