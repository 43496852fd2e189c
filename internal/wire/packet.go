// Package wire implements the bufferbane UDP echo protocol's binary framing:
// a 24-byte cleartext header followed by an AEAD-sealed payload.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the size in bytes of the cleartext packet header.
	HeaderSize = 24

	// TagSize is the size in bytes of the AEAD authentication tag appended to
	// every sealed payload.
	TagSize = 16

	// KeySize is the size in bytes of the pre-shared AEAD key.
	KeySize = 32

	// Version is the only wire version this implementation speaks.
	Version = 1

	// MaxPlaintextSize bounds payload size so ciphertext_len never overflows
	// its 16-bit field. It does not keep a packet within one MTU: the
	// protocol's own payloads are far smaller than this bound.
	MaxPlaintextSize = 4096
)

// PacketType identifies the payload framed inside a packet.
type PacketType byte

const (
	PacketKnock    PacketType = 0x01
	PacketKnockAck PacketType = 0x02
	PacketEchoReq  PacketType = 0x10
	PacketEchoRep  PacketType = 0x11
	PacketError    PacketType = 0xFF
)

func (t PacketType) String() string {
	switch t {
	case PacketKnock:
		return "KNOCK"
	case PacketKnockAck:
		return "KNOCK_ACK"
	case PacketEchoReq:
		return "ECHO_REQ"
	case PacketEchoRep:
		return "ECHO_REP"
	case PacketError:
		return "ERROR"
	default:
		return fmt.Sprintf("PacketType(0x%02x)", byte(t))
	}
}

// Magic is the fixed 4-byte tag identifying the bufferbane protocol.
var Magic = [4]byte{'B', 'B', 'N', '1'}

// Header is the 24-byte cleartext header carried by every packet. It is also
// the AEAD's associated data in full.
type Header struct {
	Magic          [4]byte
	Version        byte
	PacketType     PacketType
	CiphertextLen  uint16 // includes the 16-byte auth tag
	ClientID       uint64
	NonceTimestamp uint64 // nanoseconds since a fixed epoch, per-client-unique
}

// Nonce derives the 12-byte AEAD nonce from the header: client_id[0..4] ‖ nonce_ts_ns.
func (h Header) Nonce() [12]byte {
	var n [12]byte
	var cid [8]byte
	binary.BigEndian.PutUint64(cid[:], h.ClientID)
	copy(n[0:4], cid[0:4])
	binary.BigEndian.PutUint64(n[4:12], h.NonceTimestamp)
	return n
}

// Marshal writes the header into buf, which must be at least HeaderSize bytes.
func (h Header) Marshal(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("wire: buffer too small for header: %d < %d", len(buf), HeaderSize)
	}
	copy(buf[0:4], h.Magic[:])
	buf[4] = h.Version
	buf[5] = byte(h.PacketType)
	binary.BigEndian.PutUint16(buf[6:8], h.CiphertextLen)
	binary.BigEndian.PutUint64(buf[8:16], h.ClientID)
	binary.BigEndian.PutUint64(buf[16:24], h.NonceTimestamp)
	return nil
}

// UnmarshalHeader reads a Header from the first HeaderSize bytes of buf. It
// does not validate magic/version; callers that need strict format validation
// should use Decode.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrFormat
	}
	var h Header
	copy(h.Magic[:], buf[0:4])
	h.Version = buf[4]
	h.PacketType = PacketType(buf[5])
	h.CiphertextLen = binary.BigEndian.Uint16(buf[6:8])
	h.ClientID = binary.BigEndian.Uint64(buf[8:16])
	h.NonceTimestamp = binary.BigEndian.Uint64(buf[16:24])
	return h, nil
}
