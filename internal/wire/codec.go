package wire

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
)

// Key is the 32-byte pre-shared AEAD key shared by client and server.
type Key [KeySize]byte

// Encode builds a wire packet: it seals plaintext with the given key under a
// nonce derived from clientID and nonceTS, using the packet's own header as
// associated data, and returns the full packet bytes (header ‖ ciphertext ‖ tag).
//
// The caller is responsible for choosing a nonceTS that has not been used
// before for this clientID within the AEAD's safety margin; Encode does not
// check for reuse. In this protocol senders use the current wall-clock time
// in nanoseconds (see internal/prober for the client, internal/server for the
// reflector's replies).
func Encode(packetType PacketType, clientID uint64, nonceTS uint64, key Key, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintextSize {
		return nil, ErrFormat
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	h := Header{
		Magic:          Magic,
		Version:        Version,
		PacketType:     packetType,
		CiphertextLen:  uint16(len(plaintext) + TagSize),
		ClientID:       clientID,
		NonceTimestamp: nonceTS,
	}

	out := make([]byte, HeaderSize, HeaderSize+len(plaintext)+TagSize)
	if err := h.Marshal(out); err != nil {
		return nil, err
	}

	nonce := h.Nonce()
	sealed := aead.Seal(out, nonce[:], plaintext, out[:HeaderSize])
	return sealed, nil
}

// DecodeHeader validates and returns the cleartext header of buf, without
// touching the AEAD. Servers use this to inspect nonce_ts_ns (for the wall-
// clock sanity window) before paying for a decrypt, per spec.md §4.4 steps
// 1-2. It fails with ErrFormat on wrong magic, unsupported version, or a
// truncated/oversized buffer.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrFormat
	}
	h, err := UnmarshalHeader(buf)
	if err != nil {
		return Header{}, ErrFormat
	}
	if h.Magic != Magic {
		return Header{}, ErrFormat
	}
	if h.Version != Version {
		return Header{}, ErrFormat
	}
	if int(h.CiphertextLen) < TagSize {
		return Header{}, ErrFormat
	}
	if len(buf)-HeaderSize != int(h.CiphertextLen) {
		return Header{}, ErrFormat
	}
	return h, nil
}

// Open AEAD-opens the ciphertext in buf (which must immediately follow
// HeaderSize bytes) given its already-validated header h. It fails with
// ErrDecrypt on tag mismatch.
func Open(buf []byte, h Header, key Key) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, ErrFormat
	}

	ciphertext := buf[HeaderSize:]
	nonce := h.Nonce()
	plaintext, err := aead.Open(ciphertext[:0], nonce[:], ciphertext, buf[:HeaderSize])
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Decode parses and opens a wire packet. It fails with ErrFormat on wrong
// magic, unsupported version, or a truncated/oversized buffer, and with
// ErrDecrypt on AEAD tag mismatch. Both failure paths are designed so callers
// can silently drop the packet without leaking which failure occurred, per
// the protocol's "appears closed to scanners" policy.
func Decode(buf []byte, key Key) (Header, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	plaintext, err := Open(buf, h, key)
	if err != nil {
		return Header{}, nil, err
	}
	return h, plaintext, nil
}

// NewClientID generates a random 64-bit client identifier.
func NewClientID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// NewKey generates a random 32-byte pre-shared key, for bootstrapping new
// deployments (e.g. `bufferbane-server genkey`).
func NewKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, err
	}
	return k, nil
}
