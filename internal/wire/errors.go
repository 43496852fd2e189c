package wire

import "errors"

var (
	// ErrFormat is returned for wrong magic, unsupported version, a truncated
	// or oversized buffer, or any other structural problem detected before
	// the AEAD is opened.
	ErrFormat = errors.New("wire: malformed packet")

	// ErrDecrypt is returned when the AEAD authentication tag fails to
	// verify, meaning either the ciphertext or the associated-data header
	// was tampered with.
	ErrDecrypt = errors.New("wire: decryption failed")
)
