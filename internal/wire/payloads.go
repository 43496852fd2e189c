package wire

import "encoding/binary"

// KnockPayload is the plaintext of a KNOCK packet: a wall-clock anchor plus
// random padding used to vary packet size (0..255 bytes) for traffic
// obfuscation. It is the only place in the protocol where wall-clock time is
// used for anything other than the replay-window check.
type KnockPayload struct {
	UnixTimeS uint64
	Padding   []byte
}

func (p KnockPayload) Marshal() []byte {
	buf := make([]byte, 8+len(p.Padding))
	binary.BigEndian.PutUint64(buf[0:8], p.UnixTimeS)
	copy(buf[8:], p.Padding)
	return buf
}

func UnmarshalKnockPayload(buf []byte) (KnockPayload, error) {
	if len(buf) < 8 {
		return KnockPayload{}, ErrFormat
	}
	p := KnockPayload{
		UnixTimeS: binary.BigEndian.Uint64(buf[0:8]),
	}
	if len(buf) > 8 {
		p.Padding = append([]byte(nil), buf[8:]...)
	}
	return p, nil
}

// KnockAckPayload is the plaintext of a KNOCK_ACK reply.
type KnockAckPayload struct {
	SessionID      uint32
	ValidUntilUnix uint32
}

const knockAckSize = 8

func (p KnockAckPayload) Marshal() []byte {
	buf := make([]byte, knockAckSize)
	binary.BigEndian.PutUint32(buf[0:4], p.SessionID)
	binary.BigEndian.PutUint32(buf[4:8], p.ValidUntilUnix)
	return buf
}

func UnmarshalKnockAckPayload(buf []byte) (KnockAckPayload, error) {
	if len(buf) != knockAckSize {
		return KnockAckPayload{}, ErrFormat
	}
	return KnockAckPayload{
		SessionID:      binary.BigEndian.Uint32(buf[0:4]),
		ValidUntilUnix: binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// EchoReqPayload is the plaintext of an ECHO_REQ packet. ClientSendNs is the
// client's monotonic-session time (T1), never wall-clock.
type EchoReqPayload struct {
	Seq          uint32
	ClientSendNs uint64
}

const echoReqSize = 12

func (p EchoReqPayload) Marshal() []byte {
	buf := make([]byte, echoReqSize)
	binary.BigEndian.PutUint32(buf[0:4], p.Seq)
	binary.BigEndian.PutUint64(buf[4:12], p.ClientSendNs)
	return buf
}

func UnmarshalEchoReqPayload(buf []byte) (EchoReqPayload, error) {
	if len(buf) != echoReqSize {
		return EchoReqPayload{}, ErrFormat
	}
	return EchoReqPayload{
		Seq:          binary.BigEndian.Uint32(buf[0:4]),
		ClientSendNs: binary.BigEndian.Uint64(buf[4:12]),
	}, nil
}

// EchoRepPayload is the plaintext of an ECHO_REP packet. ServerRecvNs (T2) and
// ServerSendNs (T3) are measured on the server's monotonic clock; ClientSendNs
// (T1) is simply echoed back from the request.
type EchoRepPayload struct {
	Seq          uint32
	ClientSendNs uint64
	ServerRecvNs uint64
	ServerSendNs uint64
}

const echoRepSize = 28

func (p EchoRepPayload) Marshal() []byte {
	buf := make([]byte, echoRepSize)
	binary.BigEndian.PutUint32(buf[0:4], p.Seq)
	binary.BigEndian.PutUint64(buf[4:12], p.ClientSendNs)
	binary.BigEndian.PutUint64(buf[12:20], p.ServerRecvNs)
	binary.BigEndian.PutUint64(buf[20:28], p.ServerSendNs)
	return buf
}

func UnmarshalEchoRepPayload(buf []byte) (EchoRepPayload, error) {
	if len(buf) != echoRepSize {
		return EchoRepPayload{}, ErrFormat
	}
	return EchoRepPayload{
		Seq:          binary.BigEndian.Uint32(buf[0:4]),
		ClientSendNs: binary.BigEndian.Uint64(buf[4:12]),
		ServerRecvNs: binary.BigEndian.Uint64(buf[12:20]),
		ServerSendNs: binary.BigEndian.Uint64(buf[20:28]),
	}, nil
}

// ErrorPayload is the plaintext of an ERROR packet.
type ErrorPayload struct {
	Code    byte
	Message string
}

func (p ErrorPayload) Marshal() []byte {
	buf := make([]byte, 1+len(p.Message))
	buf[0] = p.Code
	copy(buf[1:], p.Message)
	return buf
}

func UnmarshalErrorPayload(buf []byte) (ErrorPayload, error) {
	if len(buf) < 1 {
		return ErrorPayload{}, ErrFormat
	}
	return ErrorPayload{
		Code:    buf[0],
		Message: string(buf[1:]),
	}, nil
}
