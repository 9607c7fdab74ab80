package framenet

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Reserved protocol identifiers.
const (
	// HeartbeatProtocol carries an 8-byte unix-nano timestamp used by
	// liveness probes.
	HeartbeatProtocol uint64 = 0
	// WelcomeProtocol carries the resolved identity of a freshly accepted
	// peer back to it as UTF-8 bytes.
	WelcomeProtocol uint64 = 1001
)

// MaxFramePayload is the maximum body length accepted from the wire.
const MaxFramePayload = 1 << 23 // 8M

// HeaderLayout fixes the byte widths of the two fixed header fields. The
// protocol identifier occupies the first ProtocolLen bytes and the body
// length the remaining HeaderLen-ProtocolLen bytes, both big-endian. Each
// field must be 2, 4 or 8 bytes wide.
type HeaderLayout struct {
	HeaderLen   int
	ProtocolLen int
}

// Validate reports whether the layout satisfies the width constraints.
func (l HeaderLayout) Validate() error {
	if !widthOK(l.ProtocolLen) {
		return fmt.Errorf("protocol field width %d not in {2,4,8}", l.ProtocolLen)
	}
	if !widthOK(l.HeaderLen - l.ProtocolLen) {
		return fmt.Errorf("length field width %d not in {2,4,8}", l.HeaderLen-l.ProtocolLen)
	}
	return nil
}

func (l HeaderLayout) lengthLen() int { return l.HeaderLen - l.ProtocolLen }

func widthOK(n int) bool { return n == 2 || n == 4 || n == 8 }

func maxForWidth(width int) uint64 {
	switch width {
	case 2:
		return math.MaxUint16
	case 4:
		return math.MaxUint32
	default:
		return math.MaxUint64
	}
}

func putUint(dst []byte, width int, v uint64) {
	switch width {
	case 2:
		binary.BigEndian.PutUint16(dst, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(dst, uint32(v))
	default:
		binary.BigEndian.PutUint64(dst, v)
	}
}

func readUint(src []byte, width int) uint64 {
	switch width {
	case 2:
		return uint64(binary.BigEndian.Uint16(src))
	case 4:
		return uint64(binary.BigEndian.Uint32(src))
	default:
		return binary.BigEndian.Uint64(src)
	}
}

// AppendHeader appends the encoded header for (protocol, bodyLen) to dst and
// returns the extended slice. It fails with ErrValueOverflow when either
// value does not fit its configured field width.
func AppendHeader(dst []byte, layout HeaderLayout, protocol uint64, bodyLen int) ([]byte, error) {
	if err := layout.Validate(); err != nil {
		return dst, err
	}
	if protocol > maxForWidth(layout.ProtocolLen) {
		return dst, fmt.Errorf("protocol %d in %d bytes: %w", protocol, layout.ProtocolLen, ErrValueOverflow)
	}
	if bodyLen < 0 || uint64(bodyLen) > maxForWidth(layout.lengthLen()) {
		return dst, fmt.Errorf("body length %d in %d bytes: %w", bodyLen, layout.lengthLen(), ErrValueOverflow)
	}
	off := len(dst)
	dst = append(dst, make([]byte, layout.HeaderLen)...)
	putUint(dst[off:], layout.ProtocolLen, protocol)
	putUint(dst[off+layout.ProtocolLen:], layout.lengthLen(), uint64(bodyLen))
	return dst, nil
}

// ParseHeader decodes (protocol, bodyLen) from the front of b. It fails with
// ErrMalformedHeader when b holds fewer than HeaderLen bytes and with
// ErrFrameTooLarge when the declared body length exceeds MaxFramePayload.
func ParseHeader(b []byte, layout HeaderLayout) (protocol uint64, bodyLen int, err error) {
	if err := layout.Validate(); err != nil {
		return 0, 0, err
	}
	if len(b) < layout.HeaderLen {
		return 0, 0, fmt.Errorf("%d of %d header bytes: %w", len(b), layout.HeaderLen, ErrMalformedHeader)
	}
	protocol = readUint(b, layout.ProtocolLen)
	// Compare before narrowing to int: an 8-byte length field can carry
	// values that wrap negative and would defeat every downstream bound.
	length := readUint(b[layout.ProtocolLen:], layout.lengthLen())
	if length > MaxFramePayload {
		return 0, 0, fmt.Errorf("declared body %d bytes: %w", length, ErrFrameTooLarge)
	}
	return protocol, int(length), nil
}

// EncodeFrame builds one contiguous header+payload buffer, the unit of an
// atomic socket write.
func EncodeFrame(layout HeaderLayout, protocol uint64, payload []byte) ([]byte, error) {
	buf := make([]byte, 0, layout.HeaderLen+len(payload))
	buf, err := AppendHeader(buf, layout, protocol, len(payload))
	if err != nil {
		return nil, err
	}
	return append(buf, payload...), nil
}

// EncodeHeartbeat returns the payload of a heartbeat frame.
func EncodeHeartbeat(nano int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(nano))
	return b[:]
}

// DecodeHeartbeat parses a heartbeat payload back into a unix-nano
// timestamp.
func DecodeHeartbeat(payload []byte) (int64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("heartbeat payload %d bytes: %w", len(payload), ErrMalformedHeader)
	}
	return int64(binary.BigEndian.Uint64(payload)), nil
}
