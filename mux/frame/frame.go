// Package frame implements encoding and decoding of qlink frames.
//
// A frame is a fixed 13 byte big-endian header followed by the payload:
//
//	channel id (4) | kind (1) | sequence (4) | payload length (4) | payload
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the fixed frame header in bytes.
const HeaderSize = 13

// DefaultMaxPayload is the payload limit used when none is negotiated.
const DefaultMaxPayload = 32 * 1024

var (
	// ErrMalformed is returned by Decode when the buffer cannot hold a valid
	// frame. It is fatal to the connection carrying the bytes.
	ErrMalformed = errors.New("qlink: malformed frame")

	// ErrNeedMoreData is returned by Decode when the buffer holds a partial
	// frame. Feed more bytes and call Decode again.
	ErrNeedMoreData = errors.New("qlink: need more data")
)

// Kind identifies the purpose of a frame.
type Kind uint8

const (
	KindOpen Kind = iota + 1
	KindData
	KindWindowUpdate
	KindClose
	KindError
)

// Valid reports whether k is a known frame kind.
func (k Kind) Valid() bool {
	return k >= KindOpen && k <= KindError
}

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "OPEN"
	case KindData:
		return "DATA"
	case KindWindowUpdate:
		return "WINDOW_UPDATE"
	case KindClose:
		return "CLOSE"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Frame is the atomic unit on the wire.
type Frame struct {
	ChannelID uint32
	Kind      Kind
	Sequence  uint32
	Payload   []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("{Frame ChannelID:%d Kind:%s Sequence:%d Length:%d}",
		f.ChannelID, f.Kind, f.Sequence, len(f.Payload))
}

// Size returns the encoded size of the frame.
func (f Frame) Size() int {
	return HeaderSize + len(f.Payload)
}

// Bytes returns the wire encoding of the frame.
func (f Frame) Bytes() []byte {
	return Append(make([]byte, 0, f.Size()), f)
}

// Append appends the wire encoding of f to dst and returns the extended slice.
func Append(dst []byte, f Frame) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], f.ChannelID)
	hdr[4] = byte(f.Kind)
	binary.BigEndian.PutUint32(hdr[5:9], f.Sequence)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}

// Decode parses one frame from the front of buf. It returns the frame and
// the number of bytes consumed. Decode does not retain buf; the returned
// payload is a copy. A zero length payload decodes as nil, so compare
// payloads by content rather than with reflect.DeepEqual.
func Decode(buf []byte, maxPayload uint32) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, ErrNeedMoreData
	}
	f := Frame{
		ChannelID: binary.BigEndian.Uint32(buf[0:4]),
		Kind:      Kind(buf[4]),
		Sequence:  binary.BigEndian.Uint32(buf[5:9]),
	}
	length := binary.BigEndian.Uint32(buf[9:13])
	if !f.Kind.Valid() {
		return Frame{}, 0, fmt.Errorf("%w: unknown kind %d", ErrMalformed, buf[4])
	}
	if length > maxPayload {
		return Frame{}, 0, fmt.Errorf("%w: payload length %d exceeds %d", ErrMalformed, length, maxPayload)
	}
	end := HeaderSize + int(length)
	if len(buf) < end {
		return Frame{}, 0, ErrNeedMoreData
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		copy(f.Payload, buf[HeaderSize:end])
	}
	return f, end, nil
}

// WindowPayload encodes a window size for OPEN and WINDOW_UPDATE frames.
func WindowPayload(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

// ParseWindow decodes the payload of an OPEN or WINDOW_UPDATE frame.
func ParseWindow(p []byte) (uint32, error) {
	if len(p) != 4 {
		return 0, fmt.Errorf("qlink: window payload is %d bytes, want 4", len(p))
	}
	return binary.BigEndian.Uint32(p), nil
}
