// Package protocol implements the binary frame protocol for mini-RPC.
//
// Every frame is a fixed 19-byte header followed by a variable-length body.
// The receiver reads the header first to learn the body length, then reads
// exactly that many bytes, so frame boundaries never depend on how the
// transport splits reads.
//
// Frame format (big-endian):
//
//	0        4    5    6    7                 15        19
//	┌────────┬────┬────┬────┬─────────────────┬─────────┬──────────────┐
//	│ magic  │kind│stat│ser │   request id    │ bodyLen │   body ...   │
//	│ "mrpc" │    │    │    │     uint64      │ uint32  │ bodyLen bytes│
//	└────────┴────┴────┴────┴─────────────────┴─────────┴──────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bxd/mini-rpc/rpcerr"
)

const (
	Magic      uint32 = 0x6d727063 // "mrpc"
	HeaderSize int    = 19         // 4 (magic) + 1 (kind) + 1 (status) + 1 (serializer) + 8 (request id) + 4 (bodyLen)
	MaxBodyLen uint32 = 16 << 20
)

// Kind distinguishes request, response, and heartbeat frames.
type Kind byte

const (
	KindRequest   Kind = 0 // Client → Server call
	KindResponse  Kind = 1 // Server → Client result
	KindHeartbeat Kind = 2 // Keep-alive frame (no body)
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindResponse:
		return "RESPONSE"
	case KindHeartbeat:
		return "HEARTBEAT"
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// Status is only meaningful on RESPONSE frames.
type Status byte

const (
	StatusSuccess Status = 0
	StatusFail    Status = 1
)

// Serializer ids, mirrored from the codec package to avoid a circular import.
const (
	SerializerJSON    byte = 0
	SerializerBinary  byte = 1
	SerializerMsgPack byte = 2
)

// Header is the fixed-size frame header.
type Header struct {
	Kind       Kind
	Status     Status
	Serializer byte
	RequestID  uint64 // Assigned by the request sender, echoed on the response
	BodyLen    uint32
}

// FramingError reports a corrupt or misaligned stream. The connection that
// produced it must be closed; there is no resynchronization.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Reason
}

func (e *FramingError) Is(target error) bool {
	return target == rpcerr.ErrFraming
}

func framingErrorf(format string, args ...any) error {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// Encode writes a complete frame (header + body) to w. BodyLen is taken from
// len(body). The caller must hold a write lock if several goroutines share w.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return framingErrorf("body too large: %d bytes", len(body))
	}
	h.BodyLen = uint32(len(body))

	// Header and body go out in a single Write so a frame is never split
	// between two concurrent writers even on unbuffered connections.
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = byte(h.Kind)
	buf[5] = byte(h.Status)
	buf[6] = h.Serializer
	binary.BigEndian.PutUint64(buf[7:15], h.RequestID)
	binary.BigEndian.PutUint32(buf[15:19], h.BodyLen)
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// DecodeHeader reads and validates one frame header. The body is left
// unread; call ReadBody next.
func DecodeHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != Magic {
		return nil, framingErrorf("invalid magic number: %x", buf[0:4])
	}

	kind := Kind(buf[4])
	if kind != KindRequest && kind != KindResponse && kind != KindHeartbeat {
		return nil, framingErrorf("unsupported message kind: %d", buf[4])
	}

	status := Status(buf[5])
	if status != StatusSuccess && status != StatusFail {
		return nil, framingErrorf("unsupported status: %d", buf[5])
	}

	if buf[6] != SerializerJSON && buf[6] != SerializerBinary && buf[6] != SerializerMsgPack {
		return nil, framingErrorf("unsupported serializer: %d", buf[6])
	}

	bodyLen := binary.BigEndian.Uint32(buf[15:19])
	if bodyLen > MaxBodyLen {
		return nil, framingErrorf("body length %d exceeds limit %d", bodyLen, MaxBodyLen)
	}

	return &Header{
		Kind:       kind,
		Status:     status,
		Serializer: buf[6],
		RequestID:  binary.BigEndian.Uint64(buf[7:15]),
		BodyLen:    bodyLen,
	}, nil
}

// ReadBody reads exactly h.BodyLen bytes.
func ReadBody(r io.Reader, h *Header) ([]byte, error) {
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Decode reads a complete frame (header + body) from r.
func Decode(r io.Reader) (*Header, []byte, error) {
	h, err := DecodeHeader(r)
	if err != nil {
		return nil, nil, err
	}
	body, err := ReadBody(r, h)
	if err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
