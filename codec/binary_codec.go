package codec

import (
	"encoding/binary"

	"github.com/bxd/mini-rpc/message"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// BinaryCodec lays out *message.Call and *message.Result by hand, with
// length-prefixed fields and no field names. Any other value (call
// parameters, return values) is packed with MessagePack.
//
//	Call:   [2 len][service] [2 len][version] [2 len][method] [2 n] n × ([2 len][type] [4 len][param])
//	Result: [4 len][data] [4 len][message]
type BinaryCodec struct{}

var errShortBuffer = errors.New("BinaryCodec: short buffer")

// minParamSize is the encoded size of an empty parameter: two length prefixes.
const minParamSize = 2 + 4

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Call:
		return encodeCall(msg)
	case *message.Result:
		return encodeResult(msg), nil
	default:
		return msgpack.Marshal(v)
	}
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	switch msg := v.(type) {
	case *message.Call:
		return decodeCall(data, msg)
	case *message.Result:
		return decodeResult(data, msg)
	default:
		return msgpack.Unmarshal(data, v)
	}
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func encodeCall(call *message.Call) ([]byte, error) {
	if len(call.ParamTypes) != len(call.Params) {
		return nil, errors.Errorf("BinaryCodec: %d param types for %d params", len(call.ParamTypes), len(call.Params))
	}

	// Calculate the length of message
	total := 2 + len(call.Service) + 2 + len(call.Version) + 2 + len(call.Method) + 2
	for i := range call.Params {
		total += 2 + len(call.ParamTypes[i]) + 4 + len(call.Params[i])
	}
	buf := make([]byte, 0, total)

	var err error
	for _, s := range []string{call.Service, call.Version, call.Method} {
		if buf, err = appendString16(buf, s); err != nil {
			return nil, err
		}
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(call.Params)))
	for i, p := range call.Params {
		if buf, err = appendString16(buf, call.ParamTypes[i]); err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(p)))
		buf = append(buf, p...)
	}
	return buf, nil
}

func decodeCall(data []byte, call *message.Call) error {
	r := &byteReader{data: data}
	call.Service = r.string16()
	call.Version = r.string16()
	call.Method = r.string16()

	n := int(r.uint16())
	if r.err == nil && n*minParamSize > r.remaining() {
		r.err = errShortBuffer
	}
	if r.err != nil {
		return r.err
	}
	call.ParamTypes = make([]string, n)
	call.Params = make([][]byte, n)
	for i := 0; i < n; i++ {
		call.ParamTypes[i] = r.string16()
		call.Params[i] = r.bytes32()
	}
	return r.err
}

func encodeResult(res *message.Result) []byte {
	buf := make([]byte, 0, 4+len(res.Data)+4+len(res.Message))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(res.Data)))
	buf = append(buf, res.Data...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(res.Message)))
	buf = append(buf, res.Message...)
	return buf
}

func decodeResult(data []byte, res *message.Result) error {
	r := &byteReader{data: data}
	res.Data = r.bytes32()
	res.Message = string(r.bytes32())
	return r.err
}

func appendString16(buf []byte, s string) ([]byte, error) {
	if len(s) > 0xFFFF {
		return nil, errors.Errorf("BinaryCodec: string field too long (%d bytes)", len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// byteReader walks a buffer and records the first short read instead of
// panicking on a truncated payload.
type byteReader struct {
	data   []byte
	offset int
	err    error
}

func (r *byteReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.offset+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *byteReader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *byteReader) string16() string {
	return string(r.next(int(r.uint16())))
}

func (r *byteReader) bytes32() []byte {
	b := r.next(4)
	if b == nil {
		return nil
	}
	n := int(binary.BigEndian.Uint32(b))
	if n == 0 {
		return nil
	}
	// The length is untrusted: only copy what the buffer really holds.
	data := r.next(n)
	if data == nil {
		return nil
	}
	return append([]byte(nil), data...)
}

func (r *byteReader) remaining() int {
	return len(r.data) - r.offset
}
