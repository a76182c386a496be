package codec

import (
	"strings"

	"github.com/bxd/mini-rpc/rpcerr"
	"github.com/pkg/errors"
)

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeBinary  CodecType = 1
	CodecTypeMsgPack CodecType = 2
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeMsgPack:
		return "msgpack"
	}
	return "unknown"
}

// Codec turns values into bytes and back. It is selected per frame by the
// serializer id in the protocol header.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary, 2=MsgPack
}

var codecs = map[CodecType]Codec{
	CodecTypeJSON:    &JSONCodec{},
	CodecTypeBinary:  &BinaryCodec{},
	CodecTypeMsgPack: &MsgPackCodec{},
}

// GetCodec returns the codec registered for codecType.
func GetCodec(codecType CodecType) (Codec, error) {
	c, ok := codecs[codecType]
	if !ok {
		return nil, errors.Wrapf(rpcerr.ErrSerialization, "unknown codec type %d", codecType)
	}
	return c, nil
}

// ParseType maps a configuration name ("json", "binary", "msgpack") to its
// codec type.
func ParseType(name string) (CodecType, error) {
	for t := range codecs {
		if strings.EqualFold(t.String(), name) {
			return t, nil
		}
	}
	return 0, errors.Errorf("unknown serializer %q", name)
}

// Marshal encodes a single value. A nil value becomes an empty slot so that
// absent arguments and results survive every codec.
func Marshal(c Codec, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := c.Encode(v)
	if err != nil {
		return nil, errors.Wrapf(rpcerr.ErrSerialization, "%s encode %T: %v", c.Type(), v, err)
	}
	return data, nil
}

// Unmarshal decodes data into v, which must be a pointer. An empty slot
// leaves v at its zero value.
func Unmarshal(c Codec, data []byte, v any) error {
	if len(data) == 0 || v == nil {
		return nil
	}
	if err := c.Decode(data, v); err != nil {
		return errors.Wrapf(rpcerr.ErrSerialization, "%s decode into %T: %v", c.Type(), v, err)
	}
	return nil
}
