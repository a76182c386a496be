package codec

import (
	"github.com/vmihailenco/msgpack/v5"
)

// MsgPackCodec serializes with MessagePack: schema-less like JSON but
// binary, so payloads are smaller and numbers skip string parsing.
type MsgPackCodec struct{}

func (c *MsgPackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgPackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgPackCodec) Type() CodecType {
	return CodecTypeMsgPack
}
