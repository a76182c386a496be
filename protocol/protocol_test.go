package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"testing/iotest"

	"github.com/bxd/mini-rpc/rpcerr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		Kind:       KindRequest,
		Serializer: SerializerJSON,
		RequestID:  1<<40 + 12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("frame size: got %d, want %d", buf.Len(), HeaderSize+len(body))
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if *decodedHeader != header {
		t.Errorf("header mismatch: got %+v, want %+v", *decodedHeader, header)
	}
	if decodedHeader.BodyLen != 11 {
		t.Errorf("BodyLen mismatch: got %d, want 11", decodedHeader.BodyLen)
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	h := &Header{Kind: KindResponse, Status: StatusFail, Serializer: SerializerMsgPack, RequestID: 7}
	require.NoError(t, Encode(&buf, h, []byte{0xAA}))

	raw := buf.Bytes()
	assert.Equal(t, []byte("mrpc"), raw[0:4])
	assert.Equal(t, byte(KindResponse), raw[4])
	assert.Equal(t, byte(StatusFail), raw[5])
	assert.Equal(t, SerializerMsgPack, raw[6])
	assert.Equal(t, uint64(7), binary.BigEndian.Uint64(raw[7:15]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(raw[15:19]))
	assert.Equal(t, byte(0xAA), raw[19])
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := make([]byte, HeaderSize)
	copy(invalidHeader, []byte{0x00, 0x00, 0x00, 0x00})
	binary.BigEndian.PutUint32(invalidHeader[15:19], 11)
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid magic number")
	assert.True(t, errors.Is(err, rpcerr.ErrFraming))

	var fe *FramingError
	assert.True(t, errors.As(err, &fe))
}

func TestDecodeInvalidKind(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{Kind: KindRequest}, nil))
	raw := buf.Bytes()
	raw[4] = 0x09

	_, _, err := Decode(bytes.NewReader(raw))
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrFraming))
	assert.Contains(t, err.Error(), "unsupported message kind")
}

func TestDecodeInvalidSerializer(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{Kind: KindRequest}, nil))
	raw := buf.Bytes()
	raw[6] = 0x7F

	_, _, err := Decode(bytes.NewReader(raw))
	assert.True(t, errors.Is(err, rpcerr.ErrFraming))
}

func TestDecodeBodyTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{Kind: KindRequest}, nil))
	raw := buf.Bytes()
	binary.BigEndian.PutUint32(raw[15:19], MaxBodyLen+1)

	_, _, err := Decode(bytes.NewReader(raw))
	assert.True(t, errors.Is(err, rpcerr.ErrFraming))
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{Kind: KindHeartbeat, RequestID: 12345}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, nil))

	decodedHeader, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, decodedHeader.Kind)
	assert.Equal(t, uint32(0), decodedHeader.BodyLen)
	assert.Empty(t, decodedBody)
}

// Frames must survive transports that hand back one byte per read.
func TestDecodePartialReads(t *testing.T) {
	var buf bytes.Buffer
	bodies := [][]byte{[]byte("first"), {}, []byte("third frame body")}
	for i, b := range bodies {
		require.NoError(t, Encode(&buf, &Header{Kind: KindRequest, RequestID: uint64(i + 1)}, b))
	}

	r := iotest.OneByteReader(&buf)
	for i, want := range bodies {
		h, body, err := Decode(r)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), h.RequestID)
		assert.Equal(t, len(want), len(body))
		assert.True(t, bytes.Equal(want, body))
	}

	_, _, err := Decode(r)
	assert.Equal(t, io.EOF, err)
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{Kind: KindRequest}, []byte("hello world")))
	raw := buf.Bytes()[:HeaderSize+4]

	_, _, err := Decode(bytes.NewReader(raw))
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{Kind: KindRequest, Serializer: SerializerBinary, RequestID: 999}
	require.NoError(t, Encode(&buf, header, largeBody))

	_, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}
