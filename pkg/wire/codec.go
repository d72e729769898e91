package wire

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"github.com/sovereign/kernel/pkg/types"
)

// CodecName identifies a negotiated payload encoding (spec §4.2: "an
// alternative compact encoding is permitted if both peers negotiate it
// during handshake").
type CodecName string

const (
	CodecJSON    CodecName = "json"
	CodecCompact CodecName = "gob"
)

// Codec encodes/decodes the typed payload envelope carried after the
// header. Encoding failures are scoped to the in-flight message
// (types.ErrEncoding), never fatal to the connection.
type Codec interface {
	Name() CodecName
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// jsonCodec is the default payload encoding.
type jsonCodec struct{}

func (jsonCodec) Name() CodecName { return CodecJSON }

func (jsonCodec) Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrEncoding, err)
	}
	return b, nil
}

func (jsonCodec) Decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", types.ErrEncoding, err)
	}
	return nil
}

// compactCodec is the gob-based alternative encoding peers may negotiate
// during handshake for lower framing overhead on repetitive payload shapes.
type compactCodec struct{}

func (compactCodec) Name() CodecName { return CodecCompact }

func (compactCodec) Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrEncoding, err)
	}
	return buf.Bytes(), nil
}

func (compactCodec) Decode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", types.ErrEncoding, err)
	}
	return nil
}

// JSON and Compact are the two codecs peers may negotiate.
var (
	JSON    Codec = jsonCodec{}
	Compact Codec = compactCodec{}
)

// ByName resolves a negotiated codec name, defaulting to JSON.
func ByName(name CodecName) Codec {
	if name == CodecCompact {
		return Compact
	}
	return JSON
}

// EncodeFrame builds a Frame from an opcode/header template and a typed
// payload, validating that payload_length == len(encoded_payload) as part
// of the same operation (spec §4.2).
func EncodeFrame(codec Codec, h types.Header, payload interface{}) (types.Frame, error) {
	encoded, err := codec.Encode(payload)
	if err != nil {
		return types.Frame{}, err
	}
	h.PayloadLen = uint32(len(encoded))
	return types.Frame{Header: h, Payload: encoded}, nil
}

// DecodePayload decodes a frame's payload into v, verifying the declared
// length matches what was actually received.
func DecodePayload(codec Codec, f types.Frame, v interface{}) error {
	if int(f.Header.PayloadLen) != len(f.Payload) {
		return fmt.Errorf("%w: declared payload length %d does not match %d bytes received",
			types.ErrProtocol, f.Header.PayloadLen, len(f.Payload))
	}
	return codec.Decode(f.Payload, v)
}
