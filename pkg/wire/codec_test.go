package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereign/kernel/pkg/types"
)

type samplePayload struct {
	Name  string
	Count int
}

func TestJSONCodecRoundTrip(t *testing.T) {
	in := samplePayload{Name: "agent-1", Count: 3}
	data, err := JSON.Encode(in)
	require.NoError(t, err)

	var out samplePayload
	require.NoError(t, JSON.Decode(data, &out))
	assert.Equal(t, in, out)
}

func TestCompactCodecRoundTrip(t *testing.T) {
	in := samplePayload{Name: "agent-2", Count: 9}
	data, err := Compact.Encode(in)
	require.NoError(t, err)

	var out samplePayload
	require.NoError(t, Compact.Decode(data, &out))
	assert.Equal(t, in, out)
}

func TestByNameDefaultsToJSON(t *testing.T) {
	assert.Equal(t, CodecJSON, ByName("").Name())
	assert.Equal(t, CodecJSON, ByName("bogus").Name())
	assert.Equal(t, CodecCompact, ByName(CodecCompact).Name())
}

func TestEncodeFrameSetsPayloadLen(t *testing.T) {
	f, err := EncodeFrame(JSON, types.Header{Opcode: types.OpEventEmit}, samplePayload{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, uint32(len(f.Payload)), f.Header.PayloadLen)
}

func TestDecodePayloadRejectsLengthMismatch(t *testing.T) {
	f := types.Frame{
		Header:  types.Header{PayloadLen: 100},
		Payload: []byte(`{"Name":"x"}`),
	}
	var out samplePayload
	err := DecodePayload(JSON, f, &out)
	assert.ErrorIs(t, err, types.ErrProtocol)
}

func TestDecodePayloadInvalidJSON(t *testing.T) {
	f := types.Frame{
		Header:  types.Header{PayloadLen: 3},
		Payload: []byte("{{{"),
	}
	err := DecodePayload(JSON, f, &samplePayload{})
	assert.ErrorIs(t, err, types.ErrEncoding)
}
