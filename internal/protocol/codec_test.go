package protocol

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := NewCodec(Version)

	env, err := Request("req-1", TypeListPlugins, nil)
	require.NoError(t, err)

	frame, err := codec.Encode(env)
	require.NoError(t, err)

	declared := binary.BigEndian.Uint32(frame[:HeaderSize])
	assert.Equal(t, int(declared), len(frame)-HeaderSize)

	got, err := codec.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.ID)
	assert.Equal(t, TypeListPlugins, got.Type)
	assert.Equal(t, Version, got.V)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	codec := NewCodec(Version)

	env, err := Request("req-1", TypePing, nil)
	require.NoError(t, err)
	frame, err := codec.Encode(env)
	require.NoError(t, err)

	// Overstate the declared length relative to the received body.
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(frame)-HeaderSize+5))

	_, err = codec.Decode(frame)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	codec := NewCodec(Version)
	_, err := codec.Decode([]byte{0x00, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsBadJSON(t *testing.T) {
	codec := NewCodec(Version)

	body := []byte("{not json")
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(body)))
	copy(frame[HeaderSize:], body)

	_, err := codec.Decode(frame)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsMissingType(t *testing.T) {
	codec := NewCodec(Version)

	body := []byte(`{"v":1,"id":"x"}`)
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(body)))
	copy(frame[HeaderSize:], body)

	_, err := codec.Decode(frame)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsNewerVersion(t *testing.T) {
	codec := NewCodec(Version)

	body := []byte(`{"v":99,"type":"pong"}`)
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(body)))
	copy(frame[HeaderSize:], body)

	_, err := codec.Decode(frame)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	codec := NewCodec(Version)

	body := []byte(`{"v":1,"id":"a","type":"pong","future_field":{"x":1}}`)
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(body)))
	copy(frame[HeaderSize:], body)

	env, err := codec.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypePong, env.Type)
}

func TestUnmarshalPayloadIgnoresUnknownPayloadFields(t *testing.T) {
	env := Envelope{
		Type:    TypeStatus,
		Payload: json.RawMessage(`{"software":"Paper","version":"1.21.4","shiny_new_field":true}`),
	}

	var status ServerStatusPayload
	require.NoError(t, UnmarshalPayload(env, &status))
	assert.Equal(t, "Paper", status.Software)
	assert.Equal(t, "1.21.4", status.Version)
}

func TestWireErrorSurfacesCodeAndMessage(t *testing.T) {
	err := &WireError{Code: CodeUnknownPlugin, Message: "no such plugin: x"}
	assert.Contains(t, err.Error(), CodeUnknownPlugin)
	assert.Contains(t, err.Error(), "no such plugin")
}
