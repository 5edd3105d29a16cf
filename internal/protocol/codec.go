// Package protocol implements the wire codec for the server query protocol:
// length-prefixed JSON frames, version-tolerant on decode.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the length prefix: 4 bytes, big endian, body length only.
	HeaderSize = 4

	// MaxFrameSize bounds a single frame body. Anything larger is treated
	// as a protocol violation rather than buffered.
	MaxFrameSize = 4 << 20
)

var (
	// ErrMalformed indicates a frame that cannot be decoded: truncated
	// header, declared length not matching the received length, or a body
	// that is not valid JSON.
	ErrMalformed = errors.New("protocol: malformed frame")

	// ErrUnsupportedVersion indicates a frame from a newer protocol
	// version than this codec was negotiated for.
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")

	// ErrFrameTooLarge indicates an encode attempt exceeding MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)

// Codec encodes and decodes wire frames. It is stateless aside from the
// protocol version negotiated at session start.
type Codec struct {
	version int
}

// NewCodec returns a codec pinned to the given negotiated version.
func NewCodec(version int) Codec {
	return Codec{version: version}
}

// Version returns the negotiated protocol version.
func (c Codec) Version() int {
	return c.version
}

// Encode marshals the envelope and prepends the length header. The envelope
// version is stamped with the codec's negotiated version.
func (c Codec) Encode(env Envelope) ([]byte, error) {
	env.V = c.version
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", env.Type, err)
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame, nil
}

// Decode parses one complete frame (header plus body). The declared length
// must match the received length exactly. Unknown JSON fields are ignored;
// a version newer than the negotiated one is rejected.
func (c Codec) Decode(frame []byte) (Envelope, error) {
	if len(frame) < HeaderSize {
		return Envelope{}, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(frame))
	}
	declared := binary.BigEndian.Uint32(frame[:HeaderSize])
	if int(declared) != len(frame)-HeaderSize {
		return Envelope{}, fmt.Errorf("%w: declared %d bytes, received %d",
			ErrMalformed, declared, len(frame)-HeaderSize)
	}

	var env Envelope
	if err := json.Unmarshal(frame[HeaderSize:], &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if env.V > c.version {
		return Envelope{}, fmt.Errorf("%w: frame v%d, negotiated v%d",
			ErrUnsupportedVersion, env.V, c.version)
	}
	return env, nil
}

// Request builds a request envelope with the given payload marshalled in.
func Request(id, msgType string, payload any) (Envelope, error) {
	env := Envelope{ID: id, Type: msgType}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
	}
	env.Payload = raw
	return env, nil
}

// UnmarshalPayload decodes the envelope payload into out.
func UnmarshalPayload(env Envelope, out any) error {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("protocol: unmarshal %s payload: %w", env.Type, err)
	}
	return nil
}
