// Package transport owns a single logical connection to one server endpoint.
// It moves opaque length-prefixed frames and reports link loss; payload
// semantics belong to the protocol codec.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/mqui/mqui/internal/protocol"
	"github.com/mqui/mqui/pkg/types"
)

// Reason classifies why a link went down.
type Reason int

const (
	ReasonClosed Reason = iota
	ReasonReset
	ReasonTimeout
	ReasonProtocol
)

func (r Reason) String() string {
	switch r {
	case ReasonClosed:
		return "closed"
	case ReasonReset:
		return "reset"
	case ReasonTimeout:
		return "timeout"
	case ReasonProtocol:
		return "protocol violation"
	default:
		return "unknown"
	}
}

// LinkError is the terminal link-down event for one connection attempt.
type LinkError struct {
	Reason Reason
	Err    error
}

func (e *LinkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: link down (%s)", e.Reason)
	}
	return fmt.Sprintf("transport: link down (%s): %v", e.Reason, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// Dialer opens connections to an endpoint. The session supervisor holds one
// Dialer for its lifetime; tests substitute in-memory implementations.
type Dialer interface {
	Dial(ctx context.Context, ep types.Endpoint) (*Conn, error)
}

// TCPDialer dials endpoints over TCP.
type TCPDialer struct {
	// Timeout bounds the connect attempt. Zero means no explicit bound
	// beyond the caller's context.
	Timeout time.Duration

	// IdleTimeout, if set, closes a connection over which no frame has
	// arrived for the given duration. Keepalive pings keep a healthy
	// link under this bound.
	IdleTimeout time.Duration
}

// Dial connects to the endpoint and starts the frame reader.
func (d *TCPDialer) Dial(ctx context.Context, ep types.Endpoint) (*Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	nc, err := nd.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", ep.Addr(), err)
	}
	return NewConn(nc, d.IdleTimeout), nil
}

// ReadFrame reads one complete frame (header plus body) from r. The returned
// slice includes the length header so the codec can validate it.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	declared := binary.BigEndian.Uint32(header)
	if declared > protocol.MaxFrameSize {
		return nil, fmt.Errorf("%w: declared %d bytes", protocol.ErrFrameTooLarge, declared)
	}

	frame := make([]byte, protocol.HeaderSize+int(declared))
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[protocol.HeaderSize:]); err != nil {
		// A stream ending mid-frame is indistinguishable from truncation.
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes one complete frame to w.
func WriteFrame(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}
