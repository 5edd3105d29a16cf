package transport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mqui/mqui/internal/protocol"
)

// Conn is one live link. A single reader goroutine produces inbound frames
// until link loss; the frames channel is closed and Done fires exactly once
// regardless of how the link ends. The underlying socket is always released.
type Conn struct {
	nc          net.Conn
	idleTimeout time.Duration
	logger      *slog.Logger

	frames chan []byte
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	linkErr   *LinkError
}

// NewConn wraps an established net.Conn and starts its reader. idleTimeout
// of zero disables the inactivity bound.
func NewConn(nc net.Conn, idleTimeout time.Duration) *Conn {
	c := &Conn{
		nc:          nc,
		idleTimeout: idleTimeout,
		logger:      slog.With("component", "transport"),
		frames:      make(chan []byte, 16),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send writes one frame to the link. On failure the link is torn down and
// the write error returned.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	if err := WriteFrame(c.nc, frame); err != nil {
		c.terminate(classify(err), err)
		return c.Err()
	}
	return nil
}

// Frames returns the inbound frame channel. It is closed on link-down.
func (c *Conn) Frames() <-chan []byte {
	return c.frames
}

// Done is closed when the link is down and the socket released.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal link error, or nil while the link is up.
func (c *Conn) Err() *LinkError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linkErr
}

// Close tears the link down locally. Safe to call multiple times.
func (c *Conn) Close() {
	c.terminate(ReasonClosed, nil)
}

func (c *Conn) readLoop() {
	// The read loop is the sole closer of frames; terminate only closes done
	// and the socket, which unblocks any pending ReadFrame.
	defer close(c.frames)
	for {
		if c.idleTimeout > 0 {
			if err := c.nc.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
				c.terminate(ReasonClosed, err)
				return
			}
		}
		frame, err := ReadFrame(c.nc)
		if err != nil {
			c.terminate(classify(err), err)
			return
		}
		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) terminate(reason Reason, cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.linkErr = &LinkError{Reason: reason, Err: cause}
		c.mu.Unlock()

		if err := c.nc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("socket close", "err", err)
		}
		close(c.done)
	})
}

func classify(err error) Reason {
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return ReasonClosed
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, protocol.ErrFrameTooLarge):
		return ReasonProtocol
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonTimeout
	}
	return ReasonReset
}
