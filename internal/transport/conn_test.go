package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqui/mqui/internal/protocol"
)

func frameWithBody(body []byte) []byte {
	frame := make([]byte, protocol.HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:protocol.HeaderSize], uint32(len(body)))
	copy(frame[protocol.HeaderSize:], body)
	return frame
}

func TestReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := frameWithBody([]byte(`{"type":"ping"}`))
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	frame := frameWithBody([]byte(`{"type":"ping"}`))
	r := bytes.NewReader(frame[:len(frame)-3])

	_, err := ReadFrame(r)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameRejectsOversizedDeclaration(t *testing.T) {
	header := make([]byte, protocol.HeaderSize)
	binary.BigEndian.PutUint32(header, protocol.MaxFrameSize+1)

	_, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
}

func TestConnDeliversFrames(t *testing.T) {
	client, server := net.Pipe()
	conn := NewConn(client, 0)
	defer conn.Close()

	want := frameWithBody([]byte(`{"type":"pong"}`))
	go func() {
		_ = WriteFrame(server, want)
	}()

	select {
	case got := <-conn.Frames():
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestConnPeerCloseReportsClosed(t *testing.T) {
	client, server := net.Pipe()
	conn := NewConn(client, 0)
	defer conn.Close()

	server.Close()

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("link-down not reported")
	}
	// net.Pipe reports the peer close as io.ErrClosedPipe rather than EOF,
	// but the link must be terminal either way.
	require.NotNil(t, conn.Err())

	// Frames channel drains and closes.
	for range conn.Frames() {
	}
}

func TestConnTruncatedFrameIsProtocolViolation(t *testing.T) {
	client, server := net.Pipe()
	conn := NewConn(client, 0)
	defer conn.Close()

	frame := frameWithBody([]byte(`{"type":"pong"}`))
	go func() {
		_, _ = server.Write(frame[:len(frame)-2])
		server.Close()
	}()

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("link-down not reported")
	}
	linkErr := conn.Err()
	require.NotNil(t, linkErr)
	assert.Equal(t, ReasonProtocol, linkErr.Reason)
}

func TestConnIdleTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := NewConn(client, 30*time.Millisecond)
	defer conn.Close()

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("idle timeout did not fire")
	}
	linkErr := conn.Err()
	require.NotNil(t, linkErr)
	assert.Equal(t, ReasonTimeout, linkErr.Reason)
}

func TestConnSendAfterCloseFails(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := NewConn(client, 0)

	conn.Close()
	<-conn.Done()

	err := conn.Send(frameWithBody([]byte(`{"type":"ping"}`)))
	require.Error(t, err)
	assert.Equal(t, ReasonClosed, conn.Err().Reason)
}

func TestLinkErrorUnwraps(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := &LinkError{Reason: ReasonProtocol, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "protocol violation")
}
