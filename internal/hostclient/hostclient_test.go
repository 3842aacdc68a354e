package hostclient

import (
	"bufio"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mthub/internal/ipc"
)

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(noopWriter{}, nil))
}

func newClientWithPipe(t *testing.T) (*Client, net.Conn, *bufio.Reader) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	c := New("sess1", "unused", discardLogger())
	c.setConn(clientConn)
	return c, serverConn, bufio.NewReader(serverConn)
}

// runHandshake drives c.handshake(timeout) from a goroutine and plays
// the host side of the exchange, returning only once handshake has
// fully returned — mirroring how Connect() never starts the read loop
// until the handshake call itself completes.
func runHandshake(t *testing.T, c *Client, server net.Conn, serverReader *bufio.Reader, info ipc.SessionInfo) ipc.SessionInfo {
	t.Helper()
	resultCh := make(chan ipc.SessionInfo, 1)
	errCh := make(chan error, 1)
	go func() {
		got, err := c.handshake(time.Second)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- got
	}()

	msgType, _, err := readMessage(serverReader)
	require.NoError(t, err)
	require.Equal(t, ipc.MsgGetInfo, msgType)

	_, err = server.Write(ipc.Encode(ipc.MsgInfo, ipc.EncodeInfo(info)))
	require.NoError(t, err)

	select {
	case got := <-resultCh:
		return got
	case err := <-errCh:
		t.Fatalf("handshake failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handshake")
	}
	return ipc.SessionInfo{}
}

func TestHandshakeTimesOutWhenServerNeverResponds(t *testing.T) {
	c, server, _ := newClientWithPipe(t)
	defer server.Close()

	start := time.Now()
	_, err := c.handshake(50 * time.Millisecond)
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestHandshakeDecodesInfo(t *testing.T) {
	c, server, serverReader := newClientWithPipe(t)

	info := runHandshake(t, c, server, serverReader, ipc.SessionInfo{ID: "sess1", ShellType: "bash", Cols: 80, Rows: 24})
	require.Equal(t, "sess1", info.ID)
	require.Equal(t, "bash", info.ShellType)
}

func TestRequestResizeRoundTrip(t *testing.T) {
	c, server, serverReader := newClientWithPipe(t)
	runHandshake(t, c, server, serverReader, ipc.SessionInfo{ID: "sess1"})
	go c.readLoop()

	resultCh := make(chan error, 1)
	go func() { resultCh <- c.Resize(120, 40) }()

	msgType, payload, err := readMessage(serverReader)
	require.NoError(t, err)
	require.Equal(t, ipc.MsgResize, msgType)
	cols, rows, err := ipc.DecodeResize(payload)
	require.NoError(t, err)
	require.Equal(t, uint16(120), cols)
	require.Equal(t, uint16(40), rows)

	_, err = server.Write(ipc.Encode(ipc.MsgResizeAck, nil))
	require.NoError(t, err)

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Resize to complete")
	}
}

func TestOutputEventDispatchedToHandler(t *testing.T) {
	c, server, serverReader := newClientWithPipe(t)
	runHandshake(t, c, server, serverReader, ipc.SessionInfo{ID: "sess1"})

	received := make(chan []byte, 1)
	c.SetHandlers(func(b []byte) { received <- b }, nil, nil, nil)
	go c.readLoop()

	_, err := server.Write(ipc.Encode(ipc.MsgOutput, ipc.EncodeOutput(80, 24, []byte("hi"))))
	require.NoError(t, err)

	select {
	case data := <-received:
		require.Equal(t, "hi", string(data))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for output event")
	}
}
