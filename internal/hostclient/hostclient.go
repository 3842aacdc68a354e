// Package hostclient implements the gateway-side IPC client that
// owns one transport to a host process, serializes requests, replays
// the handshake on every (re)connect, and auto-reconnects on failure.
package hostclient

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"

	"mthub/internal/endpoint"
	"mthub/internal/ipc"
)

const (
	connectAttempts  = 3
	connectBaseDelay = 200 * time.Millisecond

	reconnectAttempts  = 10
	reconnectBaseDelay = 100 * time.Millisecond
	reconnectMaxDelay  = 5 * time.Second

	defaultRequestTimeout = 5 * time.Second

	// DefaultConnectTimeout bounds each connect attempt's handshake
	// round-trip. Callers that don't have a more specific timeout
	// should pass this to Connect.
	DefaultConnectTimeout = 5 * time.Second
)

// Client owns one connection to a host process's IPC endpoint.
// Exported methods are safe for concurrent use; only one request is
// ever in flight at a time (requestMu).
type Client struct {
	sessionID    string
	endpointName string
	logger       *slog.Logger

	onOutput            func([]byte)
	onStateChanged      func(isRunning, hasExitCode bool, exitCode int32)
	onForegroundChanged func(ipc.ForegroundProcessInfo)
	onReconnected       func()

	connMu sync.RWMutex
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	requestMu sync.Mutex

	responseMu  sync.Mutex
	pendingResp chan []byte

	suppressReconnect atomic.Bool
	reconnecting      atomic.Bool
	handshakeDone     atomic.Bool
}

// New builds a Client targeting the named host endpoint. Call
// SetHandlers before Connect so no early event is dropped.
func New(sessionID, endpointName string, logger *slog.Logger) *Client {
	return &Client{
		sessionID:    sessionID,
		endpointName: endpointName,
		logger:       logger.With("session", sessionID),
	}
}

// SetHandlers wires the event callbacks fired from the read loop.
func (c *Client) SetHandlers(
	onOutput func([]byte),
	onStateChanged func(isRunning, hasExitCode bool, exitCode int32),
	onForegroundChanged func(ipc.ForegroundProcessInfo),
	onReconnected func(),
) {
	c.onOutput = onOutput
	c.onStateChanged = onStateChanged
	c.onForegroundChanged = onForegroundChanged
	c.onReconnected = onReconnected
}

// Connect dials the endpoint (3 attempts, 200ms*attempt backoff),
// performs the initial handshake within timeout, and starts the read
// loop. timeout bounds each attempt's handshake round-trip only; the
// dial itself is bounded by endpoint.Dial's own internal timeout.
func (c *Client) Connect(timeout time.Duration) (ipc.SessionInfo, error) {
	var info ipc.SessionInfo
	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			conn, dialErr := endpoint.Dial(c.endpointName)
			if dialErr != nil {
				return dialErr
			}
			c.setConn(conn)

			hsInfo, hsErr := c.handshake(timeout)
			if hsErr != nil {
				conn.Close()
				return hsErr
			}
			info = hsInfo
			return nil
		},
		retry.Attempts(connectAttempts),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(n+1) * connectBaseDelay
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return info, fmt.Errorf("hostclient: connect to %s after %d attempts: %w", c.endpointName, attempt, err)
	}

	go c.readLoop()
	return info, nil
}

func (c *Client) setConn(conn net.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.connMu.Unlock()
}

// handshake sends GetInfo and reads the Info reply directly off the
// stream, bypassing the read loop — which only starts once the
// handshake completes, avoiding a race for the first message. The
// whole round-trip is bounded by timeout so a host that accepts but
// never answers can't hang the caller indefinitely.
func (c *Client) handshake(timeout time.Duration) (ipc.SessionInfo, error) {
	c.connMu.RLock()
	conn, r := c.conn, c.reader
	c.connMu.RUnlock()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return ipc.SessionInfo{}, fmt.Errorf("hostclient: set handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(ipc.Encode(ipc.MsgGetInfo, nil)); err != nil {
		return ipc.SessionInfo{}, fmt.Errorf("hostclient: write GetInfo: %w", err)
	}

	msgType, payload, err := readMessage(r)
	if err != nil {
		return ipc.SessionInfo{}, fmt.Errorf("hostclient: read Info: %w", err)
	}
	if msgType != ipc.MsgInfo {
		return ipc.SessionInfo{}, fmt.Errorf("hostclient: expected Info, got message type %d", msgType)
	}
	info, err := ipc.DecodeInfo(payload)
	if err != nil {
		return ipc.SessionInfo{}, fmt.Errorf("hostclient: decode Info: %w", err)
	}

	c.handshakeDone.Store(true)
	return info, nil
}

func (c *Client) readLoop() {
	for {
		c.connMu.RLock()
		r := c.reader
		c.connMu.RUnlock()

		msgType, payload, err := readMessage(r)
		if err != nil {
			if err != io.EOF {
				c.logger.Warn("hostclient: read failed", "err", err)
			}
			c.triggerReconnect()
			return
		}

		switch msgType {
		case ipc.MsgOutput:
			_, _, data, decErr := ipc.DecodeOutput(payload)
			if decErr != nil {
				c.logger.Warn("hostclient: bad Output frame", "err", decErr)
				continue
			}
			if c.onOutput != nil {
				c.onOutput(data)
			}
		case ipc.MsgStateChange:
			isRunning, hasExitCode, exitCode, decErr := ipc.DecodeStateChange(payload)
			if decErr != nil {
				c.logger.Warn("hostclient: bad StateChange frame", "err", decErr)
				continue
			}
			if c.onStateChanged != nil {
				c.onStateChanged(isRunning, hasExitCode, exitCode)
			}
		case ipc.MsgForegroundChange:
			fg, decErr := ipc.DecodeForegroundChange(payload)
			if decErr != nil {
				c.logger.Warn("hostclient: bad ForegroundChange frame", "err", decErr)
				continue
			}
			if c.onForegroundChanged != nil {
				c.onForegroundChanged(fg)
			}
		case ipc.MsgBuffer, ipc.MsgResizeAck, ipc.MsgSetNameAck, ipc.MsgSetOrderAck,
			ipc.MsgSetLogLevelAck, ipc.MsgCloseAck, ipc.MsgInfo:
			c.deliverResponse(payload)
		default:
			c.logger.Warn("hostclient: unexpected message type", "type", msgType)
		}
	}
}

func (c *Client) deliverResponse(payload []byte) {
	c.responseMu.Lock()
	ch := c.pendingResp
	c.pendingResp = nil
	c.responseMu.Unlock()
	if ch != nil {
		ch <- payload
	}
}

// request implements the requestLock/responseLock/writeLock pattern:
// one outstanding request at a time, response correlated by the
// single pending slot (the protocol has no correlation ids).
func (c *Client) request(msgType ipc.MessageType, payload []byte, timeout time.Duration) ([]byte, error) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	respCh := make(chan []byte, 1)
	c.responseMu.Lock()
	c.pendingResp = respCh
	c.responseMu.Unlock()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	c.writeMu.Lock()
	_, err := conn.Write(ipc.Encode(msgType, payload))
	c.writeMu.Unlock()

	if err != nil {
		c.clearPending()
		c.triggerReconnect()
		return nil, fmt.Errorf("hostclient: write %v: %w", msgType, err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-time.After(timeout):
		c.clearPending()
		return nil, fmt.Errorf("hostclient: request %v timed out after %s", msgType, timeout)
	}
}

func (c *Client) clearPending() {
	c.responseMu.Lock()
	c.pendingResp = nil
	c.responseMu.Unlock()
}

// Resize sends a Resize request and awaits its ack.
func (c *Client) Resize(cols, rows uint16) error {
	_, err := c.request(ipc.MsgResize, ipc.EncodeResize(cols, rows), defaultRequestTimeout)
	return err
}

// SetName sends a SetName request and awaits its ack.
func (c *Client) SetName(name string, isManual bool) error {
	_, err := c.request(ipc.MsgSetName, ipc.EncodeSetName(name, isManual), defaultRequestTimeout)
	return err
}

// SetOrder sends a SetOrder request and awaits its ack.
func (c *Client) SetOrder(order byte) error {
	_, err := c.request(ipc.MsgSetOrder, []byte{order}, defaultRequestTimeout)
	return err
}

// GetBuffer requests the host's full scrollback snapshot.
func (c *Client) GetBuffer() ([]byte, error) {
	return c.request(ipc.MsgGetBuffer, nil, defaultRequestTimeout)
}

// SendInput is fire-and-forget: there is no ack type for Input, and a
// write failure triggers a reconnect attempt without surfacing to the
// caller.
func (c *Client) SendInput(data []byte) {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	c.writeMu.Lock()
	_, err := conn.Write(ipc.Encode(ipc.MsgInput, data))
	c.writeMu.Unlock()

	if err != nil {
		c.triggerReconnect()
	}
}

// Close sends a Close request, suppressing any further auto-reconnect.
func (c *Client) Close() error {
	c.suppressReconnect.Store(true)
	_, err := c.request(ipc.MsgClose, nil, defaultRequestTimeout)
	return err
}

func (c *Client) triggerReconnect() {
	if c.suppressReconnect.Load() {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer c.reconnecting.Store(false)
	c.handshakeDone.Store(false)

	var info ipc.SessionInfo
	err := retry.Do(
		func() error {
			conn, dialErr := endpoint.Dial(c.endpointName)
			if dialErr != nil {
				return dialErr
			}
			c.setConn(conn)

			hsInfo, hsErr := c.handshake(DefaultConnectTimeout)
			if hsErr != nil {
				conn.Close()
				return hsErr
			}
			info = hsInfo
			return nil
		},
		retry.Attempts(reconnectAttempts),
		retry.Delay(reconnectBaseDelay),
		retry.MaxDelay(reconnectMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	_ = info

	if err != nil {
		c.logger.Warn("hostclient: gave up reconnecting", "attempts", reconnectAttempts, "err", err)
		if c.onStateChanged != nil {
			c.onStateChanged(false, true, -1)
		}
		return
	}

	go c.readLoop()
	if c.onReconnected != nil {
		c.onReconnected()
	}
}

func readMessage(r *bufio.Reader) (ipc.MessageType, []byte, error) {
	header := make([]byte, ipc.HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	msgType, length, err := ipc.TryReadHeader(header)
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return msgType, payload, nil
}
