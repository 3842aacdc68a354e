package muxconn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"mthub/internal/muxproto"
)

type queuedFrame struct {
	data []byte
	at   time.Time
}

// MuxClient is one attached browser WebSocket: an output queue fed by
// every tracked session's output, and the resync bookkeeping that
// recovers a slow consumer from the live scrollback instead of letting
// its queue grow without bound.
type MuxClient struct {
	id   string
	conn wsConn

	sendMu sync.Mutex
	wake   chan struct{}

	mu           sync.Mutex
	outputQueue  []queuedFrame
	pendingQueue []queuedFrame
	isResyncing  bool
	needsResync  bool
}

func newMuxClient(id string, conn wsConn) *MuxClient {
	return &MuxClient{
		id:   id,
		conn: conn,
		wake: make(chan struct{}, 1),
	}
}

// beginSeeding marks the client as mid-resync before it's registered
// for broadcast, so any broadcastOutput that lands between
// registration and seedOutput parks in pendingQueue instead of
// outputQueue. Must be called before the client is handed to
// Manager.register.
func (c *MuxClient) beginSeeding() {
	c.mu.Lock()
	c.isResyncing = true
	c.mu.Unlock()
}

// seedOutput enqueues frames (the Init frame followed by each live
// session's snapshot) ahead of anything already queued, then leaves
// the resyncing state so subsequent QueueOutput calls append normally.
// Frames already parked in pendingQueue while the client was being
// registered are appended after the seed frames, so nothing queued
// during setup is lost or reordered ahead of the snapshot it followed.
func (c *MuxClient) seedOutput(frames ...[]byte) {
	c.mu.Lock()
	now := time.Now()
	for _, f := range frames {
		c.outputQueue = append(c.outputQueue, queuedFrame{data: f, at: now})
	}
	c.outputQueue = append(c.outputQueue, c.pendingQueue...)
	c.pendingQueue = nil
	c.isResyncing = false
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// QueueOutput enqueues frame for delivery. While a resync is underway
// the frame is held in pendingQueue so it's delivered after the
// snapshot rather than racing with it.
func (c *MuxClient) QueueOutput(frame []byte) {
	qf := queuedFrame{data: frame, at: time.Now()}

	c.mu.Lock()
	if c.isResyncing {
		c.pendingQueue = append(c.pendingQueue, qf)
	} else {
		c.outputQueue = append(c.outputQueue, qf)
		c.checkBackpressureLocked()
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *MuxClient) checkBackpressureLocked() {
	n := len(c.outputQueue)
	if n >= hardBackpressureDepth {
		c.needsResync = true
		return
	}
	if n >= softBackpressureDepth && time.Since(c.outputQueue[0].at) > softBackpressureAge {
		c.needsResync = true
	}
}

// NeedsResync reports whether backpressure has tripped since the last resync.
func (c *MuxClient) NeedsResync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsResync
}

// pump is the per-client output task: it drains outputQueue and writes
// each frame to the socket. During a resync, outputQueue is emptied
// and resync() writes the snapshot directly, so pump simply idles.
// A write failure cancels ctx so the rest of Attach's lifecycle (the
// receive loop in particular) unwinds instead of leaving pump dead
// while everything else keeps running against a broken connection.
func (c *MuxClient) pump(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) {
	for {
		c.mu.Lock()
		for len(c.outputQueue) == 0 {
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
			}
			c.mu.Lock()
		}
		qf := c.outputQueue[0]
		c.outputQueue = c.outputQueue[1:]
		c.mu.Unlock()

		if err := c.send(ctx, qf.data); err != nil {
			logger.Warn("mux client write failed", "client", c.id, "err", err)
			cancel()
			return
		}
	}
}

func (c *MuxClient) send(ctx context.Context, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

// resync performs the five-step recovery: mark resyncing, discard the
// stale queue, send a fresh snapshot of every live session directly,
// drain whatever queued up during the snapshot, then clear both flags.
// A write failure cancels ctx (the connection is assumed broken) but
// still clears isResyncing/needsResync via defer, so a client can
// never get stuck permanently routing into pendingQueue.
func (c *MuxClient) resync(ctx context.Context, cancel context.CancelFunc, sessions SessionSource, logger *slog.Logger) {
	c.mu.Lock()
	if c.isResyncing {
		c.mu.Unlock()
		return
	}
	c.isResyncing = true
	c.outputQueue = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.isResyncing = false
		c.needsResync = false
		c.mu.Unlock()
	}()

	for _, info := range sessions.ListSessions() {
		snap, err := sessions.GetBuffer(info.ID)
		if err != nil || len(snap) == 0 {
			continue
		}
		frame := muxproto.EncodeOutput(info.ID, info.Cols, info.Rows, snap)
		if err := c.send(ctx, frame); err != nil {
			logger.Warn("mux resync snapshot write failed", "client", c.id, "err", err)
			cancel()
			return
		}
	}

	c.mu.Lock()
	pending := c.pendingQueue
	c.pendingQueue = nil
	c.mu.Unlock()

	for _, qf := range pending {
		if err := c.send(ctx, qf.data); err != nil {
			logger.Warn("mux resync pending drain write failed", "client", c.id, "err", err)
			cancel()
			return
		}
	}
}
