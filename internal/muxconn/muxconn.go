// Package muxconn implements the gateway's mux connection manager.
// Each attached browser WebSocket gets a MuxClient that fans out every
// live session's output, detects slow consumers, and resyncs them from
// the authoritative server-held scrollback rather than dropping frames.
package muxconn

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"mthub/internal/ipc"
	"mthub/internal/muxproto"
)

const (
	hardBackpressureDepth = 100
	softBackpressureDepth = 20
	softBackpressureAge   = 5 * time.Second
	receiveCheckInterval  = 5 * time.Second
)

// SessionSource is the slice of internal/session.Manager's API this
// package depends on, narrowed to keep muxconn testable without a
// real HostClient.
type SessionSource interface {
	ListSessions() []ipc.SessionInfo
	Info(id string) (ipc.SessionInfo, bool)
	GetBuffer(id string) ([]byte, error)
	SendInput(id string, data []byte) error
	Resize(id string, cols, rows uint16) error
	OnOutput(id string, sink func([]byte))
}

// wsConn is the subset of *websocket.Conn muxconn needs, narrowed so
// tests can substitute an in-memory fake.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// Manager owns every attached browser client and fans session output
// out to all of them.
type Manager struct {
	sessions SessionSource
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*MuxClient
}

// New builds a Manager backed by sessions.
func New(sessions SessionSource, logger *slog.Logger) *Manager {
	return &Manager{
		sessions: sessions,
		logger:   logger,
		clients:  make(map[string]*MuxClient),
	}
}

// TrackSession wires id's live output into every currently and
// subsequently attached mux client. Call once per session, right
// after it's created or adopted.
func (m *Manager) TrackSession(id string) {
	m.sessions.OnOutput(id, func(data []byte) { m.broadcastOutput(id, data) })
}

func (m *Manager) broadcastOutput(id string, data []byte) {
	info, ok := m.sessions.Info(id)
	if !ok {
		return
	}
	frame := muxproto.EncodeOutput(id, info.Cols, info.Rows, data)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.clients {
		c.QueueOutput(frame)
	}
}

// Attach runs the full lifecycle of one browser WebSocket connection:
// Init + per-session snapshot, background output pump, and the
// inbound receive loop. Blocks until the connection closes.
func (m *Manager) Attach(ctx context.Context, conn *websocket.Conn) {
	m.attach(ctx, conn)
}

func (m *Manager) attach(ctx context.Context, conn wsConn) {
	id, err := newClientID()
	if err != nil {
		m.logger.Error("mux: generate client id failed", "err", err)
		return
	}

	mc := newMuxClient(id, conn)
	mc.beginSeeding()
	m.register(mc)
	defer m.unregister(mc)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go mc.pump(ctx, cancel, m.logger)

	// mc is marked seeding before registration above, so registering it
	// for broadcast here is safe: any live frame a concurrent
	// broadcastOutput queues before seedOutput runs parks in
	// pendingQueue and is appended only after Init and every snapshot,
	// never ahead of them.
	frames := make([][]byte, 0, 1+len(m.sessions.ListSessions()))
	frames = append(frames, muxproto.EncodeInit(id))
	for _, info := range m.sessions.ListSessions() {
		snap, err := m.sessions.GetBuffer(info.ID)
		if err != nil || len(snap) == 0 {
			continue
		}
		frames = append(frames, muxproto.EncodeOutput(info.ID, info.Cols, info.Rows, snap))
	}
	mc.seedOutput(frames...)

	m.receiveLoop(ctx, cancel, mc)
}

func (m *Manager) register(mc *MuxClient) {
	m.mu.Lock()
	m.clients[mc.id] = mc
	m.mu.Unlock()
}

func (m *Manager) unregister(mc *MuxClient) {
	m.mu.Lock()
	delete(m.clients, mc.id)
	m.mu.Unlock()
	_ = mc.conn.CloseNow()
}

// receiveLoop is the Attach protocol's inbound half: a blocking read
// loop in its own goroutine, observed by a 5s ticker that checks
// needsResync even when the browser sends nothing.
func (m *Manager) receiveLoop(ctx context.Context, cancel context.CancelFunc, mc *MuxClient) {
	ticker := time.NewTicker(receiveCheckInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := mc.conn.Read(ctx)
			if err != nil {
				return
			}
			m.handleInbound(mc, raw)
			if mc.NeedsResync() {
				mc.resync(ctx, cancel, m.sessions, m.logger)
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if mc.NeedsResync() {
				mc.resync(ctx, cancel, m.sessions, m.logger)
			}
		}
	}
}

func (m *Manager) handleInbound(mc *MuxClient, raw []byte) {
	frame, err := muxproto.TryParseFrame(raw)
	if err != nil {
		m.logger.Warn("mux: malformed inbound frame", "client", mc.id, "err", err)
		return
	}

	switch frame.Type {
	case muxproto.FrameInput:
		if len(frame.Payload) < 20 {
			m.logger.Debug("mux: short input payload", "session", frame.SessionID, "payload", frame.Payload)
		}
		if err := m.sessions.SendInput(frame.SessionID, frame.Payload); err != nil {
			m.logger.Warn("mux: input forward failed", "session", frame.SessionID, "err", err)
		}
	case muxproto.FrameResize:
		cols, rows, err := muxproto.ParseResizePayload(frame.Payload)
		if err != nil {
			m.logger.Warn("mux: malformed resize frame", "session", frame.SessionID, "err", err)
			return
		}
		if err := m.sessions.Resize(frame.SessionID, cols, rows); err != nil {
			m.logger.Warn("mux: resize forward failed", "session", frame.SessionID, "err", err)
		}
	default:
		// Unknown frame types, including a browser-sent Init, are ignored.
	}
}

func newClientID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id[:]), nil
}
