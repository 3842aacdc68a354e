package muxconn

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"mthub/internal/ipc"
	"mthub/internal/muxproto"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-memory wsConn: writes land in a slice the test can
// inspect, reads are served from a channel the test feeds.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte

	reads chan []byte
	errs  chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads: make(chan []byte, 16),
		errs:  make(chan error, 1),
	}
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	cp := append([]byte(nil), p...)
	f.mu.Lock()
	f.written = append(f.written, cp)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case b := <-f.reads:
		return websocket.MessageBinary, b, nil
	case err := <-f.errs:
		return 0, nil, err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error { return nil }
func (f *fakeConn) CloseNow() error                                      { return nil }

func (f *fakeConn) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

// fakeSessions is a minimal SessionSource backed by plain maps.
type fakeSessions struct {
	mu      sync.Mutex
	infos   map[string]ipc.SessionInfo
	buffers map[string][]byte
	sinks   map[string]func([]byte)

	resizes []resizeCall
	inputs  []inputCall
}

type resizeCall struct {
	id         string
	cols, rows uint16
}

type inputCall struct {
	id   string
	data []byte
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		infos:   make(map[string]ipc.SessionInfo),
		buffers: make(map[string][]byte),
		sinks:   make(map[string]func([]byte)),
	}
}

func (f *fakeSessions) ListSessions() []ipc.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ipc.SessionInfo, 0, len(f.infos))
	for _, info := range f.infos {
		out = append(out, info)
	}
	return out
}

func (f *fakeSessions) Info(id string) (ipc.SessionInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[id]
	return info, ok
}

func (f *fakeSessions) GetBuffer(id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffers[id], nil
}

func (f *fakeSessions) SendInput(id string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, inputCall{id, append([]byte(nil), data...)})
	return nil
}

func (f *fakeSessions) Resize(id string, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, resizeCall{id, cols, rows})
	return nil
}

func (f *fakeSessions) OnOutput(id string, sink func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[id] = sink
}

func (f *fakeSessions) emit(id string, data []byte) {
	f.mu.Lock()
	sink := f.sinks[id]
	f.mu.Unlock()
	if sink != nil {
		sink(data)
	}
}

func TestAttachSendsInitThenPerSessionSnapshot(t *testing.T) {
	sessions := newFakeSessions()
	sessions.infos["aaaaaaaa"] = ipc.SessionInfo{ID: "aaaaaaaa", Cols: 80, Rows: 24}
	sessions.buffers["aaaaaaaa"] = []byte("hello")

	m := New(sessions, discardLogger())
	conn := newFakeConn()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.attach(ctx, conn)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(conn.snapshot()) >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done

	frames := conn.snapshot()
	initFrame, err := muxproto.TryParseFrame(frames[0])
	require.NoError(t, err)
	require.Equal(t, muxproto.FrameInit, initFrame.Type)

	snapFrame, err := muxproto.TryParseFrame(frames[1])
	require.NoError(t, err)
	require.Equal(t, muxproto.FrameOutput, snapFrame.Type)
	_, _, data, err := muxproto.ParseOutputPayload(snapFrame.Payload)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestBroadcastOutputFansToAttachedClient(t *testing.T) {
	sessions := newFakeSessions()
	sessions.infos["aaaaaaaa"] = ipc.SessionInfo{ID: "aaaaaaaa", Cols: 80, Rows: 24}

	m := New(sessions, discardLogger())
	m.TrackSession("aaaaaaaa")

	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.attach(ctx, conn)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(conn.snapshot()) >= 1 }, time.Second, time.Millisecond)
	sessions.emit("aaaaaaaa", []byte("live output"))

	require.Eventually(t, func() bool {
		for _, raw := range conn.snapshot() {
			f, err := muxproto.TryParseFrame(raw)
			if err != nil || f.Type != muxproto.FrameOutput {
				continue
			}
			_, _, data, err := muxproto.ParseOutputPayload(f.Payload)
			if err == nil && string(data) == "live output" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestInboundInputAndResizeForwarded(t *testing.T) {
	sessions := newFakeSessions()
	m := New(sessions, discardLogger())
	conn := newFakeConn()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.attach(ctx, conn)
		close(done)
	}()

	conn.reads <- muxproto.EncodeInput("aaaaaaaa", []byte("ls\n"))
	conn.reads <- muxproto.EncodeResize("aaaaaaaa", 100, 50)

	require.Eventually(t, func() bool {
		sessions.mu.Lock()
		defer sessions.mu.Unlock()
		return len(sessions.inputs) == 1 && len(sessions.resizes) == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, "ls\n", string(sessions.inputs[0].data))
	require.Equal(t, uint16(100), sessions.resizes[0].cols)
	require.Equal(t, uint16(50), sessions.resizes[0].rows)

	cancel()
	<-done
}

func TestBackpressureTripsResync(t *testing.T) {
	mc := newMuxClient("deadbeefdeadbeefdeadbeefdeadbeef", newFakeConn())

	for i := 0; i < hardBackpressureDepth; i++ {
		mc.QueueOutput([]byte("x"))
	}
	require.True(t, mc.NeedsResync())
}

func TestSeedOutputOrdersAheadOfConcurrentBroadcast(t *testing.T) {
	conn := newFakeConn()
	mc := newMuxClient("deadbeefdeadbeefdeadbeefdeadbeef", conn)
	mc.beginSeeding()

	// Simulates a broadcastOutput landing in the window between a
	// client being registered and attach finishing its Init/snapshot
	// seed — it must queue behind the seed, not ahead of it.
	mc.QueueOutput([]byte("live-before-seed"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mc.pump(ctx, cancel, discardLogger())

	mc.seedOutput([]byte("init"), []byte("snapshot"))

	require.Eventually(t, func() bool { return len(conn.snapshot()) >= 3 }, time.Second, time.Millisecond)

	frames := conn.snapshot()
	require.Equal(t, "init", string(frames[0]))
	require.Equal(t, "snapshot", string(frames[1]))
	require.Equal(t, "live-before-seed", string(frames[2]))
}

func TestResyncSendsSnapshotAndClearsFlag(t *testing.T) {
	sessions := newFakeSessions()
	sessions.infos["aaaaaaaa"] = ipc.SessionInfo{ID: "aaaaaaaa", Cols: 80, Rows: 24}
	sessions.buffers["aaaaaaaa"] = []byte("snapshot-data")

	conn := newFakeConn()
	mc := newMuxClient("deadbeefdeadbeefdeadbeefdeadbeef", conn)

	for i := 0; i < hardBackpressureDepth; i++ {
		mc.QueueOutput([]byte("x"))
	}
	require.True(t, mc.NeedsResync())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mc.resync(ctx, cancel, sessions, discardLogger())

	require.False(t, mc.NeedsResync())
	found := false
	for _, raw := range conn.snapshot() {
		f, err := muxproto.TryParseFrame(raw)
		if err != nil || f.Type != muxproto.FrameOutput {
			continue
		}
		_, _, data, err := muxproto.ParseOutputPayload(f.Payload)
		if err == nil && string(data) == "snapshot-data" {
			found = true
		}
	}
	require.True(t, found)
}
