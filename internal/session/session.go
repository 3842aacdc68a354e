// Package session implements the gateway's session manager. It
// owns one HostClient per live session, a cache of each session's
// last-known info, per-session state-change listeners, and each
// session's lazily-created drop directory.
package session

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mthub/internal/endpoint"
	"mthub/internal/hostclient"
	"mthub/internal/hostversion"
	"mthub/internal/ipc"
)

const (
	createPollAttempts = 10
	createPollDelay    = 200 * time.Millisecond
	discoveryTimeout   = 1500 * time.Millisecond
)

// Listener is fired whenever a session's cached info changes.
type Listener func(id string, info ipc.SessionInfo)

// Manager owns every live session's HostClient and cached state.
type Manager struct {
	logger    *slog.Logger
	mthostBin string

	mu          sync.RWMutex
	clients     map[string]*hostclient.Client
	cache       map[string]ipc.SessionInfo
	listeners   map[string]Listener
	outputSinks map[string]func([]byte)
	tempDirs    map[string]string
}

// New builds a Manager. mthostBin is the path (or bare name, resolved
// via PATH) to the mthost binary Create spawns.
func New(mthostBin string, logger *slog.Logger) *Manager {
	return &Manager{
		logger:      logger,
		mthostBin:   mthostBin,
		clients:     make(map[string]*hostclient.Client),
		cache:       make(map[string]ipc.SessionInfo),
		listeners:   make(map[string]Listener),
		outputSinks: make(map[string]func([]byte)),
		tempDirs:    make(map[string]string),
	}
}

// ListSessions returns a snapshot of every cached SessionInfo.
func (m *Manager) ListSessions() []ipc.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ipc.SessionInfo, 0, len(m.cache))
	for _, info := range m.cache {
		out = append(out, info)
	}
	return out
}

// Info returns a session's cached SessionInfo.
func (m *Manager) Info(id string) (ipc.SessionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.cache[id]
	return info, ok
}

// OnStateChange registers id's state-change listener, replacing any previous one.
func (m *Manager) OnStateChange(id string, fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[id] = fn
}

// OnOutput registers id's live-output sink, used by internal/muxconn to
// fan PTY bytes out to every attached browser client.
func (m *Manager) OnOutput(id string, sink func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputSinks[id] = sink
}

// Create spawns a new mthost process for shellType rooted at cwd sized
// cols x rows, waits for it to accept a connection and answer its
// first GetInfo, and registers it. On any failure the spawned process
// is killed to avoid leaving an orphan.
func (m *Manager) Create(shellType, cwd string, cols, rows int) (string, ipc.SessionInfo, error) {
	id, err := newSessionID()
	if err != nil {
		return "", ipc.SessionInfo{}, fmt.Errorf("session: generate id: %w", err)
	}

	cmd := exec.Command(m.mthostBin,
		"--session", id,
		"--shell", shellType,
		"--cwd", cwd,
		"--cols", strconv.Itoa(cols),
		"--rows", strconv.Itoa(rows),
	)
	if err := cmd.Start(); err != nil {
		return "", ipc.SessionInfo{}, fmt.Errorf("session: spawn mthost: %w", err)
	}

	hostPid := cmd.Process.Pid
	endpointName := endpoint.HostName(id, hostPid)

	client, info, err := m.pollConnect(id, endpointName)
	if err != nil {
		_ = cmd.Process.Kill()
		return "", ipc.SessionInfo{}, fmt.Errorf("session: create %s: %w", id, err)
	}

	m.register(id, client, info)
	return id, info, nil
}

func (m *Manager) pollConnect(id, endpointName string) (*hostclient.Client, ipc.SessionInfo, error) {
	client := m.newClientFor(id, endpointName)

	var lastErr error
	for attempt := 0; attempt < createPollAttempts; attempt++ {
		info, err := client.Connect(hostclient.DefaultConnectTimeout)
		if err == nil {
			return client, info, nil
		}
		lastErr = err
		time.Sleep(createPollDelay)
	}
	return nil, ipc.SessionInfo{}, fmt.Errorf("session: poll-connect to %s failed: %w", endpointName, lastErr)
}

func (m *Manager) newClientFor(id, endpointName string) *hostclient.Client {
	client := hostclient.New(id, endpointName, m.logger)
	client.SetHandlers(
		func(data []byte) { m.handleOutput(id, data) },
		func(isRunning, hasExitCode bool, exitCode int32) { m.handleStateChange(id, isRunning, hasExitCode, exitCode) },
		func(fg ipc.ForegroundProcessInfo) { m.handleForegroundChange(id, fg) },
		func() { m.logger.Info("session reconnected", "session", id) },
	)
	return client
}

func (m *Manager) register(id string, client *hostclient.Client, info ipc.SessionInfo) {
	m.mu.Lock()
	m.clients[id] = client
	m.cache[id] = info
	m.mu.Unlock()
	m.notify(id, info)
}

func (m *Manager) notify(id string, info ipc.SessionInfo) {
	m.mu.RLock()
	listener := m.listeners[id]
	m.mu.RUnlock()
	if listener != nil {
		listener(id, info)
	}
}

func (m *Manager) handleOutput(id string, data []byte) {
	m.mu.RLock()
	sink := m.outputSinks[id]
	m.mu.RUnlock()
	if sink != nil {
		sink(data)
	}
}

func (m *Manager) handleStateChange(id string, isRunning, hasExitCode bool, exitCode int32) {
	m.mu.Lock()
	info := m.cache[id]
	info.IsRunning = isRunning
	info.HasExitCode = hasExitCode
	info.ExitCode = exitCode
	m.cache[id] = info
	listener := m.listeners[id]
	m.mu.Unlock()
	if listener != nil {
		listener(id, info)
	}
}

func (m *Manager) handleForegroundChange(id string, fg ipc.ForegroundProcessInfo) {
	m.mu.Lock()
	info := m.cache[id]
	info.HasForeground = true
	info.Foreground = fg
	m.cache[id] = info
	listener := m.listeners[id]
	m.mu.Unlock()
	if listener != nil {
		listener(id, info)
	}
}

// Resize forwards to the session's HostClient and updates the cache.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	client, ok := m.clientFor(id)
	if !ok {
		return fmt.Errorf("session: unknown id %s", id)
	}
	if err := client.Resize(cols, rows); err != nil {
		return err
	}
	m.mu.Lock()
	info := m.cache[id]
	info.Cols, info.Rows = cols, rows
	m.cache[id] = info
	m.mu.Unlock()
	return nil
}

// SetName forwards to the session's HostClient. The manuallyNamed
// no-op invariant is enforced on the host side (internal/ptysup.SetName).
func (m *Manager) SetName(id, name string, isManual bool) error {
	client, ok := m.clientFor(id)
	if !ok {
		return fmt.Errorf("session: unknown id %s", id)
	}
	return client.SetName(name, isManual)
}

// GetBuffer forwards to the session's HostClient.
func (m *Manager) GetBuffer(id string) ([]byte, error) {
	client, ok := m.clientFor(id)
	if !ok {
		return nil, fmt.Errorf("session: unknown id %s", id)
	}
	return client.GetBuffer()
}

// SendInput forwards to the session's HostClient. Fire-and-forget.
func (m *Manager) SendInput(id string, data []byte) error {
	client, ok := m.clientFor(id)
	if !ok {
		return fmt.Errorf("session: unknown id %s", id)
	}
	client.SendInput(data)
	return nil
}

// Close forwards a Close request to the session's HostClient and
// releases its drop directory.
func (m *Manager) Close(id string) error {
	client, ok := m.clientFor(id)
	if !ok {
		return fmt.Errorf("session: unknown id %s", id)
	}
	err := client.Close()

	m.mu.Lock()
	delete(m.clients, id)
	delete(m.cache, id)
	delete(m.listeners, id)
	delete(m.outputSinks, id)
	dir := m.tempDirs[id]
	delete(m.tempDirs, id)
	m.mu.Unlock()

	if dir != "" {
		_ = os.RemoveAll(dir)
	}
	return err
}

// DropDir lazily creates and returns the session's scratch directory
// for drag-and-drop uploads (<tmp>/mm-drops/<id>), adapted from the
// teacher's upload-handler temp-dir lifecycle.
func (m *Manager) DropDir(id string) (string, error) {
	m.mu.RLock()
	dir, ok := m.tempDirs[id]
	m.mu.RUnlock()
	if ok {
		return dir, nil
	}

	dir = filepath.Join(os.TempDir(), "mm-drops", id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("session: create drop dir: %w", err)
	}

	m.mu.Lock()
	m.tempDirs[id] = dir
	m.mu.Unlock()
	return dir, nil
}

func (m *Manager) clientFor(id string) (*hostclient.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// newSessionID takes the first 8 hex nibbles of a random UUID, reusing
// the same id library internal/muxconn uses for mux client ids instead
// of hand rolling a second random-id scheme.
func newSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String()[:8], nil
}

// DiscoverAndAdopt enumerates every endpoint left behind by running
// (or crashed) host processes and classifies each: register if
// connected and version-compatible, kill+remove if incompatible or
// unresponsive, or just remove if nothing answers the socket at all.
// Any process still in the orphan set afterward is killed too.
func (m *Manager) DiscoverAndAdopt() {
	orphans := runningMthostPids()

	names, err := endpoint.Discover()
	if err != nil {
		m.logger.Warn("discover: enumerate endpoints failed", "err", err)
		return
	}

	for _, name := range names {
		sessionID, hostPid, ok := parseEndpointName(name)
		if !ok {
			m.logger.Warn("discover: unparseable endpoint name", "name", name)
			continue
		}
		if m.adopt(sessionID, hostPid, name) {
			delete(orphans, hostPid)
		}
	}

	for pid := range orphans {
		killPid(pid)
	}
}

// adopt attempts connect-and-GetInfo against one discovered endpoint
// and classifies the result. Returns true iff the endpoint's host
// process was adopted (and so must not be treated as an orphan).
func (m *Manager) adopt(sessionID string, hostPid int, name string) bool {
	conn, err := endpoint.Dial(name)
	if err != nil {
		// No process accepted: stale endpoint file from a dead host.
		_ = endpoint.Remove(name)
		return false
	}

	info, ok := probeGetInfo(conn, discoveryTimeout)
	conn.Close()
	if !ok {
		m.logger.Warn("discover: endpoint unresponsive", "endpoint", name)
		killPid(hostPid)
		_ = endpoint.Remove(name)
		return false
	}

	compatible, verr := hostversion.Compatible(info.HostVersion, hostversion.Current, hostversion.MinCompatible)
	if verr != nil || !compatible {
		m.logger.Warn("discover: incompatible host version", "endpoint", name, "version", info.HostVersion)
		killPid(hostPid)
		_ = endpoint.Remove(name)
		return false
	}

	client := m.newClientFor(sessionID, name)
	reconnInfo, err := client.Connect(hostclient.DefaultConnectTimeout)
	if err != nil {
		m.logger.Warn("discover: re-handshake failed", "endpoint", name, "err", err)
		killPid(hostPid)
		_ = endpoint.Remove(name)
		return false
	}

	m.register(sessionID, client, reconnInfo)
	return true
}

// probeGetInfo performs a one-shot GetInfo request directly on conn,
// independent of hostclient, for classifying a discovered endpoint
// before committing to a full Client registration.
func probeGetInfo(conn interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	SetDeadline(time.Time) error
}, timeout time.Duration) (ipc.SessionInfo, bool) {
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(ipc.Encode(ipc.MsgGetInfo, nil)); err != nil {
		return ipc.SessionInfo{}, false
	}

	r := bufio.NewReader(conn)
	header := make([]byte, ipc.HeaderSize)
	if _, err := readFull(r, header); err != nil {
		return ipc.SessionInfo{}, false
	}
	msgType, length, err := ipc.TryReadHeader(header)
	if err != nil || msgType != ipc.MsgInfo {
		return ipc.SessionInfo{}, false
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := readFull(r, payload); err != nil {
			return ipc.SessionInfo{}, false
		}
	}
	info, err := ipc.DecodeInfo(payload)
	if err != nil {
		return ipc.SessionInfo{}, false
	}
	return info, true
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// parseEndpointName splits "mthost-<sessionId>-<hostPid>" back into
// its parts, the inverse of endpoint.HostName.
func parseEndpointName(name string) (sessionID string, hostPid int, ok bool) {
	const prefix = "mthost-"
	if !strings.HasPrefix(name, prefix) {
		return "", 0, false
	}
	rest := strings.TrimPrefix(name, prefix)
	idx := strings.LastIndex(rest, "-")
	if idx < 0 {
		return "", 0, false
	}
	sessionID = rest[:idx]
	pid, err := strconv.Atoi(rest[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return sessionID, pid, true
}

func killPid(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Kill()
}
