// Package ptysup implements the PTY supervisor: the host-process
// component that drives one PTY, maintains its scrollback, and emits
// output/state/foreground events for internal/hostserver to relay.
package ptysup

import (
	"fmt"
	"sync"
	"time"

	"mthub/internal/procmon"
	"mthub/internal/scrollback"
)

// ReadBufferSize is the chunk size used by the PTY read loop.
const ReadBufferSize = 8 * 1024

// ForegroundInfo describes the process currently in the foreground
// process group of a PTY.
type ForegroundInfo struct {
	Pid         int
	Name        string
	CommandLine string
}

// Info is a snapshot of everything GetInfo/Info needs to report: a
// session's state as seen from inside the host process.
type Info struct {
	Cols                    int
	Rows                    int
	IsRunning               bool
	ExitCode                int
	HasExitCode             bool
	Name                    string
	TerminalTitle           string
	ManuallyNamed           bool
	Order                   byte
	CurrentWorkingDirectory string
	HasForeground           bool
	Foreground              ForegroundInfo
	Pid                     int
	CreatedAtUnixNano       int64
}

// Supervisor owns one PtyConnection and its scrollback, and fans out
// output/state/foreground events. All exported methods are safe for
// concurrent use; StartReadLoop runs until PTY EOF.
type Supervisor struct {
	pty   PtyConnection
	ring  *scrollback.Buffer
	monCh <-chan procmon.Event

	onOutput            func([]byte)
	onStateChanged      func()
	onForegroundChanged func(ForegroundInfo)

	mu        sync.Mutex
	cols      int
	rows      int
	name      string
	title     string
	manual    bool
	order     byte
	cwd       string
	hasFg     bool
	fg        ForegroundInfo
	createdAt time.Time
}

// New creates a Supervisor around an already-started PTY connection.
func New(ptyConn PtyConnection, ringCapacity int, cols, rows int) *Supervisor {
	return &Supervisor{
		pty:       ptyConn,
		ring:      scrollback.New(ringCapacity),
		cols:      cols,
		rows:      rows,
		createdAt: time.Now(),
	}
}

// SetHandlers wires the event callbacks. Must be called before StartReadLoop.
func (s *Supervisor) SetHandlers(onOutput func([]byte), onStateChanged func(), onForegroundChanged func(ForegroundInfo)) {
	s.onOutput = onOutput
	s.onStateChanged = onStateChanged
	s.onForegroundChanged = onForegroundChanged
}

// WatchForeground attaches a procmon event channel whose updates are
// surfaced as OnForegroundChanged and as Info.CurrentWorkingDirectory.
func (s *Supervisor) WatchForeground(events <-chan procmon.Event) {
	s.monCh = events
	go s.foregroundLoop()
}

func (s *Supervisor) foregroundLoop() {
	for ev := range s.monCh {
		s.mu.Lock()
		s.hasFg = true
		s.fg = ForegroundInfo{Pid: ev.Pid, Name: ev.Name, CommandLine: ev.CommandLine}
		if ev.Cwd != "" {
			s.cwd = ev.Cwd
		}
		s.mu.Unlock()

		if s.onForegroundChanged != nil {
			s.onForegroundChanged(ForegroundInfo{Pid: ev.Pid, Name: ev.Name, CommandLine: ev.CommandLine})
		}
	}
}

// SendInput writes bytes to the PTY. A write failure (the process has
// likely exited) is returned wrapped; the caller logs it.
func (s *Supervisor) SendInput(data []byte) error {
	_, err := s.pty.Write(data)
	if err != nil {
		return fmt.Errorf("ptysup: write: %w", err)
	}
	return nil
}

// Resize updates dimensions. No-op if unchanged.
func (s *Supervisor) Resize(cols, rows int) error {
	s.mu.Lock()
	if s.cols == cols && s.rows == rows {
		s.mu.Unlock()
		return nil
	}
	s.cols, s.rows = cols, rows
	s.mu.Unlock()

	if err := s.pty.Resize(cols, rows); err != nil {
		return fmt.Errorf("ptysup: resize: %w", err)
	}
	if s.onStateChanged != nil {
		s.onStateChanged()
	}
	return nil
}

// SetName sets the user-assigned name. isManual=true marks the
// session as manually named, which future isManual=false calls (shell
// title auto-updates) must not overwrite.
func (s *Supervisor) SetName(name string, isManual bool) {
	s.mu.Lock()
	if !isManual && s.manual {
		s.mu.Unlock()
		return
	}
	s.name = name
	if isManual {
		s.manual = true
	}
	s.mu.Unlock()

	if s.onStateChanged != nil {
		s.onStateChanged()
	}
}

// SetTerminalTitle records the shell-reported OSC title without
// touching the manually-assigned name.
func (s *Supervisor) SetTerminalTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()

	if s.onStateChanged != nil {
		s.onStateChanged()
	}
}

// SetOrder sets the session's sort-key byte.
func (s *Supervisor) SetOrder(order byte) {
	s.mu.Lock()
	s.order = order
	s.mu.Unlock()

	if s.onStateChanged != nil {
		s.onStateChanged()
	}
}

// GetOutputCursor returns the scrollback's current write cursor, used
// by the host server to fix the replay point before sending Info.
func (s *Supervisor) GetOutputCursor() int64 {
	return s.ring.TotalWritten()
}

// TryReplayOutputSince replays bytes written after cursor to consumer,
// in order. Returns false iff the cursor has been overwritten.
func (s *Supervisor) TryReplayOutputSince(cursor int64, consumer func([]byte)) bool {
	scratch := make([]byte, ReadBufferSize)
	for {
		n, ok := s.ring.TryCopySince(cursor, scratch)
		if !ok {
			return false
		}
		if n == 0 {
			return true
		}
		consumer(scratch[:n])
		cursor += int64(n)
	}
}

// GetBufferSnapshot returns the entire held scrollback and its start cursor.
func (s *Supervisor) GetBufferSnapshot() ([]byte, int64) {
	return s.ring.Snapshot()
}

// GetBufferTail returns up to n trailing bytes and their start cursor.
func (s *Supervisor) GetBufferTail(n int) ([]byte, int64) {
	return s.ring.Tail(n)
}

// Info returns a point-in-time snapshot of the session's attributes.
func (s *Supervisor) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, hasCode := s.pty.ExitCode()
	return Info{
		Cols:                    s.cols,
		Rows:                    s.rows,
		IsRunning:               s.pty.IsRunning(),
		ExitCode:                code,
		HasExitCode:             hasCode,
		Name:                    s.name,
		TerminalTitle:           s.title,
		ManuallyNamed:           s.manual,
		Order:                   s.order,
		CurrentWorkingDirectory: s.cwd,
		HasForeground:           s.hasFg,
		Foreground:              s.fg,
		Pid:                     s.pty.Pid(),
		CreatedAtUnixNano:       s.createdAt.UnixNano(),
	}
}

// StartReadLoop runs until PTY EOF. Every read is appended to
// scrollback under the ring's own lock, then emitted via onOutput, in
// the same order, so consumers never see output reordered relative
// to the scrollback they'd get from a snapshot.
func (s *Supervisor) StartReadLoop() {
	buf := make([]byte, ReadBufferSize)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.ring.Write(chunk)
			if s.onOutput != nil {
				s.onOutput(chunk)
			}
		}
		if err != nil {
			break
		}
	}
	if s.onStateChanged != nil {
		s.onStateChanged()
	}
}

// Kill terminates the underlying PTY/shell.
func (s *Supervisor) Kill() error {
	return s.pty.Close()
}

// Dispose releases resources. Safe to call after Kill.
func (s *Supervisor) Dispose() {
	_ = s.pty.Close()
}
