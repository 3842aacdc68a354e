// Package procmon implements the foreground-process/cwd detector that
// internal/ptysup surfaces through OnForegroundChanged. Spec.md treats
// this as an out-of-scope black box ("ProcessMonitor"); this package is
// the concrete Unix implementation needed for the binaries to actually
// run end to end.
package procmon

import (
	"context"
	"log/slog"
	"time"
)

// Event describes a foreground-process/cwd observation.
type Event struct {
	Pid         int
	Name        string
	CommandLine string
	Cwd         string
}

// Monitor polls a PTY master fd for its controlling foreground process
// group and resolves that pid's identity and working directory.
type Monitor struct {
	fd       uintptr
	interval time.Duration
	logger   *slog.Logger

	eventsCh chan Event
	lastPid  int
}

// New creates a Monitor for the given PTY master file descriptor.
// interval defaults to 2s if <= 0.
func New(fd uintptr, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{
		fd:       fd,
		interval: interval,
		logger:   logger,
		eventsCh: make(chan Event, 8),
		lastPid:  -1,
	}
}

// Events returns the channel on which foreground-process changes are delivered.
func (m *Monitor) Events() <-chan Event {
	return m.eventsCh
}

// Run polls until ctx is cancelled, emitting an Event whenever the
// foreground pid changes.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	pid, err := foregroundPid(m.fd)
	if err != nil {
		return
	}
	if pid == m.lastPid {
		return
	}
	m.lastPid = pid

	ev, err := resolve(pid)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("procmon: resolve foreground pid failed", "pid", pid, "error", err)
		}
		return
	}

	select {
	case m.eventsCh <- ev:
	default:
		if m.logger != nil {
			m.logger.Warn("procmon: event channel full, dropping event")
		}
	}
}
