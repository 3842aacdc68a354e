//go:build !windows

package ptysup

import (
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"
)

// CreackPTY is the PtyConnection backing every real mthost process,
// grounded on the creack/pty usage in jaigner-hub-mhist's session.go
// (pty.Start, pty.Setsize) — the same library wingthing and helix use
// for their own PTY spawning.
type CreackPTY struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.Mutex
	exited   bool
	exitCode int
	hasCode  bool

	running atomic.Bool
}

// StartShell spawns shell (with args) in a new PTY sized cols x rows,
// rooted at cwd with the given environment.
func StartShell(shell string, args []string, cwd string, env []string, cols, rows int) (*CreackPTY, error) {
	cmd := exec.Command(shell, args...)
	cmd.Dir = cwd
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, err
	}

	c := &CreackPTY{cmd: cmd, ptmx: ptmx}
	c.running.Store(true)

	go c.waitLoop()

	return c, nil
}

func (c *CreackPTY) waitLoop() {
	err := c.cmd.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exited = true
	c.running.Store(false)
	if exitErr, ok := err.(*exec.ExitError); ok {
		c.exitCode = exitErr.ExitCode()
		c.hasCode = true
	} else if err == nil {
		c.exitCode = 0
		c.hasCode = true
	}
}

func (c *CreackPTY) Read(p []byte) (int, error) {
	return c.ptmx.Read(p)
}

func (c *CreackPTY) Write(p []byte) (int, error) {
	return c.ptmx.Write(p)
}

func (c *CreackPTY) Resize(cols, rows int) error {
	return pty.Setsize(c.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (c *CreackPTY) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *CreackPTY) IsRunning() bool {
	return c.running.Load()
}

func (c *CreackPTY) ExitCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode, c.hasCode
}

func (c *CreackPTY) Close() error {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return c.ptmx.Close()
}

// MasterFd exposes the PTY master fd for internal/procmon's TIOCGPGRP probe.
func (c *CreackPTY) MasterFd() uintptr {
	return c.ptmx.Fd()
}
