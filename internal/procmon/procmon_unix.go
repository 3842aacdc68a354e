//go:build !windows

package procmon

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// foregroundPid reads the PTY master's foreground process group via
// TIOCGPGRP, the same ioctl family c3's pty.go already uses for
// TIOCSWINSZ.
func foregroundPid(fd uintptr) (int, error) {
	pgid, err := unix.IoctlGetInt(int(fd), unix.TIOCGPGRP)
	if err != nil {
		return 0, fmt.Errorf("procmon: TIOCGPGRP: %w", err)
	}
	return pgid, nil
}

func resolve(pid int) (Event, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Event{}, fmt.Errorf("procmon: process %d: %w", pid, err)
	}

	name, err := proc.Name()
	if err != nil {
		name = ""
	}

	cmdlineSlice, err := proc.CmdlineSlice()
	var cmdline string
	if err == nil {
		cmdline = strings.Join(cmdlineSlice, " ")
	}

	cwd, err := proc.Cwd()
	if err != nil {
		cwd = ""
	}

	return Event{
		Pid:         pid,
		Name:        name,
		CommandLine: cmdline,
		Cwd:         cwd,
	}, nil
}
