//go:build !windows

package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// runPtyExec implements `mthost --pty-exec <slave-path> <shell> [args...]`:
// it attaches the calling process to the PTY slave as its controlling
// terminal and execs into shell, never returning. Only used when a
// caller wants a self-reexec session leader instead of creack/pty's
// built-in fork/exec (the path internal/ptysup.StartShell actually
// takes); kept as an alternative session-leader mechanism for callers
// that want to reexec into the shell themselves.
func runPtyExec(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "mthost --pty-exec: usage: --pty-exec <slave-path> <shell> [args...]")
		os.Exit(1)
	}
	slavePath, shell, shellArgs := args[0], args[1], args[2:]

	if _, err := unix.Setsid(); err != nil {
		fmt.Fprintf(os.Stderr, "mthost --pty-exec: setsid: %v\n", err)
		os.Exit(1)
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mthost --pty-exec: open slave: %v\n", err)
		os.Exit(1)
	}

	if err := unix.IoctlSetInt(int(slave.Fd()), unix.TIOCSCTTY, 0); err != nil {
		fmt.Fprintf(os.Stderr, "mthost --pty-exec: TIOCSCTTY: %v\n", err)
		os.Exit(1)
	}

	fd := int(slave.Fd())
	for _, std := range []int{0, 1, 2} {
		if err := unix.Dup2(fd, std); err != nil {
			fmt.Fprintf(os.Stderr, "mthost --pty-exec: dup2: %v\n", err)
			os.Exit(1)
		}
	}
	if fd > 2 {
		_ = slave.Close()
	}

	shellPath, err := resolvePath(shell)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mthost --pty-exec: resolve shell: %v\n", err)
		os.Exit(1)
	}

	argv := append([]string{shell}, shellArgs...)
	if err := syscall.Exec(shellPath, argv, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "mthost --pty-exec: exec: %v\n", err)
		os.Exit(1)
	}
}

func resolvePath(shell string) (string, error) {
	if shell[0] == '/' {
		return shell, nil
	}
	return exec.LookPath(shell)
}
