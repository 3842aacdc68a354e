package ptysup

// PtyConnection is the only thing internal/ptysup depends on for
// talking to a real PTY, kept narrow so it can be faked in tests.
// CreackPTY (pty_creack.go) is the real implementation, backed by
// github.com/creack/pty.
type PtyConnection interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Pid() int
	IsRunning() bool
	// ExitCode reports the child's exit status once IsRunning is false.
	// ok is false if the process is still running or its wait failed
	// without an exit status; CreackPTY reports a process killed by a
	// signal as code -1 with ok true.
	ExitCode() (code int, ok bool)
	Close() error
}
