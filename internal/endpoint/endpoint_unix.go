//go:build !windows

package endpoint

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// socketDir is where every host-process Unix-domain socket lives.
const socketDir = "/tmp"

func socketPath(name string) string {
	return filepath.Join(socketDir, name+".sock")
}

func discoveryGlob() string {
	return filepath.Join(socketDir, "mthost-*.sock")
}

func listen(name string) (net.Listener, error) {
	path := socketPath(name)
	// A stale socket file from a crashed host blocks bind; remove it first.
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("endpoint: listen %s: %w", path, err)
	}
	return l, nil
}

func dial(name string) (net.Conn, error) {
	c, err := net.DialTimeout("unix", socketPath(name), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("endpoint: dial %s: %w", name, err)
	}
	return c, nil
}

func remove(name string) error {
	if err := os.Remove(socketPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("endpoint: remove %s: %w", name, err)
	}
	return nil
}

func discover() ([]string, error) {
	matches, err := filepath.Glob(discoveryGlob())
	if err != nil {
		return nil, fmt.Errorf("endpoint: glob: %w", err)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		names = append(names, base[:len(base)-len(".sock")])
	}
	return names, nil
}

// probe implements the §4.5 heartbeat check for Unix sockets via
// Socket.Poll(SelectError): a POLLHUP/POLLERR/POLLNVAL on the fd means
// the peer is gone even though no read/write has been attempted yet.
func probe(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		// Not a real Unix socket (e.g. an in-memory test pipe) — nothing to poll.
		return nil
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return fmt.Errorf("endpoint: probe syscallconn: %w", err)
	}

	var pollErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLHUP | unix.POLLERR}}
		n, err := unix.Poll(fds, 0)
		if err != nil {
			pollErr = fmt.Errorf("endpoint: poll: %w", err)
			return
		}
		if n > 0 && fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			pollErr = fmt.Errorf("endpoint: peer disconnected")
		}
	})
	if ctrlErr != nil {
		return fmt.Errorf("endpoint: probe control: %w", ctrlErr)
	}
	return pollErr
}
