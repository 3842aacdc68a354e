//go:build windows

package endpoint

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/microsoft/go-winio"
)

func pipeName(name string) string {
	return `\\.\pipe\` + name
}

func discoveryGlob() string {
	return `\\.\pipe\mthost-*`
}

func listen(name string) (net.Listener, error) {
	l, err := winio.ListenPipe(pipeName(name), nil)
	if err != nil {
		return nil, fmt.Errorf("endpoint: listen pipe %s: %w", name, err)
	}
	return l, nil
}

func dial(name string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := winio.DialPipeContext(ctx, pipeName(name))
	if err != nil {
		return nil, fmt.Errorf("endpoint: dial pipe %s: %w", name, err)
	}
	return c, nil
}

// remove is a no-op on Windows: named pipes disappear with the owning
// process; there is no on-disk artifact to clean up.
func remove(name string) error {
	return nil
}

// discover enumerates live named pipes matching the discovery glob.
// go-winio does not expose a pipe-listing API, so this walks the named
// pipe filesystem namespace directly.
func discover() ([]string, error) {
	matches, err := filepath.Glob(discoveryGlob())
	if err != nil {
		return nil, fmt.Errorf("endpoint: glob: %w", err)
	}
	names := make([]string, 0, len(matches))
	prefix := `\\.\pipe\`
	for _, m := range matches {
		names = append(names, m[len(prefix):])
	}
	return names, nil
}

// probe implements the §4.5 heartbeat check for Windows named pipes by
// calling Flush() on the connection, which fails once the pipe is
// closed. It does not call PeekNamedPipe, and a connection without a
// Flush method is always reported as live.
func probe(conn net.Conn) error {
	type peeker interface {
		Flush() error
	}
	if p, ok := conn.(peeker); ok {
		if err := p.Flush(); err != nil {
			return fmt.Errorf("endpoint: probe: %w", err)
		}
	}
	return nil
}
