// Package endpoint names, dials, listens on, and probes the local IPC
// transport a host process exposes: a Unix-domain socket on Unix
// platforms, a named pipe on Windows. It is the one place hostserver
// and hostclient touch OS-specific transport details.
package endpoint

import (
	"fmt"
	"net"
)

// HostName returns the endpoint name for a given session/host pid pair,
// e.g. "mthost-a1b2c3d4-4242".
func HostName(sessionID string, hostPid int) string {
	return fmt.Sprintf("mthost-%s-%d", sessionID, hostPid)
}

// DiscoveryGlob is the glob pattern used to enumerate candidate
// endpoints left behind by running (or crashed) host processes.
func DiscoveryGlob() string {
	return discoveryGlob()
}

// Listen binds the named endpoint for a host process. The returned
// listener accepts one connection at a time under an at-most-one-
// active-client model; callers Accept() in a loop and supersede the
// previous client themselves.
func Listen(name string) (net.Listener, error) {
	return listen(name)
}

// Dial connects to a named endpoint from the gateway side.
func Dial(name string) (net.Conn, error) {
	return dial(name)
}

// Remove deletes any on-disk artifact left by a bound endpoint
// (Unix socket files; a no-op on Windows, where named pipes vanish
// with the owning process).
func Remove(name string) error {
	return remove(name)
}

// Probe performs a heartbeat liveness check, run every 5s: Windows
// flushes the pipe connection (it does not peek the pipe), Unix polls
// the socket for hang-up or error. A live-but-idle endpoint
// returns nil; anything else is a transport failure the caller should
// treat as connection loss.
func Probe(conn net.Conn) error {
	return probe(conn)
}

// Discover enumerates currently bound endpoint names matching the
// discovery glob. Each returned name still needs dial+GetInfo to
// confirm a live, responsive host.
func Discover() ([]string, error) {
	return discover()
}
