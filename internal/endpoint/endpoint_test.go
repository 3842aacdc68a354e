//go:build !windows

package endpoint

import (
	"fmt"
	"os"
	"testing"
	"time"
)

func TestListenDialRoundTrip(t *testing.T) {
	name := fmt.Sprintf("mthost-test%d-%d", time.Now().UnixNano()%100000, os.Getpid())
	t.Cleanup(func() { _ = remove(name) })

	l, err := listen(name)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	acceptedCh := make(chan struct{})
	go func() {
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
		close(acceptedCh)
	}()

	conn, err := dial(name)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
	<-acceptedCh
}

func TestDiscoverFindsListeningEndpoint(t *testing.T) {
	name := fmt.Sprintf("mthost-disc%d-%d", time.Now().UnixNano()%100000, os.Getpid())
	t.Cleanup(func() { _ = remove(name) })

	l, err := listen(name)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	names, err := discover()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	found := false
	for _, n := range names {
		if n == name {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %q among discovered endpoints %v", name, names)
	}
}

func TestRemoveCleansUpSocketFile(t *testing.T) {
	name := fmt.Sprintf("mthost-rm%d-%d", time.Now().UnixNano()%100000, os.Getpid())
	l, err := listen(name)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	l.Close()

	if err := remove(name); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(socketPath(name)); !os.IsNotExist(err) {
		t.Fatalf("expected socket file removed, stat err=%v", err)
	}
}
