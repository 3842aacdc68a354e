package session

import (
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mthub/internal/ipc"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseEndpointName(t *testing.T) {
	cases := []struct {
		name      string
		wantID    string
		wantPid   int
		wantOK    bool
	}{
		{"mthost-a1b2c3d4-4242", "a1b2c3d4", 4242, true},
		{"mthost-deadbeef-1", "deadbeef", 1, true},
		{"not-an-endpoint", "", 0, false},
		{"mthost-missing-pid", "", 0, false},
	}
	for _, tc := range cases {
		id, pid, ok := parseEndpointName(tc.name)
		require.Equal(t, tc.wantOK, ok, tc.name)
		if tc.wantOK {
			require.Equal(t, tc.wantID, id, tc.name)
			require.Equal(t, tc.wantPid, pid, tc.name)
		}
	}
}

func TestNewSessionIDIsEightHex(t *testing.T) {
	id, err := newSessionID()
	require.NoError(t, err)
	require.Len(t, id, 8)
	_, err = hex.DecodeString(id)
	require.NoError(t, err)
}

func TestRegisterPopulatesCacheAndFiresListener(t *testing.T) {
	m := New("mthost", discardLogger())

	var gotID string
	var gotInfo ipc.SessionInfo
	m.OnStateChange("sess1", func(id string, info ipc.SessionInfo) {
		gotID = id
		gotInfo = info
	})

	m.register("sess1", nil, ipc.SessionInfo{ID: "sess1", ShellType: "bash"})

	require.Equal(t, "sess1", gotID)
	require.Equal(t, "bash", gotInfo.ShellType)

	list := m.ListSessions()
	require.Len(t, list, 1)
	require.Equal(t, "sess1", list[0].ID)
}

func TestHandleStateChangeUpdatesCacheAndFiresListener(t *testing.T) {
	m := New("mthost", discardLogger())
	m.register("sess1", nil, ipc.SessionInfo{ID: "sess1", IsRunning: true})

	fired := false
	m.OnStateChange("sess1", func(id string, info ipc.SessionInfo) {
		fired = true
		require.False(t, info.IsRunning)
		require.True(t, info.HasExitCode)
		require.Equal(t, int32(7), info.ExitCode)
	})

	m.handleStateChange("sess1", false, true, 7)
	require.True(t, fired)
}

func TestHandleOutputDispatchesToRegisteredSink(t *testing.T) {
	m := New("mthost", discardLogger())
	m.register("sess1", nil, ipc.SessionInfo{ID: "sess1"})

	var got []byte
	m.OnOutput("sess1", func(b []byte) { got = append(got, b...) })

	m.handleOutput("sess1", []byte("hello"))
	require.Equal(t, "hello", string(got))
}

func TestDropDirIsLazyAndIdempotent(t *testing.T) {
	m := New("mthost", discardLogger())

	dir1, err := m.DropDir("sess1")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir1) })

	info, err := os.Stat(dir1)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Equal(t, "sess1", filepath.Base(dir1))

	dir2, err := m.DropDir("sess1")
	require.NoError(t, err)
	require.Equal(t, dir1, dir2)
}

func TestCloseUnknownIDErrors(t *testing.T) {
	m := New("mthost", discardLogger())
	err := m.Close("missing")
	require.Error(t, err)
}

func TestResizeUnknownIDErrors(t *testing.T) {
	m := New("mthost", discardLogger())
	err := m.Resize("missing", 80, 24)
	require.Error(t, err)
}
