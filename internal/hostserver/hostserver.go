// Package hostserver implements the host process's IPC listener and
// request dispatcher. It binds one internal/endpoint listener,
// accepts at most one active client at a time, runs the handshake/
// replay sequence, and serializes every write to the active stream.
package hostserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"mthub/internal/endpoint"
	"mthub/internal/hostversion"
	"mthub/internal/ipc"
	"mthub/internal/ptysup"
)

const (
	handshakeTimeout  = 10 * time.Second
	heartbeatInterval = 5 * time.Second
)

// Server drives one Supervisor's IPC surface. Construct with New,
// then call Serve on an internal/endpoint listener.
type Server struct {
	sup       *ptysup.Supervisor
	sessionID string
	shellType string
	logger    *slog.Logger
	onClose   func()

	startReadLoop sync.Once

	mu     sync.Mutex
	active *clientConn
}

type clientConn struct {
	conn          net.Conn
	writeMu       sync.Mutex
	cancel        context.CancelFunc
	handshakeDone atomic.Bool
}

// New builds a Server around an already-running Supervisor. onClose is
// invoked once, after CloseAck is sent and the PTY is killed, so main
// can cancel the process-wide shutdown token.
func New(sup *ptysup.Supervisor, sessionID, shellType string, logger *slog.Logger, onClose func()) *Server {
	return &Server{
		sup:       sup,
		sessionID: sessionID,
		shellType: shellType,
		logger:    logger,
		onClose:   onClose,
	}
}

// Serve accepts connections on ln until ctx is cancelled or Accept
// fails. Each new connection supersedes the previous active client,
// whose handler token is cancelled. Cancelling that token closes the
// previous connection at once; it is not left open to drain.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		clientCtx, cancel := context.WithCancel(ctx)
		cc := &clientConn{conn: conn, cancel: cancel}

		s.mu.Lock()
		prev := s.active
		s.active = cc
		s.mu.Unlock()
		if prev != nil {
			prev.cancel()
		}

		go s.handleClient(clientCtx, cc)
	}
}

func (s *Server) handleClient(ctx context.Context, cc *clientConn) {
	logger := s.logger.With("remote", cc.conn.RemoteAddr())

	defer func() {
		cc.conn.Close()
		s.mu.Lock()
		if s.active == cc {
			s.active = nil
		}
		s.mu.Unlock()
	}()

	handshakeTimer := time.AfterFunc(handshakeTimeout, func() {
		if !cc.handshakeDone.Load() {
			logger.Warn("handshake timeout, cancelling client")
			cc.cancel()
		}
	})
	defer handshakeTimer.Stop()

	go s.heartbeatLoop(ctx, cc, logger)
	go func() {
		<-ctx.Done()
		cc.conn.Close()
	}()

	r := bufio.NewReader(cc.conn)
	for {
		msgType, payload, err := readMessage(r)
		if err != nil {
			if err != io.EOF {
				logger.Warn("read failed", "err", err)
			}
			return
		}

		if err := s.dispatch(cc, msgType, payload, logger); err != nil {
			logger.Warn("dispatch failed", "type", msgType, "err", err)
			if msgType == ipc.MsgClose {
				return
			}
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, cc *clientConn, logger *slog.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := endpoint.Probe(cc.conn); err != nil {
				logger.Warn("heartbeat probe failed", "err", err)
				cc.cancel()
				return
			}
		}
	}
}

func (s *Server) dispatch(cc *clientConn, msgType ipc.MessageType, payload []byte, logger *slog.Logger) error {
	switch msgType {
	case ipc.MsgGetInfo:
		return s.handleGetInfo(cc, logger)

	case ipc.MsgInput:
		return s.sup.SendInput(payload)

	case ipc.MsgResize:
		cols, rows, err := ipc.DecodeResize(payload)
		if err != nil {
			return err
		}
		if err := s.sup.Resize(int(cols), int(rows)); err != nil {
			return err
		}
		return s.writeFrame(cc, ipc.MsgResizeAck, nil)

	case ipc.MsgGetBuffer:
		snap, _ := s.sup.GetBufferSnapshot()
		return s.writeFrame(cc, ipc.MsgBuffer, snap)

	case ipc.MsgSetName:
		name, isManual, err := ipc.DecodeSetName(payload)
		if err != nil {
			return err
		}
		s.sup.SetName(name, isManual)
		return s.writeFrame(cc, ipc.MsgSetNameAck, nil)

	case ipc.MsgSetOrder:
		if len(payload) < 1 {
			return fmt.Errorf("hostserver: empty SetOrder payload")
		}
		s.sup.SetOrder(payload[0])
		return s.writeFrame(cc, ipc.MsgSetOrderAck, nil)

	case ipc.MsgSetLogLevel:
		logger.Info("log level change requested", "level", string(payload))
		return s.writeFrame(cc, ipc.MsgSetLogLevelAck, nil)

	case ipc.MsgClose:
		if err := s.writeFrame(cc, ipc.MsgCloseAck, nil); err != nil {
			logger.Warn("CloseAck write failed", "err", err)
		}
		if err := s.sup.Kill(); err != nil {
			logger.Warn("kill failed", "err", err)
		}
		if s.onClose != nil {
			s.onClose()
		}
		return fmt.Errorf("hostserver: close requested")

	default:
		return fmt.Errorf("hostserver: unexpected message type %d", msgType)
	}
}

// handleGetInfo runs the five-step handshake sequence: capture the
// replay cursor before responding, send Info, mark the handshake
// complete, replay buffered output, then subscribe the event handlers
// exactly once for the lifetime of the Supervisor.
func (s *Server) handleGetInfo(cc *clientConn, logger *slog.Logger) error {
	cursor := s.sup.GetOutputCursor()
	info := s.sup.Info()

	payload := ipc.EncodeInfo(ipc.SessionInfo{
		ID:                      s.sessionID,
		Pid:                     info.Pid,
		HostPid:                 os.Getpid(),
		HostVersion:             hostversion.Current,
		ShellType:               s.shellType,
		Cols:                    uint16(info.Cols),
		Rows:                    uint16(info.Rows),
		CreatedAtUnixNano:       info.CreatedAtUnixNano,
		IsRunning:               info.IsRunning,
		HasExitCode:             info.HasExitCode,
		ExitCode:                int32(info.ExitCode),
		Name:                    info.Name,
		TerminalTitle:           info.TerminalTitle,
		ManuallyNamed:           info.ManuallyNamed,
		Order:                   info.Order,
		CurrentWorkingDirectory: info.CurrentWorkingDirectory,
		HasForeground:           info.HasForeground,
		Foreground: ipc.ForegroundProcessInfo{
			Pid:         info.Foreground.Pid,
			Name:        info.Foreground.Name,
			CommandLine: info.Foreground.CommandLine,
		},
	})
	if err := s.writeFrame(cc, ipc.MsgInfo, payload); err != nil {
		return err
	}

	cc.handshakeDone.Store(true)

	if ok := s.sup.TryReplayOutputSince(cursor, func(b []byte) {
		dims := s.sup.Info()
		_ = s.writeFrame(cc, ipc.MsgOutput, ipc.EncodeOutput(uint16(dims.Cols), uint16(dims.Rows), b))
	}); !ok {
		logger.Warn("scrollback too small", "cursor", cursor)
	}

	s.startReadLoop.Do(func() {
		s.sup.SetHandlers(s.onOutput, s.onStateChanged, s.onForegroundChanged)
		go s.sup.StartReadLoop()
	})

	return nil
}

func (s *Server) currentActive() *clientConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) onOutput(data []byte) {
	cc := s.currentActive()
	if cc == nil || !cc.handshakeDone.Load() {
		return
	}
	info := s.sup.Info()
	_ = s.writeFrame(cc, ipc.MsgOutput, ipc.EncodeOutput(uint16(info.Cols), uint16(info.Rows), data))
}

func (s *Server) onStateChanged() {
	cc := s.currentActive()
	if cc == nil || !cc.handshakeDone.Load() {
		return
	}
	info := s.sup.Info()
	_ = s.writeFrame(cc, ipc.MsgStateChange, ipc.EncodeStateChange(info.IsRunning, info.HasExitCode, int32(info.ExitCode)))
}

func (s *Server) onForegroundChanged(fg ptysup.ForegroundInfo) {
	cc := s.currentActive()
	if cc == nil || !cc.handshakeDone.Load() {
		return
	}
	_ = s.writeFrame(cc, ipc.MsgForegroundChange, ipc.EncodeForegroundChange(ipc.ForegroundProcessInfo{
		Pid: fg.Pid, Name: fg.Name, CommandLine: fg.CommandLine,
	}))
}

func (s *Server) writeFrame(cc *clientConn, msgType ipc.MessageType, payload []byte) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	_, err := cc.conn.Write(ipc.Encode(msgType, payload))
	return err
}

func readMessage(r *bufio.Reader) (ipc.MessageType, []byte, error) {
	header := make([]byte, ipc.HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	msgType, length, err := ipc.TryReadHeader(header)
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return msgType, payload, nil
}
