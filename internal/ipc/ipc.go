// Package ipc implements the length-prefixed host wire protocol:
// encode/decode of the framed messages exchanged between a host process
// (internal/hostserver) and the gateway's per-session client
// (internal/hostclient). Stateless, pure functions only — no I/O.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType identifies an IPC frame's payload shape.
type MessageType byte

const (
	MsgGetInfo MessageType = iota + 1
	MsgInfo
	MsgInput
	MsgResize
	MsgResizeAck
	MsgGetBuffer
	MsgBuffer
	MsgSetName
	MsgSetNameAck
	MsgSetOrder
	MsgSetOrderAck
	MsgSetLogLevel
	MsgSetLogLevelAck
	MsgClose
	MsgCloseAck
	MsgOutput
	MsgStateChange
	MsgForegroundChange
)

// HeaderSize is the fixed [msgType:1][length:4 LE] prefix.
const HeaderSize = 5

// MaxPayload is the largest payload a single frame may carry.
const MaxPayload = 16 * 1024 * 1024

var knownTypes = map[MessageType]bool{
	MsgGetInfo: true, MsgInfo: true, MsgInput: true, MsgResize: true,
	MsgResizeAck: true, MsgGetBuffer: true, MsgBuffer: true, MsgSetName: true,
	MsgSetNameAck: true, MsgSetOrder: true, MsgSetOrderAck: true,
	MsgSetLogLevel: true, MsgSetLogLevelAck: true, MsgClose: true,
	MsgCloseAck: true, MsgOutput: true, MsgStateChange: true,
	MsgForegroundChange: true,
}

// ErrDecode is wrapped by every header/payload decode failure so callers
// can distinguish "malformed frame" from transport errors.
var ErrDecode = errors.New("ipc: decode error")

// Encode writes a 5-byte header followed by payload, unchanged.
func Encode(msgType MessageType, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	out[0] = byte(msgType)
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

// TryReadHeader validates and parses the 5-byte header at the start of
// buf. It does not require the payload to be present yet.
func TryReadHeader(buf []byte) (MessageType, int, error) {
	if len(buf) < HeaderSize {
		return 0, 0, fmt.Errorf("%w: short header (%d bytes)", ErrDecode, len(buf))
	}
	msgType := MessageType(buf[0])
	if !knownTypes[msgType] {
		return 0, 0, fmt.Errorf("%w: unknown message type %d", ErrDecode, msgType)
	}
	length := int(binary.LittleEndian.Uint32(buf[1:5]))
	if length < 0 || length > MaxPayload {
		return 0, 0, fmt.Errorf("%w: payload length %d out of range", ErrDecode, length)
	}
	return msgType, length, nil
}

// ForegroundProcessInfo describes the process currently in the
// foreground process group of a session's PTY.
type ForegroundProcessInfo struct {
	Pid         int
	Name        string
	CommandLine string
}

// SessionInfo is the compact encoding of a session's state, exchanged
// as the Info message payload.
type SessionInfo struct {
	ID                       string
	Pid                      int
	HostPid                  int
	HostVersion              string
	ShellType                string
	Cols                     uint16
	Rows                     uint16
	CreatedAtUnixNano        int64
	IsRunning                bool
	HasExitCode              bool
	ExitCode                 int32
	Name                     string
	TerminalTitle            string
	ManuallyNamed            bool
	Order                    byte
	CurrentWorkingDirectory  string
	HasForeground            bool
	Foreground               ForegroundProcessInfo
}

func putString(out *[]byte, s string) {
	b := []byte(s)
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	*out = append(*out, lenBuf[:]...)
	*out = append(*out, b...)
}

func takeString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("%w: truncated string length", ErrDecode)
	}
	n := int(binary.LittleEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, fmt.Errorf("%w: truncated string body", ErrDecode)
	}
	return string(buf[:n]), buf[n:], nil
}

func putBool(out *[]byte, b bool) {
	if b {
		*out = append(*out, 1)
	} else {
		*out = append(*out, 0)
	}
}

func takeBool(buf []byte) (bool, []byte, error) {
	if len(buf) < 1 {
		return false, nil, fmt.Errorf("%w: truncated bool", ErrDecode)
	}
	return buf[0] != 0, buf[1:], nil
}

// EncodeInfo serializes a SessionInfo for the Info message payload.
func EncodeInfo(info SessionInfo) []byte {
	var out []byte
	putString(&out, info.ID)

	var intBuf [8]byte
	binary.LittleEndian.PutUint32(intBuf[:4], uint32(info.Pid))
	out = append(out, intBuf[:4]...)
	binary.LittleEndian.PutUint32(intBuf[:4], uint32(info.HostPid))
	out = append(out, intBuf[:4]...)

	putString(&out, info.HostVersion)
	putString(&out, info.ShellType)

	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], info.Cols)
	out = append(out, u16[:]...)
	binary.LittleEndian.PutUint16(u16[:], info.Rows)
	out = append(out, u16[:]...)

	binary.LittleEndian.PutUint64(intBuf[:], uint64(info.CreatedAtUnixNano))
	out = append(out, intBuf[:]...)

	putBool(&out, info.IsRunning)
	putBool(&out, info.HasExitCode)
	binary.LittleEndian.PutUint32(intBuf[:4], uint32(info.ExitCode))
	out = append(out, intBuf[:4]...)

	putString(&out, info.Name)
	putString(&out, info.TerminalTitle)
	putBool(&out, info.ManuallyNamed)
	out = append(out, info.Order)
	putString(&out, info.CurrentWorkingDirectory)

	putBool(&out, info.HasForeground)
	if info.HasForeground {
		binary.LittleEndian.PutUint32(intBuf[:4], uint32(info.Foreground.Pid))
		out = append(out, intBuf[:4]...)
		putString(&out, info.Foreground.Name)
		putString(&out, info.Foreground.CommandLine)
	}

	return out
}

// DecodeInfo parses an Info message payload produced by EncodeInfo.
func DecodeInfo(buf []byte) (SessionInfo, error) {
	var info SessionInfo
	var err error

	info.ID, buf, err = takeString(buf)
	if err != nil {
		return info, err
	}
	if len(buf) < 8 {
		return info, fmt.Errorf("%w: truncated pids", ErrDecode)
	}
	info.Pid = int(int32(binary.LittleEndian.Uint32(buf[:4])))
	info.HostPid = int(int32(binary.LittleEndian.Uint32(buf[4:8])))
	buf = buf[8:]

	info.HostVersion, buf, err = takeString(buf)
	if err != nil {
		return info, err
	}
	info.ShellType, buf, err = takeString(buf)
	if err != nil {
		return info, err
	}

	if len(buf) < 4 {
		return info, fmt.Errorf("%w: truncated dims", ErrDecode)
	}
	info.Cols = binary.LittleEndian.Uint16(buf[:2])
	info.Rows = binary.LittleEndian.Uint16(buf[2:4])
	buf = buf[4:]

	if len(buf) < 8 {
		return info, fmt.Errorf("%w: truncated createdAt", ErrDecode)
	}
	info.CreatedAtUnixNano = int64(binary.LittleEndian.Uint64(buf[:8]))
	buf = buf[8:]

	info.IsRunning, buf, err = takeBool(buf)
	if err != nil {
		return info, err
	}
	info.HasExitCode, buf, err = takeBool(buf)
	if err != nil {
		return info, err
	}
	if len(buf) < 4 {
		return info, fmt.Errorf("%w: truncated exit code", ErrDecode)
	}
	info.ExitCode = int32(binary.LittleEndian.Uint32(buf[:4]))
	buf = buf[4:]

	info.Name, buf, err = takeString(buf)
	if err != nil {
		return info, err
	}
	info.TerminalTitle, buf, err = takeString(buf)
	if err != nil {
		return info, err
	}
	info.ManuallyNamed, buf, err = takeBool(buf)
	if err != nil {
		return info, err
	}
	if len(buf) < 1 {
		return info, fmt.Errorf("%w: truncated order", ErrDecode)
	}
	info.Order = buf[0]
	buf = buf[1:]

	info.CurrentWorkingDirectory, buf, err = takeString(buf)
	if err != nil {
		return info, err
	}

	info.HasForeground, buf, err = takeBool(buf)
	if err != nil {
		return info, err
	}
	if info.HasForeground {
		if len(buf) < 4 {
			return info, fmt.Errorf("%w: truncated foreground pid", ErrDecode)
		}
		info.Foreground.Pid = int(int32(binary.LittleEndian.Uint32(buf[:4])))
		buf = buf[4:]
		info.Foreground.Name, buf, err = takeString(buf)
		if err != nil {
			return info, err
		}
		info.Foreground.CommandLine, _, err = takeString(buf)
		if err != nil {
			return info, err
		}
	}

	return info, nil
}

// EncodeOutput builds an Output payload: [cols:2 LE][rows:2 LE][data...].
func EncodeOutput(cols, rows uint16, data []byte) []byte {
	out := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint16(out[0:2], cols)
	binary.LittleEndian.PutUint16(out[2:4], rows)
	copy(out[4:], data)
	return out
}

// DecodeOutput parses an Output payload.
func DecodeOutput(buf []byte) (cols, rows uint16, data []byte, err error) {
	if len(buf) < 4 {
		return 0, 0, nil, fmt.Errorf("%w: truncated output header", ErrDecode)
	}
	cols = binary.LittleEndian.Uint16(buf[0:2])
	rows = binary.LittleEndian.Uint16(buf[2:4])
	return cols, rows, buf[4:], nil
}

// EncodeResize builds a Resize payload: [cols:2 LE][rows:2 LE].
func EncodeResize(cols, rows uint16) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint16(out[0:2], cols)
	binary.LittleEndian.PutUint16(out[2:4], rows)
	return out
}

// DecodeResize parses a Resize payload.
func DecodeResize(buf []byte) (cols, rows uint16, err error) {
	if len(buf) < 4 {
		return 0, 0, fmt.Errorf("%w: truncated resize payload", ErrDecode)
	}
	return binary.LittleEndian.Uint16(buf[0:2]), binary.LittleEndian.Uint16(buf[2:4]), nil
}

// EncodeSetName builds a SetName payload: [isManual:1][name...].
func EncodeSetName(name string, isManual bool) []byte {
	var out []byte
	putBool(&out, isManual)
	out = append(out, []byte(name)...)
	return out
}

// DecodeSetName parses a SetName payload.
func DecodeSetName(buf []byte) (name string, isManual bool, err error) {
	isManual, buf, err = takeBool(buf)
	if err != nil {
		return "", false, err
	}
	return string(buf), isManual, nil
}

// EncodeStateChange builds a StateChange payload.
func EncodeStateChange(isRunning bool, hasExitCode bool, exitCode int32) []byte {
	var out []byte
	putBool(&out, isRunning)
	putBool(&out, hasExitCode)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(exitCode))
	out = append(out, buf[:]...)
	return out
}

// DecodeStateChange parses a StateChange payload.
func DecodeStateChange(buf []byte) (isRunning, hasExitCode bool, exitCode int32, err error) {
	isRunning, buf, err = takeBool(buf)
	if err != nil {
		return false, false, 0, err
	}
	hasExitCode, buf, err = takeBool(buf)
	if err != nil {
		return false, false, 0, err
	}
	if len(buf) < 4 {
		return false, false, 0, fmt.Errorf("%w: truncated exit code", ErrDecode)
	}
	return isRunning, hasExitCode, int32(binary.LittleEndian.Uint32(buf[:4])), nil
}

// EncodeForegroundChange builds a ForegroundChange payload.
func EncodeForegroundChange(info ForegroundProcessInfo) []byte {
	var out []byte
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(info.Pid))
	out = append(out, buf[:]...)
	putString(&out, info.Name)
	putString(&out, info.CommandLine)
	return out
}

// DecodeForegroundChange parses a ForegroundChange payload.
func DecodeForegroundChange(buf []byte) (ForegroundProcessInfo, error) {
	var info ForegroundProcessInfo
	if len(buf) < 4 {
		return info, fmt.Errorf("%w: truncated foreground pid", ErrDecode)
	}
	info.Pid = int(int32(binary.LittleEndian.Uint32(buf[:4])))
	buf = buf[4:]
	var err error
	info.Name, buf, err = takeString(buf)
	if err != nil {
		return info, err
	}
	info.CommandLine, _, err = takeString(buf)
	if err != nil {
		return info, err
	}
	return info, nil
}
