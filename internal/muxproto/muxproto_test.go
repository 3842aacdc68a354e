package muxproto

import (
	"strings"
	"testing"
)

func TestOutputRoundTrip(t *testing.T) {
	frame := EncodeOutput("sess0001", 80, 24, []byte("hi\n"))
	parsed, err := TryParseFrame(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Type != FrameOutput || parsed.SessionID != "sess0001" {
		t.Fatalf("unexpected frame: %+v", parsed)
	}
	cols, rows, data, err := ParseOutputPayload(parsed.Payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols != 80 || rows != 24 || string(data) != "hi\n" {
		t.Fatalf("unexpected payload: cols=%d rows=%d data=%q", cols, rows, data)
	}
}

func TestResizeRoundTrip(t *testing.T) {
	frame := EncodeResize("abcd1234", 120, 40)
	parsed, err := TryParseFrame(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cols, rows, err := ParseResizePayload(parsed.Payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols != 120 || rows != 40 {
		t.Fatalf("expected 120x40, got %dx%d", cols, rows)
	}
}

func TestInputRoundTrip(t *testing.T) {
	frame := EncodeInput("12345678", []byte("echo hi\n"))
	parsed, err := TryParseFrame(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.SessionID != "12345678" || string(parsed.Payload) != "echo hi\n" {
		t.Fatalf("unexpected frame: %+v", parsed)
	}
}

func TestInitRoundTrip(t *testing.T) {
	clientID := strings.Repeat("ab", 16)
	frame := EncodeInit(clientID)
	parsed, err := TryParseFrame(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Type != FrameInit {
		t.Fatalf("expected init frame, got %+v", parsed)
	}
	if string(frame[9:]) != clientID[8:] {
		t.Fatalf("expected tail %q at offset 9, got %q", clientID[8:], frame[9:])
	}
}

func TestTryParseFrameRejectsShort(t *testing.T) {
	if _, err := TryParseFrame([]byte{byte(FrameOutput), 1, 2, 3}); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestTryParseFrameRejectsUnknownType(t *testing.T) {
	buf := make([]byte, 12)
	buf[0] = 0x77
	if _, err := TryParseFrame(buf); err == nil {
		t.Fatal("expected error for unknown frame type")
	}
}

func TestTryParseFrameRejectsOversize(t *testing.T) {
	buf := make([]byte, MaxFrameSize+1)
	buf[0] = byte(FrameOutput)
	if _, err := TryParseFrame(buf); err == nil {
		t.Fatal("expected error for oversize frame")
	}
}

func TestTryParseFrameRejectsEmpty(t *testing.T) {
	if _, err := TryParseFrame(nil); err == nil {
		t.Fatal("expected error for empty frame")
	}
}
