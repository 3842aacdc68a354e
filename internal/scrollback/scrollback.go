// Package scrollback implements the fixed-capacity circular byte buffer
// that backs each session's replay/resync history.
package scrollback

import (
	"errors"
	"sync"
)

// Capacity bounds: 64 KiB minimum, 64 MiB maximum, 10 MiB default.
const (
	MinCapacity     = 64 * 1024
	MaxCapacity     = 64 * 1024 * 1024
	DefaultCapacity = 10 * 1024 * 1024
)

// ErrOverwritten names the condition of a requested cursor being behind
// the oldest byte still held by the buffer. TryCopySince reports that
// condition with ok == false and does not return this error.
var ErrOverwritten = errors.New("scrollback: requested range overwritten")

// Buffer is a single-writer, multi-reader circular byte buffer with a
// monotonically increasing write cursor.
type Buffer struct {
	mu           sync.Mutex
	buf          []byte
	capacity     int
	totalWritten int64
}

// New creates a Buffer, clamping capacity into [MinCapacity, MaxCapacity].
func New(capacity int) *Buffer {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	if capacity > MaxCapacity {
		capacity = MaxCapacity
	}
	return &Buffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends data, overwriting the oldest bytes once the buffer is full.
// totalWritten advances by len(data) regardless of overwrite.
func (b *Buffer) Write(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(data) > 0 {
		idx := int(b.totalWritten % int64(b.capacity))
		n := copy(b.buf[idx:], data)
		b.totalWritten += int64(n)
		data = data[n:]
	}
}

// Count returns the number of bytes currently held.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countLocked()
}

func (b *Buffer) countLocked() int {
	if b.totalWritten > int64(b.capacity) {
		return b.capacity
	}
	return int(b.totalWritten)
}

// TotalWritten returns the monotonically increasing count of all bytes
// ever written, including bytes since overwritten.
func (b *Buffer) TotalWritten() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalWritten
}

func (b *Buffer) oldestOffsetLocked() int64 {
	if b.totalWritten <= int64(b.capacity) {
		return 0
	}
	return b.totalWritten - int64(b.capacity)
}

func (b *Buffer) copyRangeLocked(start int64, n int) []byte {
	out := make([]byte, n)
	read := 0
	pos := start
	for read < n {
		idx := int(pos % int64(b.capacity))
		end := idx + (n - read)
		if end > b.capacity {
			end = b.capacity
		}
		copied := copy(out[read:], b.buf[idx:end])
		read += copied
		pos += int64(copied)
	}
	return out
}

// SnapshotInto copies the currently held bytes (oldest first) into dst.
// On success it returns n >= 0, the number of bytes copied. If dst is
// smaller than Count(), it returns -Count() so the caller can grow dst
// and retry; no partial snapshot is written to dst in that case.
func (b *Buffer) SnapshotInto(dst []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := b.countLocked()
	if len(dst) < count {
		return -count
	}
	if count == 0 {
		return 0
	}
	copy(dst, b.copyRangeLocked(b.oldestOffsetLocked(), count))
	return count
}

// Snapshot returns a freshly allocated copy of the entire held buffer
// and the cursor at which it begins.
func (b *Buffer) Snapshot() ([]byte, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := b.countLocked()
	if count == 0 {
		return nil, b.totalWritten
	}
	start := b.oldestOffsetLocked()
	return b.copyRangeLocked(start, count), start
}

// Tail returns up to the last n held bytes and the cursor at which they
// begin.
func (b *Buffer) Tail(n int) ([]byte, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := b.countLocked()
	if n > count {
		n = count
	}
	if n == 0 {
		return nil, b.totalWritten
	}
	start := b.totalWritten - int64(n)
	return b.copyRangeLocked(start, n), start
}

// TryCopySince copies bytes written after cursor into scratch, up to
// scratch's capacity. ok is false iff cursor is behind the oldest byte
// still held (the requested range has been overwritten). When ok is
// true and copied is 0, the caller has caught up to the live stream.
func (b *Buffer) TryCopySince(cursor int64, scratch []byte) (copied int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldest := b.oldestOffsetLocked()
	if cursor < oldest {
		return 0, false
	}
	if cursor >= b.totalWritten {
		return 0, true
	}

	available := int(b.totalWritten - cursor)
	if available > len(scratch) {
		available = len(scratch)
	}
	copy(scratch, b.copyRangeLocked(cursor, available))
	return available, true
}
