// Package audiobuf provides the bounded linear audio buffer shared between
// one producer and one consumer of a speech session. The buffer never
// wraps: capacity is sized for a whole utterance and overflowing writes are
// dropped, which keeps the media-thread read path deterministic.
package audiobuf

import (
	"log/slog"
	"sync"

	"github.com/lixuanqun/unimrcp-websocket/pkg/logging"
)

// ReadStatus reports how much of a requested read was satisfied.
type ReadStatus int

const (
	ReadEmpty ReadStatus = iota
	ReadPartial
	ReadFull
)

// Buffer is a fixed-capacity byte buffer with independent read and write
// positions, 0 <= readPos <= writePos <= cap at all times.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	writePos int
	readPos  int
	complete bool
	log      *slog.Logger
}

func New(capacity int) *Buffer {
	return &Buffer{
		data: make([]byte, capacity),
		log:  logging.NewComponentLogger(slog.Default(), "audio_buffer"),
	}
}

// Write appends p behind writePos. When the remaining capacity cannot hold
// the whole payload the payload is dropped and a warning is logged; the
// write position never advances for a dropped payload and the buffer never
// wraps. Returns the number of bytes stored (len(p) or 0).
func (b *Buffer) Write(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) > len(b.data)-b.writePos {
		b.log.Warn("buffer overflow, dropping payload",
			slog.Int("size", len(p)),
			slog.Int("remaining", len(b.data)-b.writePos))
		return 0
	}
	copy(b.data[b.writePos:], p)
	b.writePos += len(p)
	return len(p)
}

// Read copies up to len(p) bytes from readPos and advances it by the
// amount copied.
func (b *Buffer) Read(p []byte) (int, ReadStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	available := b.writePos - b.readPos
	if available == 0 {
		return 0, ReadEmpty
	}
	n := len(p)
	status := ReadFull
	if available < n {
		n = available
		status = ReadPartial
	}
	copy(p, b.data[b.readPos:b.readPos+n])
	b.readPos += n
	return n, status
}

// Available returns the number of unread bytes.
func (b *Buffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writePos - b.readPos
}

// Len returns the total number of bytes written since the last Clear.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writePos
}

func (b *Buffer) Cap() int { return len(b.data) }

// MarkComplete flags that the producer will write no more data.
func (b *Buffer) MarkComplete() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.complete = true
}

func (b *Buffer) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete
}

// Drained reports completion with nothing left to read.
func (b *Buffer) Drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete && b.readPos == b.writePos
}

// Clear resets positions and the completion flag; capacity is retained.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writePos = 0
	b.readPos = 0
	b.complete = false
}
