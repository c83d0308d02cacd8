// Package history implements the per-worker bounded output buffer with
// an append-only monotonic byte offset. The buffer retains the last CAP
// bytes; offsets keep counting past eviction so clients can detect
// discontinuities and resume.
package history

import "sync"

// Buffer is a bounded ring of output bytes addressed by absolute stream
// offsets. It is safe for one writer and many concurrent readers.
type Buffer struct {
	mu   sync.RWMutex
	buf  []byte
	size int64
	head int64 // offset of the oldest retained byte
	tail int64 // offset one past the newest byte; total bytes ever appended
}

// Snapshot is the result of reading the buffer from a given offset.
type Snapshot struct {
	Data      []byte
	From      int64 // offset of Data[0]
	Tail      int64 // offset one past the last byte of Data
	Truncated bool  // true when bytes between the requested offset and From were evicted
}

// New creates a Buffer retaining at most capBytes.
func New(capBytes int) *Buffer {
	if capBytes < 1 {
		capBytes = 1
	}
	return &Buffer{buf: make([]byte, capBytes), size: int64(capBytes)}
}

// Append adds p to the stream and returns the new tail offset. Oldest
// bytes are evicted once the retained window exceeds the capacity.
func (b *Buffer) Append(p []byte) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) == 0 {
		return b.tail
	}

	// A chunk larger than the whole buffer: only its suffix survives,
	// but the skipped prefix still advances the offset.
	if int64(len(p)) > b.size {
		skip := int64(len(p)) - b.size
		b.tail += skip
		p = p[skip:]
	}

	for len(p) > 0 {
		pos := b.tail % b.size
		n := copy(b.buf[pos:], p)
		p = p[n:]
		b.tail += int64(n)
	}

	if b.tail-b.head > b.size {
		b.head = b.tail - b.size
	}
	return b.tail
}

// SnapshotFrom returns the bytes in [from, tail). A from below the
// retained head is clamped and marked truncated. A from beyond the tail
// (a client ahead of a restarted stream) returns the full retained
// buffer without the truncated marker.
func (b *Buffer) SnapshotFrom(from int64) Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	truncated := false
	switch {
	case from < b.head:
		from = b.head
		truncated = true
	case from > b.tail:
		from = b.head
	}

	n := b.tail - from
	out := make([]byte, n)
	if n > 0 {
		pos := from % b.size
		m := copy(out, b.buf[pos:])
		if int64(m) < n {
			copy(out[m:], b.buf[:n-int64(m)])
		}
	}
	return Snapshot{Data: out, From: from, Tail: b.tail, Truncated: truncated}
}

// Snapshot returns everything currently retained.
func (b *Buffer) Snapshot() Snapshot {
	return b.SnapshotFrom(b.HeadOffset())
}

// Clear discards the retained bytes without rewinding the offset: the
// head moves up to the current tail.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = b.tail
}

// TailOffset returns the total number of bytes ever appended.
func (b *Buffer) TailOffset() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tail
}

// HeadOffset returns the offset of the oldest retained byte.
func (b *Buffer) HeadOffset() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.head
}

// Len returns the number of retained bytes.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int(b.tail - b.head)
}

// Cap returns the buffer capacity in bytes.
func (b *Buffer) Cap() int {
	return int(b.size)
}
