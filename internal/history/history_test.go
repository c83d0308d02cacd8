package history

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend_OffsetsAreMonotonic(t *testing.T) {
	b := New(16)

	off := b.Append([]byte("hello"))
	assert.Equal(t, int64(5), off)
	assert.Equal(t, int64(5), b.TailOffset())
	assert.Equal(t, int64(0), b.HeadOffset())

	off = b.Append([]byte(" world"))
	assert.Equal(t, int64(11), off)

	off = b.Append(nil)
	assert.Equal(t, int64(11), off, "empty append keeps the offset")
}

func TestSnapshotFrom_FullAndPartial(t *testing.T) {
	b := New(64)
	b.Append([]byte("hello world"))

	s := b.SnapshotFrom(0)
	assert.Equal(t, "hello world", string(s.Data))
	assert.Equal(t, int64(0), s.From)
	assert.Equal(t, int64(11), s.Tail)
	assert.False(t, s.Truncated)

	s = b.SnapshotFrom(6)
	assert.Equal(t, "world", string(s.Data))
	assert.Equal(t, int64(6), s.From)
	assert.False(t, s.Truncated)

	s = b.SnapshotFrom(11)
	assert.Empty(t, s.Data)
	assert.Equal(t, int64(11), s.From)
}

func TestEviction_TruncatedReads(t *testing.T) {
	b := New(8)
	b.Append([]byte("0123456789")) // 10 bytes into an 8-byte ring

	assert.Equal(t, int64(10), b.TailOffset())
	assert.Equal(t, int64(2), b.HeadOffset())
	assert.Equal(t, 8, b.Len())

	s := b.SnapshotFrom(0)
	assert.True(t, s.Truncated, "reading below head reports truncation")
	assert.Equal(t, int64(2), s.From)
	assert.Equal(t, "23456789", string(s.Data))

	s = b.SnapshotFrom(5)
	assert.False(t, s.Truncated)
	assert.Equal(t, "56789", string(s.Data))
}

func TestAppend_ChunkLargerThanCapacity(t *testing.T) {
	b := New(4)
	off := b.Append([]byte("abcdefgh"))

	assert.Equal(t, int64(8), off, "offset counts skipped bytes too")
	s := b.Snapshot()
	assert.Equal(t, "efgh", string(s.Data))
	assert.Equal(t, int64(4), s.From)
}

func TestAppend_WrapAround(t *testing.T) {
	b := New(8)
	b.Append([]byte("abcd"))
	b.Append([]byte("efgh"))
	b.Append([]byte("ij")) // wraps

	s := b.Snapshot()
	assert.Equal(t, "cdefghij", string(s.Data))
	assert.Equal(t, int64(2), s.From)
	assert.Equal(t, int64(10), s.Tail)
}

func TestSnapshotFrom_AheadOfTail(t *testing.T) {
	b := New(16)
	b.Append([]byte("fresh"))

	// A client that remembers an offset from a previous stream may be
	// ahead of this one; it gets the full buffer without truncation.
	s := b.SnapshotFrom(1000)
	assert.Equal(t, "fresh", string(s.Data))
	assert.Equal(t, int64(0), s.From)
	assert.Equal(t, int64(5), s.Tail)
	assert.False(t, s.Truncated)
}

func TestClear_KeepsOffset(t *testing.T) {
	b := New(16)
	b.Append([]byte("before"))
	b.Clear()

	assert.Equal(t, int64(6), b.TailOffset(), "offset never rewinds")
	assert.Equal(t, int64(6), b.HeadOffset())
	assert.Equal(t, 0, b.Len())

	b.Append([]byte("after"))
	s := b.Snapshot()
	assert.Equal(t, "after", string(s.Data))
	assert.Equal(t, int64(6), s.From)
	assert.Equal(t, int64(11), s.Tail)
}

func TestConcurrentReaders(t *testing.T) {
	b := New(1024)
	var wg sync.WaitGroup

	// Appends are deterministic: the byte at offset o is byte o%10 of
	// "chunk-NNN;" where NNN = o/10. Readers verify every snapshot
	// against that, which catches torn reads.
	expectedAt := func(o int64) byte {
		chunk := []byte(fmt.Sprintf("chunk-%03d;", o/10))
		return chunk[o%10]
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			b.Append([]byte(fmt.Sprintf("chunk-%03d;", i)))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s := b.Snapshot()
				require.Equal(t, s.Tail-s.From, int64(len(s.Data)))
				for j, got := range s.Data {
					require.Equal(t, expectedAt(s.From+int64(j)), got,
						"byte at offset %d", s.From+int64(j))
				}
			}
		}()
	}
	wg.Wait()

	s := b.Snapshot()
	assert.Equal(t, int64(2000), s.Tail, "200 appends of 10 bytes")
}
