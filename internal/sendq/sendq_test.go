package sendq_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdeck/termdeck/internal/sendq"
)

func TestQueue_FIFO(t *testing.T) {
	q := sendq.New(16, 1024)

	require.True(t, q.Push([]byte("one")))
	require.True(t, q.Push([]byte("two")))

	ctx := context.Background()
	f, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", string(f))

	f, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", string(f))
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := sendq.New(16, 1024)

	done := make(chan string, 1)
	go func() {
		f, err := q.Pop(context.Background())
		if err != nil {
			done <- err.Error()
			return
		}
		done <- string(f)
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, q.Push([]byte("late")))

	select {
	case got := <-done:
		assert.Equal(t, "late", got)
	case <-time.After(5 * time.Second):
		t.Fatal("Pop never woke up")
	}
}

func TestQueue_FrameCapOverflow(t *testing.T) {
	q := sendq.New(2, 1024)

	require.True(t, q.Push([]byte("a")))
	require.True(t, q.Push([]byte("b")))
	assert.False(t, q.Push([]byte("c")), "third push must overflow")
	assert.True(t, q.Overflowed())

	// Queued frames drain before the overflow error surfaces.
	ctx := context.Background()
	f, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(f))
	f, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", string(f))

	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, sendq.ErrOverflow)
}

func TestQueue_ByteCapOverflow(t *testing.T) {
	q := sendq.New(1024, 10)

	require.True(t, q.Push(make([]byte, 8)))
	assert.False(t, q.Push(make([]byte, 8)), "second push exceeds the byte cap")
	assert.True(t, q.Overflowed())
}

func TestQueue_BytesAccounting(t *testing.T) {
	q := sendq.New(16, 1024)

	q.Push(make([]byte, 100))
	q.Push(make([]byte, 50))
	assert.Equal(t, int64(150), q.Bytes())
	assert.Equal(t, 2, q.Len())

	_, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(50), q.Bytes())
}

func TestQueue_Close(t *testing.T) {
	q := sendq.New(16, 1024)
	require.True(t, q.Push([]byte("pending")))
	q.Close()

	assert.False(t, q.Push([]byte("after close")))

	ctx := context.Background()
	f, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pending", string(f))

	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, sendq.ErrClosed)
}

func TestQueue_PopContextCancel(t *testing.T) {
	q := sendq.New(16, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
