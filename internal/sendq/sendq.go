// Package sendq implements the bounded per-connection outbound queue.
// A producer (engine or registry fan-out) pushes encoded frames without
// blocking; a single consumer (the connection's write loop) pops them.
// When either the frame or byte cap is exceeded the queue enters the
// overflowed state and the connection must be closed: a slow client
// never blocks writers or other clients.
package sendq

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Pop after Close once the queue drained.
	ErrClosed = errors.New("sendq: closed")
	// ErrOverflow is returned by Pop when a push exceeded a cap.
	ErrOverflow = errors.New("sendq: overflow")
)

// Queue is a bounded FIFO of encoded frames.
type Queue struct {
	maxFrames int
	maxBytes  int64

	mu         sync.Mutex
	frames     [][]byte
	bytes      int64
	closed     bool
	overflowed bool
	wake       chan struct{}
}

// New creates a queue capped at maxFrames frames and maxBytes total
// pending bytes, whichever is reached first.
func New(maxFrames int, maxBytes int64) *Queue {
	return &Queue{
		maxFrames: maxFrames,
		maxBytes:  maxBytes,
		wake:      make(chan struct{}, 1),
	}
}

// Push enqueues a frame. It never blocks. It returns false when the
// queue is closed or the push overflowed a cap; after an overflow the
// consumer's next Pop returns ErrOverflow.
func (q *Queue) Push(frame []byte) bool {
	q.mu.Lock()
	if q.closed || q.overflowed {
		q.mu.Unlock()
		return false
	}
	if len(q.frames)+1 > q.maxFrames || q.bytes+int64(len(frame)) > q.maxBytes {
		q.overflowed = true
		q.mu.Unlock()
		q.notify()
		return false
	}
	q.frames = append(q.frames, frame)
	q.bytes += int64(len(frame))
	q.mu.Unlock()
	q.notify()
	return true
}

// Pop dequeues the next frame, blocking until one is available, the
// context is done, or the queue is closed/overflowed. Frames already
// queued before an overflow are still delivered first.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames = q.frames[1:]
			q.bytes -= int64(len(frame))
			q.mu.Unlock()
			return frame, nil
		}
		if q.overflowed {
			q.mu.Unlock()
			return nil, ErrOverflow
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close marks the queue closed. Pending frames remain poppable; Push
// becomes a no-op.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// Len returns the number of pending frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Bytes returns the number of pending bytes.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Overflowed reports whether a push has exceeded a cap.
func (q *Queue) Overflowed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflowed
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
