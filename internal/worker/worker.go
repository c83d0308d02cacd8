// Package worker hosts the per-worker engines. A PTY engine backs
// terminal workers and plain agent workers, an SDK engine backs agents
// driven over a structured NDJSON stream, and a diff engine wraps the
// git-diff machinery. Each engine serializes its own mutations and
// fans events out to the connections attached to it.
package worker

import (
	"github.com/termdeck/termdeck/internal/protocol"
)

// Sink receives the frames destined for one attached connection.
// Send must never block: implementations push into a bounded queue
// and handle overflow on their own side.
type Sink interface {
	Send(f protocol.ServerFrame)
}

// Engine is the surface the hub and registry drive a worker through.
type Engine interface {
	// Attach subscribes s and synchronously sends the channel-opening
	// frames (history for PTY workers, message-history plus
	// server-restarted for SDK workers, diff-data for git-diff).
	Attach(s Sink)

	// Detach unsubscribes s. Safe to call for a sink that was never
	// attached.
	Detach(s Sink)

	// HandleFrame processes one client frame. Frame-local failures are
	// answered on s only; liveness changes are broadcast to every
	// attached sink.
	HandleFrame(s Sink, f protocol.ClientFrame)

	// Close tears the engine down. Attached sinks receive no further
	// frames.
	Close()
}

// sinkSet is the attach list shared by the engine implementations.
// Callers hold their engine's lock around every method.
type sinkSet map[Sink]struct{}

func (ss sinkSet) add(s Sink)    { ss[s] = struct{}{} }
func (ss sinkSet) remove(s Sink) { delete(ss, s) }

func (ss sinkSet) broadcast(f protocol.ServerFrame) {
	for s := range ss {
		s.Send(f)
	}
}
