// Package registry owns sessions and their worker engines. It is the
// only place workers are created, restarted, or destroyed; every
// structural mutation writes through to the store and fans out as an
// app-channel frame to subscribed watchers.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/termdeck/termdeck/internal/activity"
	"github.com/termdeck/termdeck/internal/agentdef"
	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/metrics"
	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/store"
	"github.com/termdeck/termdeck/internal/worker"
)

// storeBudget bounds write-through calls so a wedged database cannot
// stall engine callbacks.
const storeBudget = 2 * time.Second

// Options configures a Registry.
type Options struct {
	Store   *store.Store
	Limits  *config.Limits
	Catalog *agentdef.Catalog

	// ServerID is the process instance id echoed in history frames.
	ServerID string

	// DataDir hosts worktrees/ and spool/ subdirectories.
	DataDir string

	// HomeDir expands ~ in client-supplied paths.
	HomeDir string

	// DefaultShell overrides the terminal worker shell.
	DefaultShell string
}

// Watcher receives app-channel frames for registry mutations.
type Watcher struct {
	ch chan protocol.ServerFrame
}

// C returns the channel carrying registry event frames.
func (w *Watcher) C() <-chan protocol.ServerFrame {
	return w.ch
}

// Registry is the in-memory session map plus its persistence and event
// fan-out. opMu serializes structural mutations end to end; mu guards
// the maps and is safe to take from engine callbacks.
type Registry struct {
	opts Options

	opMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session
	watchers map[*Watcher]struct{}
	closed   bool
}

type session struct {
	meta     protocol.Session
	engines  map[string]worker.Engine
	activity map[string]activity.State
}

// New builds a registry and reloads persisted sessions. PTY output is
// not persisted, so reloaded terminal and agent workers come back with
// a fresh stream that spawns lazily on the next attach.
func New(ctx context.Context, opts Options) (*Registry, error) {
	r := &Registry{
		opts:     opts,
		sessions: make(map[string]*session),
		watchers: make(map[*Watcher]struct{}),
	}

	stored, err := opts.Store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, meta := range stored {
		s := &session{
			meta:     meta,
			engines:  make(map[string]worker.Engine),
			activity: make(map[string]activity.State),
		}
		for _, w := range meta.Workers {
			eng, err := r.buildEngine(meta, w, "")
			if err != nil {
				slog.Warn("skipping worker engine on reload",
					"session_id", meta.ID,
					"worker_id", w.ID,
					"type", w.Type,
					"error", err,
				)
				continue
			}
			s.engines[w.ID] = eng
			s.activity[w.ID] = activity.Unknown
		}
		r.sessions[meta.ID] = s
		metrics.ActiveSessions.Inc()
	}
	if len(stored) > 0 {
		slog.Info("sessions reloaded", "count", len(stored))
	}
	return r, nil
}

// Subscribe registers a watcher for registry event frames. Events are
// published in mutation order; a watcher that falls behind loses
// frames and should request a fresh sync.
func (r *Registry) Subscribe() *Watcher {
	w := &Watcher{ch: make(chan protocol.ServerFrame, 64)}
	r.mu.Lock()
	r.watchers[w] = struct{}{}
	r.mu.Unlock()
	return w
}

// Unsubscribe removes a watcher.
func (r *Registry) Unsubscribe(w *Watcher) {
	r.mu.Lock()
	delete(r.watchers, w)
	r.mu.Unlock()
}

// publishLocked fans a frame out to all watchers. Callers hold r.mu,
// which is what makes publish order equal mutation order.
func (r *Registry) publishLocked(f protocol.ServerFrame) {
	for w := range r.watchers {
		select {
		case w.ch <- f:
		default:
			// Buffer full - drop to avoid blocking.
		}
	}
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (protocol.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return protocol.Session{}, false
	}
	return copySession(s.meta), true
}

// Engine returns the engine backing (sessionID, workerID).
func (r *Registry) Engine(sessionID, workerID string) (worker.Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	eng, ok := s.engines[workerID]
	return eng, ok
}

// ListWithActivity snapshots all sessions and their workers' activity
// states for a sessions-sync frame. Sessions come back oldest first.
func (r *Registry) ListWithActivity() ([]protocol.Session, []protocol.ActivityEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]protocol.Session, 0, len(r.sessions))
	entries := make([]protocol.ActivityEntry, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, copySession(s.meta))
		for _, w := range s.meta.Workers {
			st, ok := s.activity[w.ID]
			if !ok {
				st = activity.Unknown
			}
			entries = append(entries, protocol.ActivityEntry{
				SessionID:     s.meta.ID,
				WorkerID:      w.ID,
				ActivityState: string(st),
			})
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt != sessions[j].CreatedAt {
			return sessions[i].CreatedAt < sessions[j].CreatedAt
		}
		return sessions[i].ID < sessions[j].ID
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].SessionID != entries[j].SessionID {
			return entries[i].SessionID < entries[j].SessionID
		}
		return entries[i].WorkerID < entries[j].WorkerID
	})
	return sessions, entries
}

// SessionActivity aggregates one session's worker states into the most
// human-urgent one.
func (r *Registry) SessionActivity(sessionID string) activity.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return activity.Unknown
	}
	states := make([]activity.State, 0, len(s.activity))
	for _, st := range s.activity {
		states = append(states, st)
	}
	return activity.Aggregate(states...)
}

// Close shuts every engine down. Sessions stay in the store; nothing
// is published because subscribers are going away too.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	engines := make([]worker.Engine, 0)
	for _, s := range r.sessions {
		for _, eng := range s.engines {
			engines = append(engines, eng)
		}
	}
	r.mu.Unlock()

	for _, eng := range engines {
		eng.Close()
	}
}

func copySession(meta protocol.Session) protocol.Session {
	out := meta
	out.Workers = append([]protocol.Worker(nil), meta.Workers...)
	return out
}

func (r *Registry) persist(meta protocol.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), storeBudget)
	defer cancel()
	if err := r.opts.Store.UpdateSession(ctx, meta); err != nil {
		slog.Warn("session write-through failed", "session_id", meta.ID, "error", err)
	}
}
