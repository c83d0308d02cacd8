package gitdiff

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/metrics"
	"github.com/termdeck/termdeck/internal/protocol"
)

// maxWatchDirs caps how many directories one engine watches; beyond it
// the deepest directories go unwatched and changes there surface on the
// next explicit refresh.
const maxWatchDirs = 4096

// Engine serves one git-diff worker: it owns the (baseCommit,
// targetRef) pair, recomputes on demand or on worktree changes, and
// publishes results through the handlers given at construction.
type Engine struct {
	dir    string
	limits *config.Limits

	onData  func(protocol.DiffPayload)
	onError func(string)

	mu         sync.Mutex
	baseCommit string
	targetRef  string
	last       *protocol.DiffPayload

	kick chan struct{}
}

// NewEngine creates an engine for the worktree at dir. baseRef is
// resolved immediately; targetRef defaults to the working directory.
func NewEngine(dir, baseRef, targetRef string, limits *config.Limits,
	onData func(protocol.DiffPayload), onError func(string)) (*Engine, error) {

	base, err := ResolveCommit(dir, baseRef)
	if err != nil {
		return nil, err
	}
	if targetRef == "" {
		targetRef = protocol.TargetWorkingDir
	}
	if targetRef != protocol.TargetWorkingDir {
		if _, err := ResolveCommit(dir, targetRef); err != nil {
			return nil, err
		}
	}
	return &Engine{
		dir:        dir,
		limits:     limits,
		onData:     onData,
		onError:    onError,
		baseCommit: base,
		targetRef:  targetRef,
		kick:       make(chan struct{}, 1),
	}, nil
}

// BaseCommit returns the resolved base commit hash.
func (e *Engine) BaseCommit() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseCommit
}

// TargetRef returns the current target.
func (e *Engine) TargetRef() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.targetRef
}

// Last returns the most recent payload, or nil before the first
// successful refresh.
func (e *Engine) Last() *protocol.DiffPayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// SetBaseCommit resolves ref and, on success, re-anchors the diff and
// triggers a refresh.
func (e *Engine) SetBaseCommit(ref string) error {
	hash, err := ResolveCommit(e.dir, ref)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.baseCommit = hash
	e.mu.Unlock()
	e.Refresh()
	return nil
}

// SetTargetRef switches the moving end of the diff and triggers a
// refresh. Commit targets are validated; working-dir always works.
func (e *Engine) SetTargetRef(ref string) error {
	if ref != protocol.TargetWorkingDir {
		if _, err := ResolveCommit(e.dir, ref); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.targetRef = ref
	e.mu.Unlock()
	e.Refresh()
	return nil
}

// Refresh recomputes the diff and publishes diff-data, or diff-error
// when git fails. Concurrent calls coalesce.
func (e *Engine) Refresh() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// refreshNow computes synchronously. Run calls it from the engine
// goroutine; tests may call it directly.
func (e *Engine) refreshNow() {
	e.mu.Lock()
	base, target := e.baseCommit, e.targetRef
	e.mu.Unlock()

	start := time.Now()
	payload, err := Compute(e.dir, base, target)
	metrics.DiffRefreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DiffRefreshesTotal.WithLabelValues("error").Inc()
		slog.Debug("diff refresh failed", "dir", e.dir, "error", err)
		e.onError(err.Error())
		return
	}
	metrics.DiffRefreshesTotal.WithLabelValues("ok").Inc()

	e.mu.Lock()
	e.last = &payload
	e.mu.Unlock()
	e.onData(payload)
}

// Expand answers an unchanged-context request against the current
// target.
func (e *Engine) Expand(path string, startLine, endLine int) ([]string, error) {
	e.mu.Lock()
	target := e.targetRef
	e.mu.Unlock()
	return Expand(e.dir, target, path, startLine, endLine)
}

// Run computes the initial diff, then serves refresh requests and,
// while the target is the working directory, worktree change events.
// It returns when ctx is done.
func (e *Engine) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("diff watcher unavailable, refresh is manual only", "dir", e.dir, "error", err)
	} else {
		defer func() { _ = watcher.Close() }()
		e.addWatches(watcher)
	}

	e.refreshNow()

	var debounce *time.Timer
	debounced := make(chan struct{}, 1)
	scheduleRefresh := func() {
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(e.limits.DiffDebounce(), func() {
			select {
			case debounced <- struct{}{}:
			default:
			}
		})
	}

	var events chan fsnotify.Event
	var errs chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-e.kick:
			e.refreshNow()

		case <-debounced:
			if e.TargetRef() == protocol.TargetWorkingDir {
				e.refreshNow()
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if skipPath(ev.Name) {
				continue
			}
			// New directories join the watch set so edits inside
			// them are seen too.
			if ev.Op&fsnotify.Create != 0 {
				if fi, statErr := os.Stat(ev.Name); statErr == nil && fi.IsDir() {
					_ = watcher.Add(ev.Name)
				}
			}
			scheduleRefresh()

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Debug("diff watcher error", "dir", e.dir, "error", err)
		}
	}
}

// addWatches registers the worktree's directories, skipping .git and
// common dependency trees.
func (e *Engine) addWatches(watcher *fsnotify.Watcher) {
	count := 0
	err := filepath.WalkDir(e.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable subtrees are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if skipPath(path) {
			return filepath.SkipDir
		}
		if count >= maxWatchDirs {
			return filepath.SkipAll
		}
		if addErr := watcher.Add(path); addErr == nil {
			count++
		}
		return nil
	})
	if err != nil {
		slog.Debug("diff watch walk ended early", "dir", e.dir, "error", err)
	}
	slog.Debug("diff watches registered", "dir", e.dir, "count", count)
}

func skipPath(path string) bool {
	base := filepath.Base(path)
	switch base {
	case ".git", "node_modules", ".venv", "__pycache__", "target", "dist":
		return true
	}
	return strings.HasSuffix(path, ".swp") || strings.HasSuffix(path, "~")
}
