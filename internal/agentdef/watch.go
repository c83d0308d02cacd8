package agentdef

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the write bursts editors produce when
// saving a file.
const reloadDebounce = 250 * time.Millisecond

// Watch begins reloading the catalog when its file changes, until ctx
// is done. The parent directory is watched rather than the file itself
// so rename-based saves (vim, atomic writers) keep working. The watch
// is registered before Watch returns, so writes that land afterwards
// are never missed.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	go c.watchLoop(ctx, watcher)
	return nil
}

func (c *Catalog) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()

	var timer *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(c.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case <-pending:
			if err := c.Reload(); err != nil {
				slog.Warn("agents file reload failed", "path", c.path, "error", err)
				continue
			}
			slog.Info("agents file reloaded", "path", c.path, "agents", len(c.List()))

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("agents file watch error", "error", err)
		}
	}
}
