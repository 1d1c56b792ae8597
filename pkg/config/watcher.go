package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadDebounce is how long WatchConfig waits after the last observed
// write before signalling a reload. Editors that save atomically
// (temp-file-then-rename, the same scheme Store.Save uses) fire a
// Create and a Write in quick succession for one logical edit; without
// debouncing that would trigger two reloads for one operator action.
const ReloadDebounce = 500 * time.Millisecond

// WatchConfig watches the single gateway config file at path and returns
// a channel that emits once, debounced, after each on-disk change. The
// watcher runs until ctx is cancelled, at which point the channel is
// closed.
func WatchConfig(ctx context.Context, path string) <-chan struct{} {
	reloadCh := make(chan struct{}, 1) // buffered so a pending signal is never lost to a slow reader

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("config: failed to create file watcher", "error", err)
		return reloadCh
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		slog.Warn("config: could not resolve absolute path for watch file", "file", path, "error", err)
		absPath = path
	}
	if err := watcher.Add(absPath); err != nil {
		slog.Warn("config: could not watch file", "file", absPath, "error", err)
	} else {
		slog.Debug("config: watching configuration file", "file", absPath)
	}

	go func() {
		defer watcher.Close()
		defer close(reloadCh)

		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				// A rename-over (atomic save) replaces the inode the watch
				// is bound to, so the watch must be re-armed on the new
				// file or it dies after the first token rotation.
				if event.Op.Has(fsnotify.Rename) || event.Op.Has(fsnotify.Remove) {
					watcher.Remove(absPath)
					if err := watcher.Add(absPath); err != nil {
						slog.Warn("config: could not re-watch file after replacement", "file", absPath, "error", err)
					}
				}
				// A rename (atomic save), a create or a plain write counts as
				// a reload trigger; anything else (chmod, remove, etc.) is
				// ignored.
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(ReloadDebounce, func() {
					slog.Info("config: change detected, signalling reload", "file", event.Name)
					select {
					case reloadCh <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config: watcher error", "error", err)
			}
		}
	}()

	return reloadCh
}
