package playbook

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"aegis/internal/logging"
)

// Watcher hot-reloads the playbook library when its file changes. Editors
// tend to emit bursts of events per save, so reloads are debounced.
type Watcher struct {
	library  *Library
	logger   logging.Logger
	debounce time.Duration
	onReload func(count int)
}

// NewWatcher creates a watcher for the library's backing file.
func NewWatcher(library *Library, logger logging.Logger) *Watcher {
	return &Watcher{
		library:  library,
		logger:   logging.OrNop(logger),
		debounce: 250 * time.Millisecond,
	}
}

// OnReload registers a callback invoked after each successful reload with the
// new playbook count.
func (w *Watcher) OnReload(fn func(count int)) {
	w.onReload = fn
}

// Run watches until the context is cancelled. Reload failures are logged and
// the previous playbook set stays active.
func (w *Watcher) Run(ctx context.Context) error {
	path := w.library.Path()
	if path == "" {
		return fmt.Errorf("playbook: watcher needs a file-backed library")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("playbook: create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory, not the file: rename-based saves replace the
	// inode and would silently detach a file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("playbook: watch %s: %w", filepath.Dir(path), err)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	target := filepath.Clean(path)
	for {
		var fire <-chan time.Time
		if timer != nil {
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("playbook watcher error: %v", err)

		case <-fire:
			timer = nil
			if err := w.library.Reload(); err != nil {
				w.logger.Warn("playbook reload failed, keeping previous set: %v", err)
				continue
			}
			count := w.library.Len()
			w.logger.Info("playbook library reloaded: %d playbooks", count)
			if w.onReload != nil {
				w.onReload(count)
			}
		}
	}
}
