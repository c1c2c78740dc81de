// ABOUTME: Watches a registry seed file with fsnotify and reloads the target registry on change.
// ABOUTME: Invalid seeds are logged and ignored; the previous registry content stays in place.

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last write before reloading.
const DefaultDebounce = 200 * time.Millisecond

// Reloadable is a registry whose whole content can be swapped for a seed.
// Memory and store.SQLiteStore implement it.
type Reloadable interface {
	Replace(seed *Seed) error
	Version() uint64
}

// Watcher reloads a registry whenever its seed file changes.
type Watcher struct {
	path     string
	target   Reloadable
	debounce time.Duration
	logger   *slog.Logger

	// OnReload, if set, is called after every reload attempt.
	OnReload func(err error)

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for the seed file at path.
func NewWatcher(path string, target Reloadable, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		target:   target,
		debounce: DefaultDebounce,
		logger:   logger.With("component", "registry-watcher"),
	}
}

// Run watches until ctx is cancelled. The parent directory is watched rather
// than the file itself so that editors which replace the file are handled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}

	w.logger.Info("watching registry seed", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.schedule()
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// schedule (re)arms the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload() {
	seed, err := LoadSeed(w.path)
	if err == nil {
		err = w.target.Replace(seed)
	}
	if err != nil {
		w.logger.Warn("registry reload failed, keeping previous content", "path", w.path, "error", err)
	} else {
		w.logger.Info("registry reloaded", "path", w.path, "version", w.target.Version())
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
}
