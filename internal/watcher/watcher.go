// Package watcher implements the Local Watcher named in spec.md §4's
// component table: an fsnotify-based translation of filesystem events under
// the sync root into engine enqueue calls, enabled only when
// ENABLE_LOCAL_WATCHER is set (spec.md §6). Grounded on the teacher's
// internal/sync/observer_local.go, trimmed to the operations the engine
// actually exposes (upload/mkdir/delete), since full local-scan
// baselining is the incremental cloud-poll's job here, not the watcher's.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mtanaka/disksync/internal/pathns"
)

// Engine is the subset of *syncengine.Engine the watcher drives. Defined at
// the consumer so the watcher never imports syncengine's full surface.
// Renames surface as a Remove on the old path plus a Create on the new one
// on most platforms; the watcher treats them independently rather than
// pairing them into a Move: the old path enqueues a delete and the Create on
// the new path enqueues an upload (or mkdir) of the destination.
type Engine interface {
	EnqueueUpload(ctx context.Context, p string) error
	EnqueueMkdir(ctx context.Context, p string) error
	EnqueueDelete(ctx context.Context, p string) error
}

// debounceWindow coalesces the WRITE+CHMOD storms most editors and OS
// buffered writers emit for a single logical save.
const debounceWindow = 300 * time.Millisecond

// alwaysExcludedSuffixes lists file extensions unsafe to sync mid-write,
// matching the teacher's observer_local.go guard list.
var alwaysExcludedSuffixes = []string{".partial", ".tmp", ".swp", ".crdownload", ".db-wal", ".db-shm"}

// Watcher translates fsnotify events under a sync root into engine ops.
type Watcher struct {
	engine   Engine
	syncRoot string
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New returns a Watcher rooted at syncRoot.
func New(engine Engine, syncRoot string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{engine: engine, syncRoot: syncRoot, logger: logger, pending: make(map[string]*time.Timer)}
}

// Run adds a recursive watch over syncRoot and translates events until ctx
// is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: creating fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addWatchesRecursive(fsw); err != nil {
		return fmt.Errorf("watcher: adding initial watches: %w", err)
	}

	w.logger.Info("watcher: watching", slog.String("sync_root", w.syncRoot))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}

			w.handleEvent(ctx, fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("watcher: fsnotify error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) addWatchesRecursive(fsw *fsnotify.Watcher) error {
	return filepath.WalkDir(w.syncRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.logger.Warn("watcher: walk error", slog.String("path", p), slog.String("error", walkErr.Error()))
			return nil
		}

		if d.IsDir() {
			if err := fsw.Add(p); err != nil {
				w.logger.Warn("watcher: add watch failed", slog.String("path", p), slog.String("error", err.Error()))
			}
		}

		return nil
	})
}

func (w *Watcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if isAlwaysExcluded(name) {
		return
	}

	remote, err := w.toRemotePath(ev.Name)
	if err != nil {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		info, statErr := os.Stat(ev.Name)
		if statErr == nil && info.IsDir() {
			_ = fsw.Add(ev.Name)
			w.debounce(remote, func() { _ = w.engine.EnqueueMkdir(ctx, remote) })
			return
		}

		w.debounce(remote, func() { _ = w.engine.EnqueueUpload(ctx, remote) })

	case ev.Has(fsnotify.Write):
		w.debounce(remote, func() { _ = w.engine.EnqueueUpload(ctx, remote) })

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.debounce(remote, func() { _ = w.engine.EnqueueDelete(ctx, remote) })
	}
}

// debounce coalesces repeated events for the same path within
// debounceWindow into a single enqueue call.
func (w *Watcher) debounce(key string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[key]; ok {
		t.Stop()
	}

	w.pending[key] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, key)
		w.mu.Unlock()

		fn()
	})
}

func (w *Watcher) toRemotePath(localPath string) (string, error) {
	rel, err := filepath.Rel(w.syncRoot, localPath)
	if err != nil {
		return "", err
	}

	return pathns.CanonicalSlash("/" + filepath.ToSlash(rel))
}

func isAlwaysExcluded(name string) bool {
	lower := strings.ToLower(name)

	for _, ext := range alwaysExcludedSuffixes {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}

	return strings.HasPrefix(name, "~") || strings.HasPrefix(name, ".~")
}
