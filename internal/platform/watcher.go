package platform

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// KeyWatcher watches an API-key file for rewrites (rotation) and exposes the
// current key via Get. It watches the parent directory rather than the file
// itself so atomic write-then-rename updates are observed.
type KeyWatcher struct {
	path string

	mu  sync.RWMutex
	key string

	watcher *fsnotify.Watcher
}

// NewKeyWatcher reads path once and starts watching it for changes. The
// watcher goroutine exits when ctx is cancelled. Returns nil if path cannot
// be watched; callers fall back to a static key in that case.
func NewKeyWatcher(ctx context.Context, path string) *KeyWatcher {
	if path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("cannot watch API key file", "err", err)
		return nil
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		slog.Warn("cannot watch API key directory", "dir", dir, "err", err)
		return nil
	}
	kw := &KeyWatcher{path: path, watcher: w}
	kw.reload()
	go kw.loop(ctx)
	return kw
}

// Get returns the current key value.
func (kw *KeyWatcher) Get() string {
	kw.mu.RLock()
	defer kw.mu.RUnlock()
	return kw.key
}

func (kw *KeyWatcher) loop(ctx context.Context) {
	defer func() { _ = kw.watcher.Close() }()
	base := filepath.Base(kw.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-kw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			kw.reload()
		case err, ok := <-kw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("API key watcher error", "err", err)
		}
	}
}

func (kw *KeyWatcher) reload() {
	data, err := os.ReadFile(kw.path) //nolint:gosec // path supplied via trusted config
	if err != nil {
		return
	}
	key := trimNewline(string(data))
	if key == "" {
		return
	}
	kw.mu.Lock()
	defer kw.mu.Unlock()
	if key != kw.key {
		kw.key = key
		slog.Info("API key reloaded from file")
	}
}
