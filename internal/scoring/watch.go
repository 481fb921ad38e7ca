package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDelay = 250 * time.Millisecond

// WatchCatalog reloads catalog from path whenever the file changes and calls
// onReload after each successful swap. A file that fails to parse leaves the
// current standards in place. It blocks until ctx is done.
func WatchCatalog(ctx context.Context, path string, catalog *Catalog, onReload func(context.Context), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "catalog_watch", "file", path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file with a rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	target := filepath.Clean(path)

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(reloadDelay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("catalog watch error", "error", err)
		case <-timer.C:
			next, err := LoadCatalog(path)
			if err != nil {
				logger.Error("catalog reload failed, keeping previous standards", "error", err)
				continue
			}
			catalog.Replace(next)
			logger.Info("reference catalog reloaded", "exercises", catalog.Exercises())
			if onReload != nil {
				onReload(ctx)
			}
		}
	}
}
