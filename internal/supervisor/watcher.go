package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// MarkerWatcher reloads a marker table file whenever it changes on disk. A
// file that fails to parse or validate is logged and the previous table stays
// active.
type MarkerWatcher struct {
	path     string
	apply    func(MarkerTable) error
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// NewMarkerWatcher creates a watcher for path; apply receives every valid reload.
func NewMarkerWatcher(path string, apply func(MarkerTable) error) (*MarkerWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &MarkerWatcher{
		path:     filepath.Clean(path),
		apply:    apply,
		watcher:  fsWatcher,
		debounce: 100 * time.Millisecond,
	}, nil
}

// Start loads the file once and then watches its directory, which also
// catches editors that replace the file by rename.
func (w *MarkerWatcher) Start(ctx context.Context) error {
	if err := w.reload(); err != nil {
		return err
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	go w.run(ctx)
	return nil
}

// Close stops watching.
func (w *MarkerWatcher) Close() error {
	return w.watcher.Close()
}

func (w *MarkerWatcher) run(ctx context.Context) {
	var pending time.Time
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("marker watcher error", "path", w.path, "error", err)

		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= w.debounce {
				pending = time.Time{}
				if err := w.reload(); err != nil {
					slog.Error("marker table reload failed, keeping previous table", "path", w.path, "error", err)
				}
			}
		}
	}
}

func (w *MarkerWatcher) reload() error {
	table, err := LoadMarkers(w.path)
	if err != nil {
		return err
	}
	if err := w.apply(table); err != nil {
		return fmt.Errorf("apply marker table: %w", err)
	}
	slog.Info("marker table loaded", "path", w.path, "markers", len(table))
	return nil
}
