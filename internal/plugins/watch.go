package plugins

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchManifestDirs watches the normalized plugin directories for manifest
// file changes and invalidates the discovery cache on each one, so a
// long-running host picks up newly dropped or edited plugins without
// restarting. onChange, if non-nil, runs after each invalidation; it must
// not block. The returned stop func closes the underlying watcher.
//
// This is discovery of new or changed manifests, not hot-reload of a
// running plugin's code: a daemon already started by the ProcessManager
// keeps running unchanged until its owner explicitly restarts it.
func WatchManifestDirs(ctx context.Context, paths []string, onChange func()) (func() error, error) {
	dirs := normalizeManifestPaths(paths)
	if len(dirs) == 0 {
		return func() error { return nil }, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create manifest watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch plugin dir %s: %w", dir, err)
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isManifestFilename(filepath.Base(event.Name)) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				invalidateManifestCache()
				if onChange != nil {
					onChange()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return watcher.Close, nil
}
