// Package reload tracks the files a configuration was assembled from and
// reports when any of them change on disk. It deliberately polls instead
// of using inotify so it behaves the same on every platform and on network
// mounts.
package reload

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/139QQ/Baostock-sub004/config"
)

// stamp is the change-detection fingerprint of one file. Modification time
// plus size catches every edit a configuration reload cares about without
// hashing file contents on each tick.
type stamp struct {
	modTime time.Time
	size    int64
}

// Watcher keeps a snapshot of the configuration source files and detects
// modifications relative to it. The zero value is usable; a nil Watcher is
// inert.
type Watcher struct {
	mu    sync.Mutex
	files map[string]stamp
}

// NewWatcher builds a watcher tracking the files cfg was loaded from plus
// the root path handed to the loader.
func NewWatcher(root string, cfg *config.Config) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(root, cfg); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update replaces the tracked file snapshot with the current on-disk state
// of the configuration sources. Files that do not exist yet are skipped;
// they join the snapshot on the Update after they appear.
func (w *Watcher) Update(root string, cfg *config.Config) error {
	if w == nil {
		return nil
	}
	snapshot := takeSnapshot(trackedPaths(root, cfg))
	w.mu.Lock()
	w.files = snapshot
	w.mu.Unlock()
	return nil
}

// Check reports the tracked files that changed since the last snapshot. A
// file that disappeared counts as changed; the caller decides whether the
// configuration still loads without it.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	changed := make([]string, 0)
	for path, previous := range w.files {
		current, ok := stat(path)
		if !ok {
			changed = append(changed, path)
			continue
		}
		if current.modTime.After(previous.modTime) || current.size != previous.size {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// trackedPaths merges the configuration's own source list with the root
// path given to the loader, deduplicated.
func trackedPaths(root string, cfg *config.Config) []string {
	paths := cfg.SourceFiles()
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			if info, err := os.Stat(abs); err == nil && !info.IsDir() {
				paths = append(paths, abs)
			}
		}
	}
	return uniquePaths(paths)
}

func takeSnapshot(paths []string) map[string]stamp {
	snapshot := make(map[string]stamp, len(paths))
	for _, path := range paths {
		if current, ok := stat(path); ok {
			snapshot[path] = current
		}
	}
	return snapshot
}

func stat(path string) (stamp, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return stamp{}, false
	}
	return stamp{modTime: info.ModTime(), size: info.Size()}, true
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
