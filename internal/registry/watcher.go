package registry

import (
	"context"
	"path/filepath"
	"time"

	"helmsman/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce coalesces the burst of write events editors produce for a
// single save.
const defaultDebounce = 500 * time.Millisecond

// Watch reloads the catalog whenever the registry file changes on disk.
// It blocks until ctx is cancelled. Watch errors are logged and the watcher
// keeps running; a failed reload leaves the current catalog in place.
func (r *Registry) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would be lost.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(defaultDebounce)
				timerC = timer.C
			} else {
				// Drain before Reset: the timer may have fired while this
				// event was being handled, leaving a stale value in timerC.
				if !timer.Stop() {
					select {
					case <-timerC:
					default:
					}
				}
				timer.Reset(defaultDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := r.ReloadFromFile(path); err != nil {
				logging.Error("Registry", err, "Hot reload failed, keeping previous catalog")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("Registry", "Watcher error: %v", err)
		}
	}
}
