package credstore

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch monitors the credential database and invokes onChange when kiro-cli
// rewrites it. SQLite writes arrive as bursts of events, so changes are
// debounced before notifying. The watcher runs until ctx is cancelled.
//
// The parent directory is watched rather than the file itself: kiro-cli
// replaces the database atomically, which would orphan a file-level watch.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err = watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() {
			if errClose := watcher.Close(); errClose != nil {
				log.Warnf("credstore: close watcher: %v", errClose)
			}
		}()

		var debounce *time.Timer
		target := filepath.Clean(s.path)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					log.Debug("credstore: credential database changed on disk")
					onChange()
				})
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("credstore: watch error: %v", errWatch)
			}
		}
	}()
	return nil
}
