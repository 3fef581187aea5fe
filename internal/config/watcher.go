package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers store reconciliation when any tracked file's directory
// reports a change. Events are debounced: editors commonly emit bursts of
// WRITE/CREATE/RENAME for one logical save.
type Watcher struct {
	store    *Store
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher over the store's tracked files.
func NewWatcher(s *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{store: s, debounce: 500 * time.Millisecond, watcher: fw}

	dirs := map[string]bool{}
	s.mu.RLock()
	for _, f := range s.files {
		dirs[filepath.Dir(f.path)] = true
	}
	s.mu.RUnlock()
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			log.Printf("[Config] WARNING: cannot watch %s: %v", dir, err)
		}
	}
	return w, nil
}

// Run processes filesystem events until ctx is cancelled. Reconciliation
// failures are already swallowed inside SyncAll.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Config] Watcher error: %v", err)

		case <-fire:
			w.store.SyncAll(ctx)
		}
	}
}
