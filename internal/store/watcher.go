package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/weftworks/weft/internal/log"
)

// Watcher monitors the Plans directory for external edits (an editor saving
// a plan artifact, a CLI touching tasks.json) and triggers a reload so the
// in-memory index stays consistent with the files.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	store     *Store
	debounce  time.Duration
	done      chan struct{}
}

// NewWatcher creates a watcher over the store's Plans directory.
func NewWatcher(s *Store, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = NotifyDebounce
	}
	return &Watcher{
		fsWatcher: fsw,
		store:     s,
		debounce:  debounce,
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching. Stop must be called to release resources.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.store.Layout().PlansDir()); err != nil {
		return fmt.Errorf("watching plans directory: %w", err)
	}
	go w.loop()
	return nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.store.ReloadFromFiles(); err != nil {
				log.ErrorErr(log.CatStore, "Reload after external change failed", err)
				continue
			}
			w.store.notify()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatStore, "Watcher error", "error", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// relevant filters out our own temp files and log churn.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") { // atomic-rename temp files
		return false
	}
	if strings.HasSuffix(base, ".log") {
		return false
	}
	return true
}
