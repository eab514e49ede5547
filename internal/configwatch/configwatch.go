// Package configwatch implements the config-file-change watcher from
// SPEC_FULL.md §4.15: it notices config.toml changing on disk and warns
// that a restart is required, since hot-reload is an explicit Non-goal.
// Grounded on fsnotify.Watcher usage and the debounce idiom from the
// pack's maestro queue handler (debounceAndScan), adapted from a
// per-file debounce map to a single timer since only one path is ever
// watched here.
package configwatch

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Logger is the minimal logging surface Watcher needs.
type Logger interface {
	Warnw(msg string, kv ...any)
	Errorw(msg string, kv ...any)
}

// Notifier is the optional low-severity notification sink fired alongside
// the log warning.
type Notifier interface {
	NotifyConfigChanged(path string)
}

// Watcher wraps fsnotify.Watcher on a single resolved config file path.
// It never reloads configuration; Run simply logs and notifies.
type Watcher struct {
	path     string
	debounce time.Duration
	log      Logger
	notifier Notifier

	watcher *fsnotify.Watcher
}

// New creates a Watcher for path. notifier may be nil.
func New(path string, log Logger, notifier Notifier) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: defaultDebounce,
		log:      log,
		notifier: notifier,
		watcher:  w,
	}, nil
}

// Run blocks, watching for changes to the config file until done is
// closed. Multiple rapid filesystem events for the same write are
// coalesced into a single warning via a debounce timer, matching editors
// that write-then-rename rather than writing in place.
func (w *Watcher) Run(done <-chan struct{}) {
	defer w.watcher.Close()

	var mu sync.Mutex
	var timer *time.Timer
	fire := func() {
		if w.log != nil {
			w.log.Warnw("config.toml changed on disk; restart required to apply", "path", w.path)
		}
		if w.notifier != nil {
			w.notifier.NotifyConfigChanged(w.path)
		}
	}

	for {
		select {
		case <-done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, fire)
			mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Errorw("config watcher error", "err", err)
			}
		}
	}
}

// Close releases the underlying fsnotify watcher; safe to call in
// addition to Run's deferred close if Run never started.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
