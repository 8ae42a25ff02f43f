// Package watcher notifies about files arriving in a directory.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces bursts of events into one callback.
const DefaultDebounce = 100 * time.Millisecond

// Watcher monitors a directory and calls onChange when a matching file is
// created, written or renamed into it. Bursts of events within the debounce
// window produce a single call.
type Watcher struct {
	dir      string
	match    func(name string) bool
	onChange func()
	watcher  *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	running  bool
	debounce time.Duration
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the debounce window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New creates a Watcher for dir. A nil match accepts every file.
func New(dir string, match func(name string) bool, onChange func(), opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		dir:      filepath.Clean(dir),
		match:    match,
		onChange: onChange,
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addWatch(); err != nil {
		log.Warn().Err(err).Str("path", w.dir).Msg("Failed to add initial watch")
	}

	go w.watchLoop()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	w.cancel()
	return w.watcher.Close()
}

// addWatch adds the directory to the fsnotify watcher.
func (w *Watcher) addWatch() error {
	if _, err := os.Stat(w.dir); err != nil {
		return err
	}
	return w.watcher.Add(w.dir)
}

// watchLoop processes file system events until the watcher stops.
func (w *Watcher) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case <-w.ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			eventPath := filepath.Clean(event.Name)
			if eventPath == w.dir && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Warn().Str("path", w.dir).Msg("Watched directory removed")
				go w.rewatch()
				continue
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if w.match != nil && !w.match(filepath.Base(eventPath)) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.fire)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// fire calls onChange unless the watcher stopped.
func (w *Watcher) fire() {
	if w.ctx.Err() != nil || w.onChange == nil {
		return
	}
	w.onChange()
}

// rewatch waits for the directory to come back and watches it again.
func (w *Watcher) rewatch() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.addWatch(); err == nil {
				log.Info().Str("path", w.dir).Msg("Re-established watch after recreation")
				w.fire()
				return
			}
		}
	}
}
