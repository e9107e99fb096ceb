// Package filewatcher reports settled changes to files matching a set of
// patterns, built on fsnotify.
package filewatcher

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("file watcher stopped")

// Watcher watches directories and calls back once per file after writes to
// it have been quiet for the debounce interval. Editors that save by
// renaming a temp file over the original are reported too.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dirs     []string
	patterns []string
	logger   *slog.Logger
	debounce time.Duration

	callbacksMu sync.RWMutex
	callbacks   []func(path string)

	changesMu sync.Mutex
	changes   map[string]time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Watcher. Nothing is watched until Start.
func New(opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filewatcher: %w", err)
	}
	w := &Watcher{
		watcher:  fsw,
		dirs:     []string{"."},
		patterns: []string{"*"},
		logger:   slog.Default(),
		debounce: defaultDebounce,
		changes:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// OnChange adds a callback. Callbacks run on the watcher goroutine.
func (w *Watcher) OnChange(fn func(path string)) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start adds the directories and begins watching.
func (w *Watcher) Start() error {
	select {
	case <-w.done:
		return ErrStopped
	default:
	}
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("filewatcher: watching %s: %w", dir, err)
		}
		w.logger.Info("FileWatcher: Watching directory", "dir", dir, "patterns", w.patterns)
	}
	w.wg.Add(1)
	go w.watchLoop()
	return nil
}

// Stop ends watching and waits for the watcher goroutine.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	// Tick at half the debounce so a change fires at most 1.5x debounce
	// after the last write.
	ticker := time.NewTicker(max(w.debounce/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				if w.matches(ev.Name) {
					w.changesMu.Lock()
					w.changes[ev.Name] = time.Now()
					w.changesMu.Unlock()
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("FileWatcher: Watcher error", "error", err)
		case <-ticker.C:
			w.flush()
		}
	}
}

// flush reports changes that have settled.
func (w *Watcher) flush() {
	now := time.Now()
	var settled []string
	w.changesMu.Lock()
	for path, at := range w.changes {
		if now.Sub(at) >= w.debounce {
			settled = append(settled, path)
			delete(w.changes, path)
		}
	}
	w.changesMu.Unlock()

	if len(settled) == 0 {
		return
	}
	w.callbacksMu.RLock()
	defer w.callbacksMu.RUnlock()
	for _, path := range settled {
		w.logger.Info("FileWatcher: File changed", "file", path)
		for _, fn := range w.callbacks {
			fn(path)
		}
	}
}

func (w *Watcher) matches(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.patterns {
		matched, err := filepath.Match(pattern, base)
		if err != nil {
			w.logger.Error("FileWatcher: Bad pattern", "pattern", pattern, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
