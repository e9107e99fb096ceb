package filewatcher

import (
	"log/slog"
	"time"
)

const defaultDebounce = 300 * time.Millisecond

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDirs sets the directories to watch. Default is the working directory.
func WithDirs(dirs ...string) Option {
	return func(w *Watcher) {
		if len(dirs) > 0 {
			w.dirs = dirs
		}
	}
}

// WithPatterns limits callbacks to base names matching one of patterns,
// in filepath.Match syntax.
func WithPatterns(patterns ...string) Option {
	return func(w *Watcher) {
		if len(patterns) > 0 {
			w.patterns = patterns
		}
	}
}

// WithDebounce sets how long a file must stay quiet before it is reported.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}
