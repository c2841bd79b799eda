package filewatcher

import (
	"log/slog"
	"time"
)

// Option configures a FileWatcher
type Option func(*FileWatcher)

// WithLogger sets the logger for the file watcher
func WithLogger(logger *slog.Logger) Option {
	return func(fw *FileWatcher) {
		if logger != nil {
			fw.logger = logger
		}
	}
}

// WithFiles sets the files to watch. Their parent directories are watched so
// that editors replacing a file by rename are still seen.
func WithFiles(files ...string) Option {
	return func(fw *FileWatcher) {
		fw.files = append(fw.files, files...)
	}
}

// WithDebounce sets how long a file has to stay quiet before callbacks run.
func WithDebounce(d time.Duration) Option {
	return func(fw *FileWatcher) {
		if d > 0 {
			fw.debounce = d
		}
	}
}
