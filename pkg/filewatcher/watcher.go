// Package filewatcher reports changes to a set of files, debounced, so the
// CLI can re-run a GraphQL document whenever it is saved.
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

const defaultDebounce = 300 * time.Millisecond

var ErrNoFiles = errors.New("filewatcher: no files to watch")

// FileWatcher watches files for changes
type FileWatcher struct {
	watcher     *fsnotify.Watcher
	files       []string
	watched     map[string]struct{}
	logger      *slog.Logger
	callbacks   []func(string)
	callbacksMu sync.RWMutex
	debounce    time.Duration
	changes     map[string]time.Time
	changesMu   sync.Mutex
	done        chan struct{}
	stopOnce    sync.Once
}

// New creates a new FileWatcher
func New(opts ...Option) (*FileWatcher, error) {
	fw := &FileWatcher{
		watched:  make(map[string]struct{}),
		logger:   slog.Default(),
		debounce: defaultDebounce,
		changes:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fw)
	}
	if len(fw.files) == 0 {
		return nil, ErrNoFiles
	}

	for _, f := range fw.files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("filewatcher: resolving %s: %w", f, err)
		}
		fw.watched[abs] = struct{}{}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fw.watcher = watcher
	return fw, nil
}

// AddCallback adds a callback to be called with the absolute path of a changed file.
func (fw *FileWatcher) AddCallback(callback func(string)) {
	fw.callbacksMu.Lock()
	defer fw.callbacksMu.Unlock()
	fw.callbacks = append(fw.callbacks, callback)
}

// Start starts watching for file changes
func (fw *FileWatcher) Start() error {
	dirs := make(map[string]struct{})
	for file := range fw.watched {
		dirs[filepath.Dir(file)] = struct{}{}
	}
	for dir := range dirs {
		fw.logger.Info("Watching directory", "dir", dir)
		if err := fw.watcher.Add(dir); err != nil {
			return fmt.Errorf("filewatcher: watching %s: %w", dir, err)
		}
	}

	go fw.watchLoop()
	return nil
}

// Stop stops watching for file changes. It is safe to call more than once.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.done)
		err = fw.watcher.Close()
	})
	return err
}

func (fw *FileWatcher) watchLoop() {
	ticker := time.NewTicker(fw.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Clean(event.Name)
			if _, ok := fw.watched[name]; ok {
				fw.changesMu.Lock()
				fw.changes[name] = time.Now()
				fw.changesMu.Unlock()
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("Watcher error", "error", err)
		case <-ticker.C:
			fw.processChanges()
		}
	}
}

// processChanges notifies about files that have been quiet for the debounce period.
func (fw *FileWatcher) processChanges() {
	fw.changesMu.Lock()
	var ready []string
	now := time.Now()
	for file, changeTime := range fw.changes {
		if now.Sub(changeTime) >= fw.debounce {
			ready = append(ready, file)
			delete(fw.changes, file)
		}
	}
	fw.changesMu.Unlock()

	for _, file := range ready {
		fw.logger.Info("File changed", "file", file)
		fw.notifyCallbacks(file)
	}
}

func (fw *FileWatcher) notifyCallbacks(file string) {
	fw.callbacksMu.RLock()
	defer fw.callbacksMu.RUnlock()

	for _, callback := range fw.callbacks {
		callback(file)
	}
}
