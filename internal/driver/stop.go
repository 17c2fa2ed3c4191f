package driver

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/snajpa/rllm/internal/logging"
)

// StopFileName is the file whose presence in the state directory asks a
// running port to stop after the current commit.
const StopFileName = "STOP"

// StopWatcher reports whether a STOP file exists in the state directory.
// Creating the file requests a stop; removing it before the driver checks
// withdraws the request. A nil StopWatcher never requests a stop.
type StopWatcher struct {
	path      string
	watcher   *fsnotify.Watcher
	requested atomic.Bool
	logger    *logging.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// WatchStop starts watching stateDir, creating it when needed.
func WatchStop(stateDir string, logger *logging.Logger) (*StopWatcher, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(stateDir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	w := &StopWatcher{
		path:    filepath.Join(stateDir, StopFileName),
		watcher: watcher,
		logger:  logging.OrNop(logger),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if _, err := os.Stat(w.path); err == nil {
		w.requested.Store(true)
		w.logger.Warn("stop file present at start", "path", w.path)
	}
	go w.watchLoop()
	return w, nil
}

// Path returns the watched STOP file path.
func (w *StopWatcher) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// Requested reports whether a stop has been requested.
func (w *StopWatcher) Requested() bool {
	return w != nil && w.requested.Load()
}

// Close stops watching. It is safe to call more than once.
func (w *StopWatcher) Close() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
		<-w.done
	})
}

func (w *StopWatcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if !w.requested.Swap(true) {
					w.logger.Warn("stop requested", "path", w.path)
				}
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if w.requested.Swap(false) {
					w.logger.Info("stop request withdrawn", "path", w.path)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("stop file watch error", "error", err)
		}
	}
}
