package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/abakedjoetato/killfeed/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// Change reports that a watched path was written, created, removed or renamed.
type Change struct {
	Path string
	Op   fsnotify.Op
}

// Watcher turns filesystem notifications into change signals for watched
// files and directories. Files are watched through their parent directory so
// that a rotated (removed and recreated) file keeps producing signals.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	mu    sync.RWMutex
	files map[string]struct{}
	dirs  map[string]struct{}

	changes chan Change
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a new Watcher instance
func NewWatcher(logger *logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		watcher: fw,
		logger:  logger.WithComponent("watcher"),
		files:   make(map[string]struct{}),
		dirs:    make(map[string]struct{}),
		changes: make(chan Change, 256),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Add watches a file or a directory. A directory signals for every entry in it.
func (w *Watcher) Add(path string) error {
	path = filepath.Clean(path)

	info, err := os.Stat(path)
	isDir := err == nil && info.IsDir()

	dir := path
	if !isDir {
		dir = filepath.Dir(path)
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.mu.Lock()
	if isDir {
		w.dirs[path] = struct{}{}
	} else {
		w.files[path] = struct{}{}
	}
	w.mu.Unlock()

	w.logger.Debug().Str("path", path).Bool("dir", isDir).Msg("Watching path")
	return nil
}

// Start starts watching for file events
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.watchLoop()
}

// Stop stops the watcher and closes the change channel.
func (w *Watcher) Stop() {
	w.cancel()
	w.watcher.Close()
	w.wg.Wait()
	close(w.changes)
}

// Changes returns the channel of change signals. Signals are coalesced: if
// the consumer falls behind, extra signals are dropped.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// watchLoop watches for file events
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("File watcher error")

		case <-w.ctx.Done():
			return
		}
	}
}

// handleEvent handles file system events
func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if !w.interested(path) {
		return
	}

	switch {
	case event.Op&fsnotify.Write == fsnotify.Write:
		w.logger.Debug().Str("path", path).Msg("File write event")
	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		w.logger.Info().Str("path", path).Msg("File rotation detected")
	case event.Op&fsnotify.Create == fsnotify.Create:
		w.logger.Info().Str("path", path).Msg("File created")
	default:
		return
	}

	select {
	case w.changes <- Change{Path: path, Op: event.Op}:
	default:
	}
}

func (w *Watcher) interested(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if _, ok := w.files[path]; ok {
		return true
	}
	_, ok := w.dirs[filepath.Dir(path)]
	return ok
}
