package notify

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// InboxWatcher watches the inbox directory and hands each drop to a
// callback. Files are consumed (removed) whether or not they parse.
type InboxWatcher struct {
	dir      string
	callback func(Drop)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// WatcherOption configures an InboxWatcher.
type WatcherOption func(*InboxWatcher)

func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *InboxWatcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewInboxWatcher creates a watcher for {dataPath}/inbox/.
func NewInboxWatcher(dataPath string, callback func(Drop), opts ...WatcherOption) *InboxWatcher {
	w := &InboxWatcher{
		dir:      filepath.Join(dataPath, "inbox"),
		callback: callback,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. Drops already sitting in the inbox are drained
// first, then new files arrive via filesystem events. Call Stop to clean up.
func (w *InboxWatcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return err
	}

	w.drainExisting()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return err
	}
	w.watcher = fsw

	go w.loop()
	w.logger.Info("watching inbox", "dir", w.dir)
	return nil
}

// Stop shuts down the watcher.
func (w *InboxWatcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	<-w.done
}

func (w *InboxWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(evt.Name, ".drop") {
				w.processFile(evt.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("inbox watcher error", "error", err)
		}
	}
}

func (w *InboxWatcher) drainExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".drop") {
			w.processFile(filepath.Join(w.dir, entry.Name()))
		}
	}
}

func (w *InboxWatcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // already consumed by another process
	}
	_ = os.Remove(path)

	var drop Drop
	if err := json.Unmarshal(data, &drop); err != nil {
		w.logger.Warn("invalid drop file", "file", filepath.Base(path), "error", err)
		return
	}
	if drop.TenantID == "" || strings.TrimSpace(drop.Content) == "" {
		w.logger.Warn("drop missing tenant or content", "file", filepath.Base(path))
		return
	}
	if w.callback != nil {
		w.callback(drop)
	}
}
