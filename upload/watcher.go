package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// DropWatcher turns a watched directory into an attachment intake: files
// created there become upload candidates. It is the terminal counterpart
// of a file picker.
type DropWatcher struct {
	watcher *fsnotify.Watcher
	files   chan string
}

// WatchDir starts watching dir. The watcher stops when ctx is cancelled or
// Close is called.
func WatchDir(ctx context.Context, dir string) (*DropWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch drop directory: %w", err)
	}

	w := &DropWatcher{
		watcher: watcher,
		files:   make(chan string, 16),
	}
	go w.run(ctx)

	slog.Info("Watching drop directory", "path", dir)
	return w, nil
}

// Files delivers the paths of newly dropped files. The channel closes when
// the watcher stops.
func (w *DropWatcher) Files() <-chan string {
	return w.files
}

// Close stops the watcher.
func (w *DropWatcher) Close() error {
	return w.watcher.Close()
}

func (w *DropWatcher) run(ctx context.Context) {
	defer close(w.files)
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if err := w.handleEvent(event); err != nil {
				slog.Error("Failed to handle drop event", "error", err, "event", event)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Drop watcher error", "error", err)
		}
	}
}

func (w *DropWatcher) handleEvent(event fsnotify.Event) error {
	// Skip temporary files and non-create events
	if strings.HasSuffix(event.Name, ".tmp") || event.Op != fsnotify.Create {
		return nil
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return fmt.Errorf("failed to stat dropped file: %w", err)
	}
	if info.IsDir() {
		return nil
	}

	select {
	case w.files <- event.Name:
		slog.Info("Dropped file queued as attachment candidate", "path", event.Name)
	default:
		slog.Warn("Drop queue full, ignoring file", "path", event.Name)
	}
	return nil
}
