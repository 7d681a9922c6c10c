package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/feed"
)

// Watcher calls onChange whenever a feed file in dir is created, written,
// removed or renamed.
type Watcher struct {
	dir      string
	fsw      *fsnotify.Watcher
	onChange func()
	logger   *slog.Logger
}

// NewWatcher starts watching dir.
func NewWatcher(dir string, onChange func(), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:      dir,
		fsw:      fsw,
		onChange: onChange,
		logger:   logging.OrDefault(logger),
	}, nil
}

// Run delivers events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watching feed directory", slog.String("dir", w.dir))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			w.logger.Debug("feed file changed", logging.FeedFile(ev.Name), slog.String("op", ev.Op.String()))
			w.onChange()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("feed watcher error", logging.Error(err))
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// relevant filters out directories, dotfiles, non-.yml names and chmod-only
// events.
func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	if !feed.IsFeedFile(ev.Name) {
		return false
	}
	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		return false
	}
	return true
}
