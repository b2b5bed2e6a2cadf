package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/evflow/evflow/logging"
	"github.com/evflow/evflow/utils"
)

// DefaultWatchDebounce is how long a burst of file events must settle before the file is reloaded.
const DefaultWatchDebounce = 100 * time.Millisecond

// Watcher reloads a configuration file into a live tree whenever the file changes on disk.
type Watcher struct {
	tree    *Tree
	path    string
	logger  logging.Logger
	fsw     *fsnotify.Watcher
	workers utils.StoppableWorkers
}

// NewWatcher starts watching path until ctx is done or Close is called. The parent directory is
// watched rather than the file itself so that editors replacing the file atomically are picked up.
func NewWatcher(ctx context.Context, tree *Tree, path string, debounceFor time.Duration, logger logging.Logger) (*Watcher, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher")
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "watching %s", path), fsw.Close())
	}
	if debounceFor <= 0 {
		debounceFor = DefaultWatchDebounce
	}

	w := &Watcher{tree: tree, path: path, logger: logger, fsw: fsw}
	w.workers = utils.NewStoppableWorkersWithContext(ctx, func(ctx context.Context) {
		w.watch(ctx, debounce.New(debounceFor))
	})
	return w, nil
}

func (w *Watcher) watch(ctx context.Context, debounced func(func())) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			debounced(w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("configuration watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) reload() {
	if w.workers.Context().Err() != nil {
		return
	}
	if err := w.tree.LoadFile(w.path); err != nil {
		w.logger.Errorw("failed to reload configuration, keeping previous values", "error", err)
		return
	}
	w.logger.Infow("configuration reloaded", "path", w.path)
}

// Close stops watching.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	w.workers.Stop()
	return err
}

