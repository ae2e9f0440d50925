package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/orizon-lang/memtrack/internal/vmtracker"
)

// LevelWatcher re-reads the config file when it changes and hands the parsed
// tracking level to an apply callback. Tracking can only be turned down after
// startup, never up; enforcing that is the callback's job (the tracker's
// LowerLevel rejects raises), the watcher only delivers parsed values.
type LevelWatcher struct {
	w      *fsnotify.Watcher
	logger log.Logger
	path   string
	apply  func(vmtracker.TrackingLevel)
	done   chan struct{}
}

// WatchLevel watches path for rewrites and calls apply with each newly
// parsed tracking level. The parent directory is watched so editors that
// replace the file by rename are still observed.
func WatchLevel(path string, logger log.Logger, apply func(vmtracker.TrackingLevel)) (*LevelWatcher, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, errors.Wrapf(err, "watch %s", filepath.Dir(path))
	}
	lw := &LevelWatcher{
		w:      w,
		logger: log.With(logger, "component", "config-watcher"),
		path:   path,
		apply:  apply,
		done:   make(chan struct{}),
	}
	go lw.loop()
	return lw, nil
}

func (lw *LevelWatcher) loop() {
	defer close(lw.done)
	for {
		select {
		case ev, ok := <-lw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(lw.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			lw.reload()
		case err, ok := <-lw.w.Errors:
			if !ok {
				return
			}
			level.Error(lw.logger).Log("msg", "watch error", "err", err)
		}
	}
}

// reload parses the rewritten file without layering defaults: a rewrite that
// does not explicitly set a level, including the empty intermediate state of
// a truncate-then-write, must never deliver one.
func (lw *LevelWatcher) reload() {
	var cfg Config
	if err := cfg.Load(lw.path); err != nil {
		level.Error(lw.logger).Log("msg", "ignoring config reload", "err", err)
		return
	}
	lvl, err := cfg.TrackingLevel()
	if err != nil {
		level.Error(lw.logger).Log("msg", "ignoring config reload", "err", err)
		return
	}
	level.Debug(lw.logger).Log("msg", "config reloaded", "level", lvl)
	lw.apply(lvl)
}

// Close stops watching and waits for the delivery loop to exit.
func (lw *LevelWatcher) Close() error {
	err := lw.w.Close()
	<-lw.done
	return err
}
