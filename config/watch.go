package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wippyai/psimon/errors"
)

const defaultDebounce = 100 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes the result to
// reload. A file that fails to load is reported with a nil Config. Bursts of
// writes within the debounce period produce one reload. Watch blocks until
// ctx is done and returns nil, or returns the watcher's error.
//
// The parent directory is watched rather than the file itself so editors that
// replace the file by rename keep being observed.
func Watch(ctx context.Context, path string, log *zap.Logger, reload func(*Config, error)) error {
	if log == nil {
		log = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindKernel, err, "create watcher")
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "resolve path")
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return errors.New(errors.PhaseConfig, errors.KindKernel).
			Op("watch").
			Path(filepath.Dir(abs)).
			Cause(err).
			Build()
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			log.Debug("config changed", zap.String("path", abs), zap.Stringer("op", ev.Op))
			timer.Reset(defaultDebounce)

		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				log.Warn("config reload failed", zap.String("path", abs), zap.Error(err))
			}
			reload(cfg, err)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return errors.Wrap(errors.PhaseConfig, errors.KindKernel, err, "watch config")
		}
	}
}
