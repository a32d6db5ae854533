package retrain

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DataWatcher calls onChange once a watched file has stopped changing for the
// debounce period.
type DataWatcher struct {
	files    map[string]struct{}
	debounce time.Duration
	onChange func()
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
}

// NewDataWatcher watches the directories holding paths. Directories are watched
// instead of the files so replacements by rename are seen too.
func NewDataWatcher(paths []string, debounce time.Duration, onChange func(), logger *zap.Logger) (*DataWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dw := &DataWatcher{
		files:    make(map[string]struct{}),
		debounce: debounce,
		onChange: onChange,
		watcher:  w,
		logger:   logger,
	}
	dirs := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			w.Close()
			return nil, err
		}
		dw.files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, err
		}
	}
	return dw, nil
}

// Run dispatches events until ctx is done, then closes the watcher.
func (dw *DataWatcher) Run(ctx context.Context) error {
	defer dw.watcher.Close()

	timer := time.NewTimer(dw.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if _, watched := dw.files[abs]; !watched {
				continue
			}
			dw.logger.Debug("dataset changed", zap.String("file", abs), zap.String("op", event.Op.String()))
			// Reset discards a pending expiry since go1.23
			timer.Reset(dw.debounce)
		case <-timer.C:
			dw.logger.Info("dataset files changed, triggering retrain")
			dw.onChange()
		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return nil
			}
			dw.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}
