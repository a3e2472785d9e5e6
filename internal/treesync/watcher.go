package treesync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher runs SyncOnce whenever the mirror directory changes, coalescing
// bursts of filesystem events into a single sync.
type Watcher struct {
	syncer   *Syncer
	debounce time.Duration
}

func NewWatcher(syncer *Syncer, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		syncer:   syncer,
		debounce: debounce,
	}
}

// Run blocks until ctx is cancelled. An initial sync happens before the
// first filesystem event.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsWatcher.Close()

	if err := w.watchTree(fsWatcher); err != nil {
		return err
	}
	if err := w.syncer.SyncOnce(ctx); err != nil {
		w.syncer.logger.Error().Err(err).Msg("initial sync failed")
	}
	// Mirroring creates directories; watch them too.
	if err := w.watchTree(fsWatcher); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if w.ignoreEvent(event) {
				continue
			}
			if event.Op.Has(fsnotify.Create) {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					_ = fsWatcher.Add(event.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.syncer.logger.Warn().Err(err).Msg("watch error")
		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.syncer.SyncOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.syncer.logger.Error().Err(err).Msg("sync failed")
			}
			if err := w.watchTree(fsWatcher); err != nil {
				w.syncer.logger.Warn().Err(err).Msg("rescan watch targets failed")
			}
		}
	}
}

func (w *Watcher) watchTree(fsWatcher *fsnotify.Watcher) error {
	return filepath.WalkDir(w.syncer.localRoot, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		return fsWatcher.Add(path)
	})
}

func (w *Watcher) ignoreEvent(event fsnotify.Event) bool {
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") && strings.Contains(base, ".tmp-") {
		return true
	}
	stateAbs, err := filepath.Abs(w.syncer.stateFile)
	if err != nil {
		return false
	}
	eventAbs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return eventAbs == stateAbs
}
