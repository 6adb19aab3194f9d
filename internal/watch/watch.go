// Package watch re-plans when new frames land under the watched roots.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"flatmaster/internal/fsutil"
)

const defaultDebounce = 2 * time.Second

// TriggerFunc is called once per quiet period with the frames that changed.
type TriggerFunc func(ctx context.Context, changed []string)

// Options configures a Watcher.
type Options struct {
	Roots    []string
	SkipDirs []string
	Debounce time.Duration
}

// Watcher monitors directory trees and batches frame changes.
type Watcher struct {
	fsw      *fsnotify.Watcher
	roots    []string
	skip     fsutil.SkipSet
	debounce time.Duration
	log      *slog.Logger
	trigger  TriggerFunc
}

// New creates a watcher. Call Run to start it.
func New(opts Options, logger *slog.Logger, trigger TriggerFunc) (*Watcher, error) {
	if len(opts.Roots) == 0 {
		return nil, errors.New("watch: no roots given")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:      fsw,
		roots:    opts.Roots,
		skip:     fsutil.NewSkipSet(opts.SkipDirs...),
		debounce: opts.Debounce,
		log:      logger,
		trigger:  trigger,
	}, nil
}

// Run adds every root recursively and processes events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	for _, root := range w.roots {
		if err := w.addTree(root); err != nil {
			return err
		}
	}

	pending := map[string]struct{}{}
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.handle(event, pending) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			clear(pending)
			w.log.Info("frames changed", "count", len(changed))
			if w.trigger != nil {
				w.trigger(ctx, changed)
			}
		}
	}
}

// handle records a relevant event and reports whether the debounce timer
// should restart.
func (w *Watcher) handle(event fsnotify.Event, pending map[string]struct{}) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if w.skip.Skip(filepath.Base(event.Name)) {
				return false
			}
			if err := w.addTree(event.Name); err != nil {
				w.log.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
			return false
		}
	}
	if !fsutil.IsFrameFile(event.Name) || fsutil.IsMasterFlat(event.Name) {
		return false
	}
	pending[event.Name] = struct{}{}
	return true
}

// addTree watches dir and every non-pruned directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.log.Warn("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.skip.Skip(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return err
		}
		w.log.Debug("watching directory", "path", path)
		return nil
	})
}
