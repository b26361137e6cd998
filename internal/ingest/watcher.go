package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is used when WatchConfig.Debounce is not positive.
const DefaultDebounce = 2 * time.Second

// WatchConfig tunes Watch.
type WatchConfig struct {
	InitialScan bool          // ingest files already present before watching
	Debounce    time.Duration // quiet period between the size checks of a written file
}

// fileState is what a stability check compares between two quiet periods.
type fileState struct {
	size    int64
	modTime time.Time
}

func (s fileState) same(o fileState) bool {
	return s.size == o.size && s.modTime.Equal(o.modTime)
}

// Watch ingests imagery as it appears under Root until ctx ends. A file is ingested once
// it has produced no events for a debounce period and its size and mtime are unchanged
// after a second one, so a slow copy is not picked up half written. New subdirectories
// are watched as they are created. Per-file failures are logged and do not stop the loop.
func (i *Ingestor) Watch(ctx context.Context, cfg WatchConfig) error {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		i.logger.Error("failed to create fsnotify watcher", "error", err)
		return err
	}
	defer w.Close()

	if err := i.addTree(w, i.cfg.Root); err != nil {
		i.logger.Error("failed to watch root", "root", i.cfg.Root, "error", err)
		return err
	}
	if cfg.InitialScan {
		if _, _, err := i.IngestDirectory(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	i.logger.Info("ingest watcher started", "root", i.cfg.Root, "debounce", cfg.Debounce)

	ready := make(chan string, 256)
	timers := map[string]*time.Timer{}
	seen := map[string]fileState{}
	schedule := func(path string) {
		if t, ok := timers[path]; ok {
			t.Stop()
		}
		timers[path] = time.AfterFunc(cfg.Debounce, func() {
			select {
			case ready <- path:
			case <-ctx.Done():
			}
		})
	}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			i.logger.Info("ingest watcher stopped", "root", i.cfg.Root)
			return nil
		case path := <-ready:
			delete(timers, path)
			fi, err := os.Stat(path)
			if err != nil {
				delete(seen, path)
				i.logger.Debug("ingest.file.gone", "path", path, "error", err)
				continue
			}
			cur := fileState{size: fi.Size(), modTime: fi.ModTime()}
			if prev, ok := seen[path]; !ok || !prev.same(cur) {
				seen[path] = cur
				schedule(path)
				continue
			}
			delete(seen, path)
			i.handle(ctx, path)
		case e, ok := <-w.Events:
			if !ok {
				return nil
			}
			if e.Has(fsnotify.Create) {
				if fi, err := os.Stat(e.Name); err == nil && fi.IsDir() {
					if err := i.addTree(w, e.Name); err != nil {
						i.logger.Warn("failed to watch new directory", "path", e.Name, "error", err)
					}
					continue
				}
			}
			if !AllowedExt(filepath.Ext(e.Name)) || (i.cfg.SkipHidden && IsHidden(e.Name)) {
				continue
			}
			if e.Has(fsnotify.Create) || e.Has(fsnotify.Write) {
				delete(seen, e.Name)
				schedule(e.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			i.logger.Error("watcher error", "error", err)
		}
	}
}

func (i *Ingestor) handle(ctx context.Context, path string) {
	if _, err := i.IngestPath(ctx, path); err != nil {
		i.logger.Warn("ingest.file.failed", "path", path, "error", err)
	}
}

func (i *Ingestor) addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		if i.cfg.SkipHidden && path != i.cfg.Root && IsHidden(path) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
