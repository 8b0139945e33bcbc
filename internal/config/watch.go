package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/warpdl/swdriver/pkg/logger"
)

// Watch calls fn each time the file at path is written or replaced,
// until ctx is done. The parent directory is watched so editors that
// save through a rename are still seen.
func Watch(ctx context.Context, path string, l logger.Logger, fn func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					fn()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.Warning("config watch: %v", err)
			}
		}
	}()
	return nil
}
