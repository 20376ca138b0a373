package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"crewsim/server/internal/telemetry"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the config file on change and hands each successful reload
// to onChange. It returns once the watcher is registered; delivery happens on
// a background goroutine until ctx is canceled.
func Watch(ctx context.Context, path string, logger telemetry.Logger, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace files on save, which drops
	// per-file watches.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		reload := func() {
			cfg, err := Load(path)
			if err != nil {
				if logger != nil {
					logger.Printf("config reload failed: %v", err)
				}
				return
			}
			onChange(cfg)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(reloadDebounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Printf("config watcher error: %v", err)
				}
			}
		}
	}()
	return nil
}
