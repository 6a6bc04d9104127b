package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces editor write bursts into one reload.
const debounceWindow = 300 * time.Millisecond

// Watch re-loads the YAML file at path whenever it changes and calls onChange
// with the fresh configuration. Environment overrides are re-applied on every
// reload so they keep precedence. Watch blocks until ctx is cancelled.
//
// The parent directory is watched, not the file itself: editors that replace
// the file (rename + create) would otherwise drop the watch.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)

		case <-reload:
			cfg := Default()
			if err := cfg.loadFile(path); err != nil {
				logger.Warn("config reload failed", "path", path, "error", err)
				continue
			}
			if err := cfg.applyEnv(); err != nil {
				logger.Warn("config reload failed", "path", path, "error", err)
				continue
			}
			if err := cfg.validate(); err != nil {
				logger.Warn("config reload rejected", "path", path, "error", err)
				continue
			}
			logger.Info("configuration reloaded", "path", path)
			onChange(cfg)
		}
	}
}
