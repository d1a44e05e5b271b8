package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the configuration file whenever it changes and passes every valid
// result to onChange. The directory is watched so editors that replace the file by
// rename are seen too. Watch blocks until ctx is done.
func Watch(ctx context.Context, configPath string, logger *slog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	logger.Info("Watching configuration file", slog.String("path", absPath))

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error", slog.Any("error", err))

		case <-debounce:
			debounce = nil
			cfg, err := Load(absPath)
			if err != nil {
				logger.Error("Failed to reload configuration", slog.Any("error", err))
				continue
			}
			if err := cfg.Validate(); err != nil {
				logger.Error("Reloaded configuration is invalid, keeping previous", slog.Any("error", err))
				continue
			}
			logger.Info("Configuration reloaded", slog.String("path", absPath))
			onChange(cfg)
		}
	}
}
