package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/arctic-cli/arctic/internal/config"
)

// ReloadDebounce coalesces bursts of file events from one save.
const ReloadDebounce = 150 * time.Millisecond

// WatchConfig reloads the supervisor's server set whenever cfg's file
// changes, then connects the servers whose config changed. It blocks until
// ctx is done.
func WatchConfig(ctx context.Context, cfg *config.Config, sup *Supervisor, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	return watchFile(ctx, cfg.Path(), logger, func() {
		if err := cfg.Reload(); err != nil {
			logger.Warn("config reload failed, keeping current servers", slog.String("error", err.Error()))
			return
		}
		servers, err := cfg.MCPServers()
		if err != nil {
			logger.Warn("config reload failed, keeping current servers", slog.String("error", err.Error()))
			return
		}
		changed := sup.Reload(servers)
		logger.Info("mcp config reloaded", slog.Int("servers", len(servers)), slog.Any("changed", changed))
		for _, name := range changed {
			if _, ok := servers[name]; ok {
				sup.Connect(ctx, name)
			}
		}
	})
}

// watchFile calls onChange, debounced, after writes to path. The parent
// directory is watched so atomic renames are seen.
func watchFile(ctx context.Context, path string, logger *slog.Logger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(path)
	filename := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config directory %s: %w", dir, err)
	}
	logger.Debug("watching config file", slog.String("path", path))

	var (
		timer   *time.Timer
		timerMu sync.Mutex
	)
	trigger := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(ReloadDebounce, onChange)
	}

	for {
		select {
		case <-ctx.Done():
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timerMu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				logger.Debug("config file event", slog.String("path", event.Name), slog.String("op", event.Op.String()))
				trigger()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
