package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the
// fresh config to OnChange. The parent directory is watched so editors
// that replace the file via rename are still picked up.
type Watcher struct {
	path     string
	debounce time.Duration
	lastHash string
	onChange func(*Config)
}

// NewWatcher creates a watcher for path. current is the config already in
// use; reloads that hash identically to it are ignored.
func NewWatcher(path string, current *Config, onChange func(*Config)) *Watcher {
	w := &Watcher{
		path:     path,
		debounce: defaultReloadDebounce,
		onChange: onChange,
	}
	if current != nil {
		w.lastHash = current.Hash()
	}
	return w
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer fsw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	slog.Info("config watcher started", "path", abs)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != abs {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload failed, keeping current config", "error", err)
		return
	}
	hash := cfg.Hash()
	if hash == w.lastHash {
		slog.Debug("config unchanged, skipping reload")
		return
	}
	w.lastHash = hash
	slog.Info("config changed, reloading", "hash", hash)
	w.onChange(cfg)
}
