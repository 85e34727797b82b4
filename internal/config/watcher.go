package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config files when they change on disk and hands the
// merged result to a callback.
type Watcher struct {
	globalPath  string
	projectPath string
	base        func() *Config
	onChange    func(*Config)
	logger      *slog.Logger
	debounce    time.Duration
}

// NewWatcher creates a watcher over the global and project config paths.
// base supplies a fresh starting point for each reload (typically the defaults
// merged with the persisted scheduler config).
func NewWatcher(globalPath, projectPath string, base func() *Config, onChange func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if base == nil {
		base = DefaultConfig
	}
	return &Watcher{
		globalPath:  globalPath,
		projectPath: projectPath,
		base:        base,
		onChange:    onChange,
		logger:      logger,
		debounce:    200 * time.Millisecond,
	}
}

// Start begins watching in a background goroutine until ctx is cancelled.
// Directories are watched rather than files so that atomic renames are seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fs watcher: %w", err)
	}

	watched := map[string]bool{}
	for _, p := range []string{w.globalPath, w.projectPath} {
		if p == "" {
			continue
		}
		dir := filepath.Dir(p)
		if watched[dir] {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			w.logger.Debug("config directory not watched", "dir", dir, "error", err)
			continue
		}
		watched[dir] = true
	}

	go func() {
		defer fsw.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !w.relevant(ev) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(w.debounce)
				} else {
					timer.Reset(w.debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				w.reload()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Clean(ev.Name)
	return (w.globalPath != "" && name == filepath.Clean(w.globalPath)) ||
		(w.projectPath != "" && name == filepath.Clean(w.projectPath))
}

func (w *Watcher) reload() {
	cfg, err := LoadOnto(w.base(), w.globalPath, w.projectPath)
	if err != nil {
		w.logger.Warn("config reload rejected", "error", err)
		return
	}
	w.logger.Info("config reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
