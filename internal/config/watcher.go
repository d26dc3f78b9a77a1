package config

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Watcher polls a config file and hands every changed version to apply.
type Watcher struct {
	path     string
	apply    func(map[string]any) error
	interval time.Duration
	logger   *slog.Logger
	lastMod  time.Time
}

// NewWatcher starts from the file's current mtime, so only later edits
// trigger a reload.
func NewWatcher(path string, apply func(map[string]any) error, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		path:     path,
		apply:    apply,
		interval: 5 * time.Second,
		logger:   logger,
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

func (w *Watcher) SetInterval(d time.Duration) {
	if d > 0 {
		w.interval = d
	}
}

func (w *Watcher) Watch(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				w.logger.Warn("config stat failed", "path", w.path, "error", err)
				continue
			}

			if !info.ModTime().After(w.lastMod) {
				continue
			}

			w.lastMod = info.ModTime()

			m, err := Load(w.path)
			if err != nil {
				w.logger.Error("config reload failed", "path", w.path, "error", err)
				continue
			}

			if err := w.apply(m); err != nil {
				w.logger.Error("config apply failed", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path)
		}
	}
}
