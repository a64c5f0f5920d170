// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/soraflow/dispatcher/internal/dispatcherlog"
	"github.com/soraflow/dispatcher/internal/model"
)

// DefaultsWatcher lets an operator seed non-secret SystemSettings defaults
// (poll intervals, quality-rule tables) from an on-disk YAML file, re-merged
// on every write without a DB round trip or process restart.
type DefaultsWatcher struct {
	path    string
	current atomic.Pointer[model.SystemSettings]
	mu      sync.Mutex
}

func NewDefaultsWatcher(path string) *DefaultsWatcher {
	w := &DefaultsWatcher{path: path}
	w.reload()
	return w
}

// Current returns the last successfully parsed overlay, or nil if none has
// loaded yet (the zero-value means "use the compiled-in defaults").
func (w *DefaultsWatcher) Current() *model.SystemSettings {
	return w.current.Load()
}

func (w *DefaultsWatcher) reload() {
	if w.path == "" {
		return
	}
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	var parsed model.SystemSettings
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		dispatcherlog.WithComponent("config").Warn().Err(err).Str("path", w.path).Msg("defaults overlay parse failed, keeping previous")
		return
	}
	w.current.Store(&parsed)
}

// Watch blocks (in its own goroutine, per caller) reloading on every write
// event until ctx is canceled. A missing path is a no-op, not an error —
// the overlay file is optional.
func (w *DefaultsWatcher) Watch(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		dispatcherlog.WithComponent("config").Warn().Err(err).Str("path", w.path).Msg("defaults overlay watch unavailable")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.mu.Lock()
				w.reload()
				w.mu.Unlock()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			dispatcherlog.WithComponent("config").Warn().Err(err).Msg("defaults overlay watch error")
		}
	}
}
