// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce batches the burst of events an editor save produces.
const DefaultDebounce = 200 * time.Millisecond

// Watcher hot-reloads a Store when its rules or templates file changes.
//
// Description:
//
//	Watches the account directory rather than the files themselves so that
//	editors which replace a file by rename are still seen. Events are
//	debounced per file.
//
// Thread Safety: Start and Stop are safe to call from any goroutine.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watcher for store's files.
//
// Inputs:
//
//	store - Store opened with OpenStore. Must not be nil.
//	debounce - Quiet period before reloading. Zero uses DefaultDebounce.
//	logger - May be nil.
func NewWatcher(store *Store, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("NewWatcher: store must not be nil")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("NewWatcher: %w", err)
	}
	return &Watcher{
		store:    store,
		watcher:  fw,
		debounce: debounce,
		logger:   logger,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Start begins watching. It returns once the directories are registered.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	dirs := make(map[string]struct{})
	for _, p := range []string{w.store.RulesPath(), w.store.TemplatesPath()} {
		if p != "" {
			dirs[filepath.Dir(p)] = struct{}{}
		}
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("Watcher.Start: watch %s: %w", dir, err)
		}
	}

	w.running = true
	go w.loop(ctx)
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		running := w.running
		w.mu.Unlock()
		if running {
			<-w.stopped
		}
		_ = w.watcher.Close()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.stopped)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Clean(ev.Name)
			if name == filepath.Clean(w.store.RulesPath()) || name == filepath.Clean(w.store.TemplatesPath()) {
				pending[name] = time.Now()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		case now := <-ticker.C:
			for name, at := range pending {
				if now.Sub(at) < w.debounce {
					continue
				}
				delete(pending, name)
				w.reload(ctx, name)
			}
		}
	}
}

func (w *Watcher) reload(ctx context.Context, name string) {
	var err error
	switch name {
	case filepath.Clean(w.store.RulesPath()):
		err = w.store.ReloadRules(ctx)
	case filepath.Clean(w.store.TemplatesPath()):
		err = w.store.ReloadTemplates(ctx)
	}
	if err == nil {
		w.logger.Info("config reloaded", slog.String("path", name))
	}
}
