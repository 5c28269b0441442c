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
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadHandler is called with the new configuration after a successful
// reload.
type ReloadHandler func(Config)

// Watcher reloads a config file when it changes on disk.
//
// # Description
//
// Watches the directory containing the config file (editors typically
// replace files via rename, so watching the file directly misses updates)
// and re-reads it after a short debounce window. A reload that fails to
// parse or validate is logged and dropped; subscribers only ever see
// configurations that passed Validate.
//
// # Thread Safety
//
// Safe for concurrent use. Handlers are called from a single goroutine.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	handlers []ReloadHandler

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the given config file path.
//
// Inputs:
//   - path: The YAML file to watch. Must load successfully at least once
//     before Start is called (callers normally Load first).
//   - logger: Logger for reload events. If nil, uses slog.Default().
//
// Outputs:
//   - *Watcher: The created watcher. Not started until Start is called.
//   - error: Non-nil if the underlying notifier cannot be created.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		path:     path,
		watcher:  fsw,
		logger:   logger.With(slog.String("component", "config_watcher")),
		debounce: 250 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Subscribe registers a handler for successful reloads.
func (w *Watcher) Subscribe(h ReloadHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start begins watching. Returns immediately; events are processed on a
// background goroutine until Stop is called.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go w.run()

	w.logger.Debug("config watcher started", slog.String("path", w.path))
	return nil
}

// Stop halts the watcher. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

func (w *Watcher) run() {
	var timer *time.Timer
	var timerCh <-chan time.Time

	target := filepath.Clean(w.path)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: editors emit bursts of events per save
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerCh = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", slog.Any("error", err))

		case <-timerCh:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected",
			slog.String("path", w.path),
			slog.Any("error", err),
		)
		return
	}

	w.logger.Info("config reloaded", slog.String("path", w.path))

	w.mu.Lock()
	handlers := make([]ReloadHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
}
