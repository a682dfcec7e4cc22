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
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the bursts of events editors produce.
const DefaultWatchDebounce = 100 * time.Millisecond

// Watch reloads path whenever it changes and passes each valid result to fn.
//
// # Description
//
// The parent directory is watched so that editors which replace the file
// by rename are followed. Events are debounced. A reload that fails to
// parse or validate is logged and skipped; fn only ever sees valid
// configurations. fn runs on the watcher goroutine.
//
// # Outputs
//
//   - <-chan struct{}: Closed after ctx is cancelled and the watcher exits.
//   - error: Non-nil if the watcher cannot be started.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func(Config)) (<-chan struct{}, error) {
	return watch(ctx, path, DefaultWatchDebounce, logger, fn)
}

func watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, fn func(Config)) (<-chan struct{}, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer w.Close()

		// fire is nil while no reload is pending.
		var fire <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				fire = time.After(debounce)

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", slog.String("error", err.Error()))

			case <-fire:
				fire = nil
				cfg, err := Load(abs)
				if err != nil {
					logger.Warn("config reload rejected",
						slog.String("path", abs),
						slog.String("error", err.Error()))
					continue
				}
				logger.Info("config reloaded", slog.String("path", abs))
				fn(cfg)
			}
		}
	}()
	return done, nil
}
