// SPDX-License-Identifier: MIT

package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/log"
)

// Provider yields the current catalog. Consumers call Current per lookup so
// manifest reloads take effect without restarts.
type Provider interface {
	Current() *Catalog
}

// Static wraps a fixed catalog.
type Static struct{ C *Catalog }

// Current returns the wrapped catalog.
func (s Static) Current() *Catalog { return s.C }

// Holder holds a catalog with atomic reloading from the manifest file.
// A failed reload keeps the previous catalog.
type Holder struct {
	mu           sync.RWMutex
	current      *Catalog
	manifestPath string
	watcher      *fsnotify.Watcher
	logger       zerolog.Logger
}

// NewHolder loads the manifest once and returns a reloadable holder.
func NewHolder(manifestPath string) (*Holder, error) {
	c, err := Load(manifestPath)
	if err != nil {
		return nil, err
	}
	return &Holder{
		current:      c,
		manifestPath: manifestPath,
		logger:       log.WithComponent("catalog"),
	}, nil
}

// Current returns the active catalog (thread-safe read).
func (h *Holder) Current() *Catalog {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the manifest and swaps the catalog atomically.
// If parsing or validation fails, the old catalog is kept.
func (h *Holder) Reload() error {
	newCat, err := Load(h.manifestPath)
	if err != nil {
		h.logger.Error().Err(err).
			Str("event", "catalog.reload_failed").
			Str("path", h.manifestPath).
			Msg("manifest reload failed, keeping previous catalog")
		return fmt.Errorf("reload manifest: %w", err)
	}

	h.mu.Lock()
	old := h.current
	h.current = newCat
	h.mu.Unlock()

	h.logger.Info().
		Str("event", "catalog.reloaded").
		Int("engines_before", len(old.engines)).
		Int("engines_after", len(newCat.engines)).
		Msg("engine manifest reloaded")
	return nil
}

// StartWatcher watches the manifest file and reloads on change.
func (h *Holder) StartWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher

	if err := watcher.Add(h.manifestPath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch manifest: %w", err)
	}

	h.logger.Info().
		Str("event", "catalog.watcher_started").
		Str("path", h.manifestPath).
		Msg("watching engine manifest for changes")

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	// Debounce to avoid multiple reloads for rapid file changes.
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("event", "catalog.watcher_stopped").Msg("manifest watcher stopped")
			if h.watcher != nil {
				_ = h.watcher.Close()
			}
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			// Write and Create cover editors that replace the file.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					_ = h.Reload()
				})
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).
				Str("event", "catalog.watcher_error").
				Msg("manifest watcher error")
		}
	}
}

// Stop stops the manifest watcher (if running).
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}
