package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/SeleneOSv1/selene-os/internal/obslog"
)

// Snapshot is the immutable configuration view handed to a turn. Epoch
// increases on every successful reload so callers can detect a stale
// snapshot they cached across a turn boundary.
type Snapshot struct {
	App   AppConfig
	Epoch uint64
}

// Holder hot-reloads AppConfig from a YAML file via fsnotify and exposes
// the current value as an immutable Snapshot pointer.
//
// Grounded on ManuGH-xg2g's internal/config.ConfigHolder (atomic.Pointer
// snapshot + debounced fsnotify watch loop), trimmed to Selene's
// single-file reload case.
type Holder struct {
	epoch      atomic.Uint64
	snapshot   atomic.Pointer[Snapshot]
	path       string
	watcher    *fsnotify.Watcher
	log        zerolog.Logger
	reloadOpMu sync.Mutex
}

// NewHolder creates a Holder seeded with initial, without starting a
// watcher. Call StartWatcher to begin hot-reloading.
func NewHolder(initial AppConfig, path string) *Holder {
	h := &Holder{path: path, log: obslog.WithComponent("config")}
	h.swap(initial)
	return h
}

func (h *Holder) swap(cfg AppConfig) {
	snap := &Snapshot{App: cfg, Epoch: h.epoch.Add(1)}
	h.snapshot.Store(snap)
}

// Current returns the current immutable snapshot.
func (h *Holder) Current() Snapshot {
	s := h.snapshot.Load()
	if s == nil {
		return Snapshot{}
	}
	return *s
}

// Reload re-reads the config file, validates it, and only swaps the
// snapshot if validation succeeds — an invalid file never displaces a
// valid running configuration.
func (h *Holder) Reload(_ context.Context) error {
	h.reloadOpMu.Lock()
	defer h.reloadOpMu.Unlock()

	cfg, err := Load(h.path)
	if err != nil {
		h.log.Error().Err(err).Str("event", "config.reload_failed").Msg("config reload failed")
		return err
	}
	h.swap(cfg)
	h.log.Info().Str("event", "config.reload_success").Uint64("epoch", h.epoch.Load()).Msg("configuration reloaded")
	return nil
}

// StartWatcher begins watching the config file's directory for changes,
// debouncing bursts of writes (editors / atomic renames) into a single
// reload.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	h.watcher = watcher
	dir := filepath.Dir(h.path)
	file := filepath.Base(h.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config: watch dir %s: %w", dir, err)
	}
	go h.watchLoop(ctx, file)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, file string) {
	const debounce = 300 * time.Millisecond
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			_ = h.watcher.Close()
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := h.Reload(ctx); err != nil {
					h.log.Error().Err(err).Msg("automatic config reload failed")
				}
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.log.Error().Err(err).Msg("config watcher error")
		}
	}
}

// Stop closes the underlying watcher, if one was started.
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}
