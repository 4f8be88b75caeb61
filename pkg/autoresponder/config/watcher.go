package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
)

// Holder publishes the current configuration. Readers take one snapshot
// and use it for a whole processing cycle; writers swap in a new value.
type Holder struct {
	cur atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewHolder creates a holder with an initial value.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.cur.Store(cfg)
	return h
}

// Snapshot returns the current configuration. The value must be treated
// as read-only.
func (h *Holder) Snapshot() *Config { return h.cur.Load() }

// Store replaces the configuration and notifies listeners.
func (h *Holder) Store(cfg *Config) {
	h.cur.Store(cfg)
	h.mu.Lock()
	ls := append([]func(*Config){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range ls {
		fn(cfg)
	}
}

// Update applies fn to a copy of the current configuration, validates it
// and stores it.
func (h *Holder) Update(fn func(*Config)) error {
	next := h.Snapshot().Clone()
	fn(next)
	if err := next.Validate(); err != nil {
		return err
	}
	h.Store(next)
	return nil
}

// OnChange registers a listener called after every Store.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Watcher reloads a config file when its content changes.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	logger   *slog.Logger
	lastHash uint64
}

// NewWatcher creates a watcher for path. onChange receives every valid new
// configuration; invalid edits are logged and ignored.
func NewWatcher(path string, debounce time.Duration, onChange func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		onChange: onChange,
		logger:   logger.With("component", "config"),
	}
}

// Start watches until ctx is cancelled. The parent directory is watched so
// that editors replacing the file by rename are seen.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", w.path, err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	if data, err := os.ReadFile(abs); err == nil {
		w.lastHash = xxhash.Sum64(data)
	}
	w.logger.Info("config: watching for changes", "path", abs)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config: watcher error", "error", err)
		case <-timer.C:
			w.reload(abs)
		}
	}
}

func (w *Watcher) reload(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("config: reading changed file failed", "error", err)
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		// Truncated mid-write; the next event carries the content.
		return
	}
	h := xxhash.Sum64(data)
	if h == w.lastHash {
		return
	}
	cfg, err := Load(path)
	if err != nil {
		w.logger.Error("config: ignoring invalid change", "error", err)
		return
	}
	w.lastHash = h
	w.logger.Info("config: reloaded", "path", path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
