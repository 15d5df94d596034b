package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/odvcencio/guardrail/pkg/limits"
	"github.com/odvcencio/guardrail/pkg/logging"
	"github.com/odvcencio/guardrail/pkg/telemetry"
)

const reloadDebounce = 100 * time.Millisecond

// Manager holds the active configuration. Each snapshot is immutable;
// Reload swaps in a new one so in-flight requests keep the values they
// started with.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	logger  *logging.Logger
	hub     *telemetry.Hub

	mu       sync.Mutex
	onReload []func(*Config)
	debounce *time.Timer
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithLogger logs reloads.
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithHub publishes reload events.
func WithHub(h *telemetry.Hub) ManagerOption {
	return func(m *Manager) { m.hub = h }
}

// NewManager wraps an already loaded cfg. path is the file Reload and Watch
// read; empty means the default locations.
func NewManager(cfg *Config, path string, opts ...ManagerOption) *Manager {
	m := &Manager{path: path}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.current.Store(cfg)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the active snapshot. Callers must not modify it.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Limits returns the active default limits by value.
func (m *Manager) Limits() limits.ExecutionLimits {
	return m.Current().ExecutionLimits()
}

// DebugMode reports whether debug traces are on by default.
func (m *Manager) DebugMode() bool {
	return m.Current().Limits.DebugMode
}

// OnReload registers fn to run after each successful reload.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// Reload reads the configuration again. On error the active snapshot is
// kept.
func (m *Manager) Reload() error {
	var (
		cfg *Config
		err error
	)
	if m.path != "" {
		cfg, err = LoadFromPath(m.path)
	} else {
		cfg, err = Load()
	}
	if err != nil {
		m.logger.Warn(logging.CategoryConfig, "reload_failed", err.Error(), map[string]any{"path": m.watchPath()})
		m.hub.Publish(telemetry.Event{Type: telemetry.EventConfigReloadError, Data: map[string]any{"error": err.Error()}})
		return err
	}
	m.current.Store(cfg)

	m.mu.Lock()
	hooks := append([]func(*Config){}, m.onReload...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(cfg)
	}

	lim := cfg.ExecutionLimits()
	m.logger.Info(logging.CategoryConfig, "reloaded", "configuration reloaded", map[string]any{
		"path":        m.watchPath(),
		"max_rows":    lim.MaxRows,
		"max_columns": lim.MaxColumns,
		"max_elapsed": lim.MaxElapsed.String(),
		"debug_mode":  cfg.Limits.DebugMode,
	})
	m.hub.Publish(telemetry.Event{Type: telemetry.EventConfigReloaded, Data: map[string]any{"path": m.watchPath()}})
	return nil
}

func (m *Manager) watchPath() string {
	if m.path != "" {
		return expandHomeDir(m.path)
	}
	return ProjectConfigPath()
}

// Watch reloads whenever the configuration file changes, until ctx is
// done. The file's directory is watched so editors that replace the file
// are seen too.
func (m *Manager) Watch(ctx context.Context) error {
	target, err := filepath.Abs(m.watchPath())
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			m.stopDebounce()
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				m.scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn(logging.CategoryConfig, "watch_error", err.Error(), nil)
		}
	}
}

func (m *Manager) scheduleReload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.debounce = time.AfterFunc(reloadDebounce, func() {
		_ = m.Reload()
	})
}

func (m *Manager) stopDebounce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debounce != nil {
		m.debounce.Stop()
	}
}
