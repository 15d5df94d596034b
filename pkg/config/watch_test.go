package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/guardrail/pkg/telemetry"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestManagerReloadSwapsSnapshot(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "limits:\n  max_rows: 10\n")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	m := NewManager(cfg, path)
	before := m.Limits()
	assert.Equal(t, 10, before.MaxRows)

	var seen []int
	m.OnReload(func(c *Config) { seen = append(seen, c.Limits.MaxRows) })

	writeConfig(t, path, "limits:\n  max_rows: 30\n  debug_mode: true\n")
	require.NoError(t, m.Reload())

	assert.Equal(t, 30, m.Limits().MaxRows)
	assert.True(t, m.DebugMode())
	assert.Equal(t, 10, before.MaxRows, "earlier snapshots are values")
	assert.Equal(t, []int{30}, seen)
}

func TestManagerReloadKeepsSnapshotOnError(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "limits:\n  max_rows: 10\n")
	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	hub := telemetry.NewHub()
	defer hub.Close()
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	m := NewManager(cfg, path, WithHub(hub))
	writeConfig(t, path, "limits:\n  max_rows: -4\n")
	require.Error(t, m.Reload())
	assert.Equal(t, 10, m.Limits().MaxRows)

	select {
	case ev := <-events:
		assert.Equal(t, telemetry.EventConfigReloadError, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected reload_failed event")
	}
}

func TestManagerWatch(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "limits:\n  max_rows: 10\n")
	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	m := NewManager(cfg, path)

	reloaded := make(chan int, 1)
	m.OnReload(func(c *Config) {
		select {
		case reloaded <- c.Limits.MaxRows:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Keep rewriting until the watcher has picked the change up; the
	// watch may not be registered yet on the first write.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	writeConfig(t, path, "limits:\n  max_rows: 42\n")
wait:
	for {
		select {
		case n := <-reloaded:
			if n == 42 {
				break wait
			}
		case <-tick.C:
			if m.Limits().MaxRows != 42 {
				writeConfig(t, path, "limits:\n  max_rows: 42\n")
			}
		case <-deadline:
			t.Fatal("watch did not reload")
		}
	}
	assert.Equal(t, 42, m.Limits().MaxRows)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestManagerWatchMissingDir(t *testing.T) {
	m := NewManager(DefaultConfig(), filepath.Join(t.TempDir(), "nope", "config.yaml"))
	assert.Error(t, m.Watch(context.Background()))
}
