package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &Config{DataDir: dir, LogLevel: "info", KeeperInterval: time.Minute}
	return NewWatcher(cfg), cfg.EnvPath()
}

func TestReloadAppliesChangedValues(t *testing.T) {
	w, envPath := newTestWatcher(t)
	var got []Runtime
	w.OnChange(func(r Runtime) { got = append(got, r) })

	require.NoError(t, os.WriteFile(envPath, []byte("TALLY_LOG_LEVEL=debug\nTALLY_KEEPER_INTERVAL=15s\n"), 0600))
	w.Reload()

	want := Runtime{LogLevel: "debug", KeeperInterval: 15 * time.Second}
	assert.Equal(t, want, w.Current())
	assert.Equal(t, []Runtime{want}, got)

	// Unchanged file: no callback.
	w.Reload()
	assert.Len(t, got, 1)
}

func TestReloadKeepsPreviousOnInvalidValues(t *testing.T) {
	w, envPath := newTestWatcher(t)
	calls := 0
	w.OnChange(func(Runtime) { calls++ })

	require.NoError(t, os.WriteFile(envPath, []byte("TALLY_KEEPER_INTERVAL=never\n"), 0600))
	w.Reload()
	require.NoError(t, os.WriteFile(envPath, []byte("TALLY_KEEPER_INTERVAL=100ms\n"), 0600))
	w.Reload()

	assert.Equal(t, time.Minute, w.Current().KeeperInterval)
	assert.Zero(t, calls)
}

func TestReloadMissingFile(t *testing.T) {
	w, _ := newTestWatcher(t)
	w.Reload()
	assert.Equal(t, Runtime{LogLevel: "info", KeeperInterval: time.Minute}, w.Current())
}

func TestRunPicksUpFileWrites(t *testing.T) {
	w, envPath := newTestWatcher(t)
	var mu sync.Mutex
	var levels []string
	w.OnChange(func(r Runtime) {
		mu.Lock()
		defer mu.Unlock()
		levels = append(levels, r.LogLevel)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(envPath, []byte("TALLY_LOG_LEVEL=warn\n"), 0600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == "warn"
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestRunIgnoresOtherFiles(t *testing.T) {
	w, envPath := newTestWatcher(t)
	calls := 0
	var mu sync.Mutex
	w.OnChange(func(Runtime) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(envPath), "other.env"), []byte("TALLY_LOG_LEVEL=error\n"), 0600))
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}
