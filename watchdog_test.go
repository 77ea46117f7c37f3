package watchdog

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/watchdog/internal/history"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

type recSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recSink) types() []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]history.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func testConfig(t *testing.T, command string) *Config {
	t.Helper()
	dir := t.TempDir()
	c := DefaultConfig()
	c.Process.Name = "facade"
	c.Process.Command = command
	c.Process.StopTimeout = time.Second
	c.Logs.Path = filepath.Join(dir, "logs.txt")
	c.Storage.BaseDir = dir
	c.Storage.MinFreeBytes = 1
	c.Monitor.Tick = 10 * time.Millisecond
	c.Monitor.SampleInterval = 10 * time.Millisecond
	c.Restart.MinInterval = time.Millisecond
	return &c
}

func TestWatchdogRunAndCancel(t *testing.T) {
	requireUnix(t)
	sink := &recSink{}
	w, err := New(testConfig(t, "sleep 5"), WithHistorySink(sink))
	require.NoError(t, err)
	assert.Equal(t, "facade", w.Config().Process.Name)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		st := w.Snapshot()
		return st.State == "running" && st.PID > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Contains(t, sink.types(), history.EventLaunch)
}

func TestWatchdogCeiling(t *testing.T) {
	requireUnix(t)
	c := testConfig(t, "false")
	c.Restart.MaxRestarts = 2
	sink := &recSink{}
	w, err := New(c, WithHistorySink(sink))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = w.Run(ctx)
	require.Error(t, err)
	assert.True(t, IsCeiling(err))
	assert.Equal(t, State("fatal_stop"), w.State())
	assert.Contains(t, sink.types(), history.EventFatal)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	c := DefaultConfig()
	_, err := New(&c)
	require.Error(t, err)
	_, err = New(nil)
	require.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watchdog.toml")
	require.NoError(t, os.WriteFile(path, []byte("[process]\ncommand = \"sleep 1\"\n"), 0o600))
	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sleep 1", c.Process.Command)

	require.NoError(t, os.WriteFile(path, []byte("[restart]\nmax_restarts = 3\n"), 0o600))
	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestStorageHelpers(t *testing.T) {
	c := testConfig(t, "sleep 1")
	cache := filepath.Join(c.Storage.BaseDir, "cache")
	require.NoError(t, os.MkdirAll(cache, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(cache, "blob"), make([]byte, 2048), 0o600))

	st, err := CheckStorage(c)
	require.NoError(t, err)
	assert.True(t, st.OK())

	n, err := PurgeScratch(c)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(2048))
	entries, err := os.ReadDir(cache)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSocketCooldownFromConfig(t *testing.T) {
	assert.Equal(t, time.Duration(-1), socketCooldown(0), "0s in config disables the wait")
	assert.Equal(t, 5*time.Second, socketCooldown(5*time.Second))
}

func TestInspectorRemembersTarget(t *testing.T) {
	requireUnix(t)
	child := exec.Command("sleep", "9.137")
	require.NoError(t, child.Start())
	defer func() { _ = child.Process.Kill(); _ = child.Wait() }()

	in := NewInspector("sleep 9.137", 20*time.Millisecond, 0)
	ins, err := in.Inspect(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, child.Process.Pid, ins.PID)
	assert.Equal(t, child.Process.Pid, in.LastPID())

	_, err = NewInspector("no-such-process-4e2a", time.Millisecond, 0).Inspect(context.Background())
	assert.True(t, errors.Is(err, ErrProcessNotFound))
}
