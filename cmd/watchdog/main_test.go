package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/watchdog"
	"github.com/loykin/watchdog/internal/logtail"
	"github.com/loykin/watchdog/internal/server"
	"github.com/loykin/watchdog/internal/supervisor"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "watchdog.toml")
	body = strings.ReplaceAll(body, "$DIR", dir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, dir
}

func TestHelpMentionsWatchdog(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "watchdog")
	assert.Contains(t, out, "check-storage")
	assert.Contains(t, out, "do not trigger a restart")
	assert.NotContains(t, out, "logs critical errors")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "watchdog dev\n", out)
}

func TestRunRejectsMissingCommand(t *testing.T) {
	path, _ := writeConfig(t, "[restart]\nmax_restarts = 2\n")
	_, err := execute(t, "run", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process.command")
}

func TestRunExitsWithCeilingError(t *testing.T) {
	requireUnix(t)
	path, dir := writeConfig(t, `
[process]
command = "false"
stop_timeout = "1s"

[restart]
max_restarts = 1
min_interval = "1ms"

[monitor]
tick = "10ms"
sample_interval = "10ms"

[logs]
path = "$DIR/logs.txt"

[storage]
base_dir = "$DIR"
min_free_bytes = 1

[log]
level = "error"
`)
	pidfile := filepath.Join(dir, "run", "watchdog.pid")
	_, err := execute(t, "run", path, "--pidfile", pidfile)
	require.Error(t, err)
	assert.True(t, watchdog.IsCeiling(err))
	_, statErr := os.Stat(pidfile)
	assert.True(t, os.IsNotExist(statErr), "pidfile should be removed on exit")
}

func TestCheckStorage(t *testing.T) {
	path, _ := writeConfig(t, "[storage]\nbase_dir = \"$DIR\"\nmin_free_bytes = 1\n")
	out, err := execute(t, "check-storage", "--config", path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, true, got["ok"])
	assert.Contains(t, got, "free_bytes")
}

func TestCheckStorageBelowThreshold(t *testing.T) {
	// nothing has an exabyte free
	path, _ := writeConfig(t, "[storage]\nbase_dir = \"$DIR\"\nmin_free_bytes = 1152921504606846976\n")
	_, err := execute(t, "check-storage", "--config", path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errLowStorage))
}

func TestPurge(t *testing.T) {
	path, dir := writeConfig(t, "[storage]\nbase_dir = \"$DIR\"\npurge_dirs = [\"cache\"]\n")
	cache := filepath.Join(dir, "cache")
	require.NoError(t, os.MkdirAll(cache, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(cache, "a.bin"), make([]byte, 4096), 0o600))

	out, err := execute(t, "purge", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "4.0 KiB")
	entries, err := os.ReadDir(cache)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type fakeSource struct{}

func (fakeSource) Snapshot() supervisor.Status {
	return supervisor.Status{State: supervisor.StateRunning, Name: "bot", PID: 4242}
}
func (fakeSource) Errors() []logtail.ErrorRecord {
	return []logtail.ErrorRecord{{Line: "ERROR boom", Class: logtail.Classification{Kind: logtail.KindGeneric}}}
}

func TestStatusCommand(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(server.NewRouter(fakeSource{}, "/api", nil).Handler())
	defer srv.Close()

	out, err := execute(t, "status", "--api-url", srv.URL+"/api")
	require.NoError(t, err)
	assert.Contains(t, out, `"pid": 4242`)

	out, err = execute(t, "status", "--api-url", srv.URL+"/api", "--errors", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "ERROR boom")
}

func TestStatusUnreachable(t *testing.T) {
	_, err := execute(t, "status", "--api-url", "http://127.0.0.1:1/api", "--api-timeout", "200ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestInspect(t *testing.T) {
	requireUnix(t)
	child := exec.Command("sleep", "7.31")
	require.NoError(t, child.Start())
	defer func() { _ = child.Process.Kill(); _ = child.Wait() }()

	out, err := execute(t, "inspect", "--signature", "sleep 7.31", "--interval", "50ms")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.EqualValues(t, child.Process.Pid, got["pid"])
}

func TestInspectRequiresSignature(t *testing.T) {
	_, err := execute(t, "inspect")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errNoSignature))
}

func TestInspectRepeatsFromConfig(t *testing.T) {
	requireUnix(t)
	child := exec.Command("sleep", "7.53")
	require.NoError(t, child.Start())
	defer func() { _ = child.Process.Kill(); _ = child.Wait() }()

	path, _ := writeConfig(t, "[monitor]\nsignature = \"sleep 7.53\"\nthread_cpu_threshold = 90\n")
	out, err := execute(t, "inspect", "--config", path, "--interval", "20ms", "--every", "20ms", "--count", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	for _, l := range lines {
		var got map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &got))
		assert.EqualValues(t, child.Process.Pid, got["pid"])
	}
}

func TestInspectDefaults(t *testing.T) {
	path, _ := writeConfig(t, "[monitor]\nsignature = \"bot.py\"\nthread_cpu_threshold = 55\n")
	f, err := inspectDefaults(path, InspectFlags{Threshold: 30}, false)
	require.NoError(t, err)
	assert.Equal(t, "bot.py", f.Signature)
	assert.Equal(t, 55.0, f.Threshold)

	f, err = inspectDefaults(path, InspectFlags{Signature: "other", Threshold: 10}, true)
	require.NoError(t, err)
	assert.Equal(t, "other", f.Signature, "flags win over config")
	assert.Equal(t, 10.0, f.Threshold)
}

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "nested", "w.pid")
	require.NoError(t, writePidFile(pidFile, 1234))
	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, "1234", string(b))
	require.NoError(t, removePidFile(pidFile))
	require.NoError(t, removePidFile(""))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "1.0 GiB", formatBytes(1<<30))
}
