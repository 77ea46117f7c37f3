//go:build !windows

package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/watchdog/internal/logger"
)

func newTestLauncher(t *testing.T) (*Launcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs.txt")
	return NewLauncher(logger.ProcessLogConfig{Path: path}), path
}

func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func TestStart_RedirectsOutputAndTruncates(t *testing.T) {
	requireUnix(t)
	l, path := newTestLauncher(t)
	require.NoError(t, os.WriteFile(path, []byte("stale line from previous run\n"), 0o600))

	m, err := l.Start(context.Background(), Spec{Command: "sh -c 'echo out; echo err 1>&2'"})
	require.NoError(t, err)
	require.Greater(t, m.PID, 0)

	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.True(t, m.Exited())
	assert.NoError(t, m.ExitErr())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "stale")
	assert.Contains(t, string(b), "out")
	assert.Contains(t, string(b), "err")
}

func TestStart_LaunchError(t *testing.T) {
	requireUnix(t)
	l, _ := newTestLauncher(t)
	_, err := l.Start(context.Background(), Spec{Command: "/definitely/not/here/bot"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLaunch))
	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "/definitely/not/here/bot", le.Command)
}

func TestStart_CanceledContext(t *testing.T) {
	l, _ := newTestLauncher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Start(ctx, Spec{Command: "sleep 1"})
	assert.True(t, errors.Is(err, ErrLaunch))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStart_EmptyCommandLeavesLogAlone(t *testing.T) {
	l, path := newTestLauncher(t)
	require.NoError(t, os.WriteFile(path, []byte("keep\n"), 0o600))
	_, err := l.Start(context.Background(), Spec{})
	assert.True(t, errors.Is(err, ErrLaunch))
	assert.True(t, errors.Is(err, ErrEmptyCommand))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep\n", string(b))
}

func TestStart_WorkDirAndEnv(t *testing.T) {
	requireUnix(t)
	l, path := newTestLauncher(t)
	dir := t.TempDir()
	m, err := l.Start(context.Background(), Spec{
		Command: "sh -c 'pwd; echo $WATCHDOG_TEST_VAR'",
		WorkDir: dir,
		Env:     []string{"WATCHDOG_TEST_VAR=hello"},
	})
	require.NoError(t, err)
	<-m.Done()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(dir)
	out := string(b)
	assert.True(t, strings.Contains(out, dir) || strings.Contains(out, resolved), out)
	assert.Contains(t, out, "hello")
}

func TestStopAll_TerminatesGroupAndClears(t *testing.T) {
	requireUnix(t)
	l, path := newTestLauncher(t)
	// the background sleep is a grandchild in the same group
	m, err := l.Start(context.Background(), Spec{Command: "sh -c 'sleep 30 & echo $!; wait'"})
	require.NoError(t, err)
	pid := m.PID

	var child int
	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(path)
		s := strings.TrimSpace(string(b))
		if s == "" {
			return false
		}
		child, err = strconv.Atoi(s)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	l.StopAll(m, 2*time.Second)
	assert.False(t, m.Live())
	assert.Equal(t, 0, m.PID)
	assert.True(t, m.Exited())
	assert.Eventually(t, func() bool { return !alive(child) }, 3*time.Second, 20*time.Millisecond)
	assert.False(t, alive(pid))
}

func TestStopAll_EscalatesToKill(t *testing.T) {
	requireUnix(t)
	l, _ := newTestLauncher(t)
	m, err := l.Start(context.Background(), Spec{Command: "sh -c 'trap \"\" TERM; while true; do sleep 0.1; done'"})
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	l.StopAll(m, 300*time.Millisecond)
	assert.True(t, m.Exited())
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestStopAll_AlreadyExitedAndNil(t *testing.T) {
	requireUnix(t)
	l, _ := newTestLauncher(t)
	m, err := l.Start(context.Background(), Spec{Command: "true"})
	require.NoError(t, err)
	<-m.Done()
	// must not panic or block on a process that is gone
	l.StopAll(m, time.Second)
	assert.False(t, m.Live())
	l.StopAll(m, time.Second)
	l.StopAll(nil, time.Second)
}
