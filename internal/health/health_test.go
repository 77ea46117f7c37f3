//go:build !windows

package health

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/watchdog/internal/logger"
	"github.com/loykin/watchdog/internal/process"
)

func launch(t *testing.T, command string) (*process.Launcher, *process.Managed) {
	t.Helper()
	l := process.NewLauncher(logger.ProcessLogConfig{Path: filepath.Join(t.TempDir(), "logs.txt")})
	m, err := l.Start(context.Background(), process.Spec{Command: command})
	require.NoError(t, err)
	t.Cleanup(func() { l.StopAll(m, time.Second) })
	return l, m
}

func fastProbe() *Probe {
	p := NewProbe()
	p.SampleInterval = 50 * time.Millisecond
	return p
}

func TestCheck_NilHandle(t *testing.T) {
	r := fastProbe().Check(context.Background(), nil)
	assert.False(t, r.Healthy)
	assert.Nil(t, r.Err)
}

func TestCheck_RunningProcessIsHealthy(t *testing.T) {
	_, m := launch(t, "sleep 30")
	r := fastProbe().Check(context.Background(), m)
	require.True(t, r.Healthy, r.Reason)
	assert.False(t, r.Zombie)
	assert.GreaterOrEqual(t, r.CPUPercent, 0.0)
	assert.Nil(t, r.Err)
}

func TestCheck_ExitedProcessIsUnhealthy(t *testing.T) {
	_, m := launch(t, "true")
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	r := fastProbe().Check(context.Background(), m)
	assert.False(t, r.Healthy)
	assert.Equal(t, "exited", r.Reason)
}

func TestCheck_ClearedHandleIsUnhealthy(t *testing.T) {
	l, m := launch(t, "sleep 30")
	l.StopAll(m, time.Second)
	r := fastProbe().Check(context.Background(), m)
	assert.False(t, r.Healthy)
}

func TestCheck_ThresholdsAreAdvisory(t *testing.T) {
	_, m := launch(t, "sh -c 'while :; do :; done'")
	p := fastProbe()
	p.CPUThreshold = 0.0001
	p.MemoryThreshold = 0.0000001
	p.SampleInterval = 200 * time.Millisecond
	r := p.Check(context.Background(), m)
	require.True(t, r.Healthy, r.Reason)
	assert.True(t, r.CPUHigh)
	assert.True(t, r.MemoryHigh)
}

func TestProbeError(t *testing.T) {
	cause := errors.New("permission denied")
	err := error(&ProbeError{PID: 7, Op: "status", Err: cause})
	assert.True(t, errors.Is(err, ErrTransientProbe))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "pid 7")
}
