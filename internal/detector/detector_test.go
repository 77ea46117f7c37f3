package detector

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	gps "github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func startSleeper(t *testing.T, arg string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", arg)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestPIDDetector(t *testing.T) {
	self := os.Getpid()
	alive, err := PIDDetector{PID: self}.Alive()
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Equal(t, "pid:0", PIDDetector{}.Describe())

	alive, err = PIDDetector{}.Alive()
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestPIDDetector_RejectsReusedPID(t *testing.T) {
	requireUnix(t)
	self := os.Getpid()
	start := getProcStartUnix(self)
	require.Greater(t, start, int64(0))

	alive, err := PIDDetector{PID: self, StartUnix: start}.Alive()
	require.NoError(t, err)
	assert.True(t, alive)

	alive, err = PIDDetector{PID: self, StartUnix: start - 3600}.Alive()
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestFinder_ScanThenLastKnown(t *testing.T) {
	requireUnix(t)
	cmd := startSleeper(t, "37.123")
	f := NewFinder("37.123")

	p, err := f.Find(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(cmd.Process.Pid), p.Pid)
	assert.Equal(t, cmd.Process.Pid, f.LastPID())

	scans := 0
	list := f.list
	f.list = func(ctx context.Context) ([]*gps.Process, error) {
		scans++
		return list(ctx)
	}
	p, err = f.Find(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(cmd.Process.Pid), p.Pid)
	assert.Equal(t, 0, scans, "last known pid should short-circuit the scan")

	assert.Equal(t, "signature:37.123", f.Describe())
}

func TestFinder_ForgetsDeadPID(t *testing.T) {
	requireUnix(t)
	cmd := exec.Command("sleep", "41.321")
	require.NoError(t, cmd.Start())
	f := NewFinder("41.321")
	_, err := f.Find(context.Background())
	require.NoError(t, err)

	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	_, err = f.Find(context.Background())
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 0, f.LastPID())
}

func TestFinder_SkipsSelfAndListErrors(t *testing.T) {
	f := NewFinder("anything")
	me, err := gps.NewProcess(int32(os.Getpid()))
	require.NoError(t, err)
	f.list = func(context.Context) ([]*gps.Process, error) { return []*gps.Process{me}, nil }
	_, err = f.Find(context.Background())
	assert.True(t, errors.Is(err, ErrNotFound))

	boom := errors.New("boom")
	f.list = func(context.Context) ([]*gps.Process, error) { return nil, boom }
	_, err = f.Find(context.Background())
	assert.ErrorIs(t, err, boom)

	_, err = NewFinder(" ").Find(context.Background())
	assert.ErrorIs(t, err, ErrNoSignature)
}

func TestWatch_ReusesLastKnownPID(t *testing.T) {
	requireUnix(t)
	cmd := startSleeper(t, "43.217")
	f := NewFinder("43.217")
	scans := 0
	list := f.list
	f.list = func(ctx context.Context) ([]*gps.Process, error) {
		scans++
		return list(ctx)
	}

	var got []Inspection
	err := Watch(context.Background(), f, 10*time.Millisecond, 10*time.Millisecond, 0, func(ins Inspection, err error) bool {
		require.NoError(t, err)
		got = append(got, ins)
		return len(got) < 3
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, ins := range got {
		assert.Equal(t, int32(cmd.Process.Pid), ins.PID)
	}
	assert.Equal(t, 1, scans, "only the first round scans the process table")
}

func TestWatch_KeepsGoingWhenMissing(t *testing.T) {
	f := NewFinder("no-such-process-9f1c")
	f.list = func(context.Context) ([]*gps.Process, error) { return nil, nil }
	rounds := 0
	err := Watch(context.Background(), f, 5*time.Millisecond, 5*time.Millisecond, 0, func(_ Inspection, err error) bool {
		assert.ErrorIs(t, err, ErrNotFound)
		rounds++
		return rounds < 2
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rounds)
}

func TestWatch_StopsOnCancelAndBadInput(t *testing.T) {
	f := NewFinder("no-such-process-9f1c")
	f.list = func(context.Context) ([]*gps.Process, error) { return nil, nil }
	ctx, cancel := context.WithCancel(context.Background())
	err := Watch(ctx, f, time.Hour, time.Millisecond, 0, func(Inspection, error) bool {
		cancel()
		return true
	})
	assert.NoError(t, err)

	assert.ErrorIs(t, Watch(context.Background(), NewFinder(""), time.Second, time.Millisecond, 0,
		func(Inspection, error) bool { return true }), ErrNoSignature)
	assert.Error(t, Watch(context.Background(), f, 0, time.Millisecond, 0,
		func(Inspection, error) bool { return true }))
}

func TestInspect_Self(t *testing.T) {
	p, err := gps.NewProcess(int32(os.Getpid()))
	require.NoError(t, err)
	rep, err := Inspect(context.Background(), p, 100*time.Millisecond, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), rep.PID)
	assert.GreaterOrEqual(t, rep.CPUPercent, 0.0)
	if runtime.GOOS == "linux" {
		assert.Greater(t, rep.RSSBytes, uint64(0))
		assert.Greater(t, rep.NumThreads, int32(0))
	}
}
