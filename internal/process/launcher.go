package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	gps "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/watchdog/internal/env"
	"github.com/loykin/watchdog/internal/logger"
)

// DefaultStopTimeout bounds the wait between SIGTERM and SIGKILL.
const DefaultStopTimeout = 10 * time.Second

var ErrLaunch = errors.New("process launch failed")

// LaunchError reports a command that could not be started.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string   { return fmt.Sprintf("launch %q: %v", e.Command, e.Err) }
func (e *LaunchError) Unwrap() []error { return []error{ErrLaunch, e.Err} }

// Managed is the handle to a running child process. The supervisor owns
// the only live handle.
type Managed struct {
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	WorkDir   string    `json:"work_dir,omitempty"`
	StartedAt time.Time `json:"started_at"`

	mu      sync.Mutex
	cmd     *exec.Cmd
	out     io.WriteCloser
	done    chan struct{}
	exitErr error
}

// Done is closed once the child has been reaped.
func (m *Managed) Done() <-chan struct{} { return m.done }

// Exited reports whether the child has been reaped.
func (m *Managed) Exited() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the error from cmd.Wait once the child exited.
func (m *Managed) ExitErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitErr
}

// Clear drops the reference to the OS process. The handle must not be
// used for signaling afterwards.
func (m *Managed) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmd = nil
	m.PID = 0
}

// Live reports whether the handle still refers to an OS process.
func (m *Managed) Live() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cmd != nil && m.PID > 0
}

// Launcher starts and stops the managed process tree.
type Launcher struct {
	Log logger.ProcessLogConfig
	// grace period after SIGKILL before giving up on the reaper
	killWait time.Duration
}

func NewLauncher(log logger.ProcessLogConfig) *Launcher {
	return &Launcher{Log: log, killWait: 2 * time.Second}
}

// Start truncates the shared log, launches spec.Command in a new process
// group with stdout and stderr redirected to the log, and starts a reaper.
func (l *Launcher) Start(ctx context.Context, spec Spec) (*Managed, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}
	cmd, err := spec.BuildCommand()
	if err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}
	out, err := logger.OpenProcessLog(l.Log)
	if err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = env.Merge(os.Environ(), spec.Env)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	configureSysProcAttr(cmd, spec)

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}
	m := &Managed{
		PID:       cmd.Process.Pid,
		Command:   spec.Command,
		WorkDir:   spec.WorkDir,
		StartedAt: time.Now(),
		cmd:       cmd,
		out:       out,
		done:      make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		m.mu.Lock()
		m.exitErr = err
		m.mu.Unlock()
		_ = out.Close()
		close(m.done)
		slog.Debug("Process reaped", "pid", cmd.Process.Pid, "error", err)
	}()
	slog.Info("Process started", "name", spec.Name, "pid", m.PID, "command", spec.Command)
	return m, nil
}

// StopAll terminates every descendant of m and then its process group. It
// waits up to wait for the leader to exit before escalating to SIGKILL.
// Already-exited processes are not an error. m is cleared in all cases.
func (l *Launcher) StopAll(m *Managed, wait time.Duration) {
	if m == nil {
		return
	}
	defer m.Clear()
	if !m.Live() {
		return
	}
	if wait <= 0 {
		wait = DefaultStopTimeout
	}
	pid := m.PID
	children := descendants(int32(pid))
	for _, c := range children {
		l.signal(c, syscall.SIGTERM, false)
	}
	l.signal(pid, syscall.SIGTERM, true)

	select {
	case <-m.done:
	case <-time.After(wait):
		slog.Warn("Process did not exit after SIGTERM, killing", "pid", pid, "wait", wait)
		for _, c := range children {
			l.signal(c, syscall.SIGKILL, false)
		}
		l.signal(pid, syscall.SIGKILL, true)
		select {
		case <-m.done:
		case <-time.After(l.killWait):
			slog.Error("Process still not reaped after SIGKILL", "pid", pid)
		}
	}
	slog.Info("Process stopped", "pid", pid, "descendants", len(children))
}

func (l *Launcher) signal(pid int, sig syscall.Signal, group bool) {
	var err error
	if group {
		err = signalGroup(pid, sig)
	} else {
		err = signalPID(pid, sig)
	}
	if err != nil && !isGone(err) {
		slog.Warn("Signal failed", "pid", pid, "signal", sig.String(), "group", group, "error", err)
	}
}

// descendants walks the child tree of pid depth first. Lookup failures end
// the walk of that branch; the process may already be gone.
func descendants(pid int32) []int {
	p, err := gps.NewProcess(pid)
	if err != nil {
		return nil
	}
	kids, err := p.Children()
	if err != nil {
		return nil
	}
	var out []int
	for _, k := range kids {
		out = append(out, int(k.Pid))
		out = append(out, descendants(k.Pid)...)
	}
	return out
}
