package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gps "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/watchdog/internal/process"
)

// Advisory thresholds in percent.
const (
	DefaultMemoryThreshold = 90.0
	DefaultCPUThreshold    = 80.0
	DefaultSampleInterval  = time.Second
)

var ErrTransientProbe = errors.New("process probe failed")

// ProbeError wraps an OS lookup failure during a health check.
type ProbeError struct {
	PID int
	Op  string
	Err error
}

func (e *ProbeError) Error() string   { return fmt.Sprintf("probe pid %d %s: %v", e.PID, e.Op, e.Err) }
func (e *ProbeError) Unwrap() []error { return []error{ErrTransientProbe, e.Err} }

// Report is the outcome of one Check. MemoryHigh and CPUHigh never make a
// healthy process unhealthy.
type Report struct {
	Healthy       bool    `json:"healthy"`
	Reason        string  `json:"reason,omitempty"`
	Zombie        bool    `json:"zombie,omitempty"`
	MemoryPercent float32 `json:"memory_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryHigh    bool    `json:"memory_high,omitempty"`
	CPUHigh       bool    `json:"cpu_high,omitempty"`
	Err           error   `json:"-"`
}

// Probe checks liveness and resource usage of the managed process.
type Probe struct {
	SampleInterval  time.Duration
	MemoryThreshold float64
	CPUThreshold    float64
}

func NewProbe() *Probe {
	return &Probe{
		SampleInterval:  DefaultSampleInterval,
		MemoryThreshold: DefaultMemoryThreshold,
		CPUThreshold:    DefaultCPUThreshold,
	}
}

// Check blocks for about SampleInterval while CPU usage is sampled.
func (p *Probe) Check(ctx context.Context, m *process.Managed) Report {
	if m == nil || !m.Live() {
		return Report{Reason: "no process"}
	}
	if m.Exited() {
		return Report{Reason: "exited"}
	}
	pid := m.PID
	proc, err := gps.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, gps.ErrorProcessNotRunning) {
			return Report{Reason: "gone"}
		}
		return p.failed(pid, "lookup", err)
	}
	running, err := proc.IsRunningWithContext(ctx)
	if err != nil {
		return p.failed(pid, "is_running", err)
	}
	if !running {
		return Report{Reason: "gone"}
	}
	status, err := proc.StatusWithContext(ctx)
	if err != nil {
		return p.failed(pid, "status", err)
	}
	for _, s := range status {
		if strings.Contains(strings.ToLower(s), gps.Zombie) {
			return Report{Reason: "zombie", Zombie: true}
		}
	}

	r := Report{Healthy: true}
	mem, err := proc.MemoryPercentWithContext(ctx)
	if err != nil {
		return p.failed(pid, "memory", err)
	}
	r.MemoryPercent = mem
	cpu, err := proc.PercentWithContext(ctx, p.interval())
	if err != nil {
		return p.failed(pid, "cpu", err)
	}
	r.CPUPercent = cpu

	if float64(mem) > p.memThreshold() {
		r.MemoryHigh = true
		slog.Warn("High memory usage", "pid", pid, "memory_percent", mem)
	}
	if cpu > p.cpuThreshold() {
		r.CPUHigh = true
		slog.Warn("High CPU usage", "pid", pid, "cpu_percent", cpu)
	}
	return r
}

func (p *Probe) failed(pid int, op string, err error) Report {
	pe := &ProbeError{PID: pid, Op: op, Err: err}
	slog.Error("Health check failed", "pid", pid, "op", op, "error", err)
	return Report{Reason: "probe error", Err: pe}
}

func (p *Probe) interval() time.Duration {
	if p.SampleInterval <= 0 {
		return DefaultSampleInterval
	}
	return p.SampleInterval
}

func (p *Probe) memThreshold() float64 {
	if p.MemoryThreshold <= 0 {
		return DefaultMemoryThreshold
	}
	return p.MemoryThreshold
}

func (p *Probe) cpuThreshold() float64 {
	if p.CPUThreshold <= 0 {
		return DefaultCPUThreshold
	}
	return p.CPUThreshold
}
