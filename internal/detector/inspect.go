package detector

import (
	"context"
	"sort"
	"time"

	gps "github.com/shirou/gopsutil/v4/process"
)

// DefaultThreadCPUThreshold marks a thread as hot in an Inspection.
const DefaultThreadCPUThreshold = 30.0

// ThreadUsage is the CPU share of one thread over the sample interval.
type ThreadUsage struct {
	TID        int32   `json:"tid"`
	CPUPercent float64 `json:"cpu_percent"`
}

// Inspection is a point-in-time resource report of one process.
type Inspection struct {
	PID           int32         `json:"pid"`
	Cmdline       string        `json:"cmdline"`
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryPercent float32       `json:"memory_percent"`
	RSSBytes      uint64        `json:"rss_bytes"`
	NumThreads    int32         `json:"num_threads"`
	HotThreads    []ThreadUsage `json:"hot_threads,omitempty"`
}

// Inspect samples p over interval and reports threads whose CPU share is
// above threshold. Per-thread data is best effort and platform dependent.
func Inspect(ctx context.Context, p *gps.Process, interval time.Duration, threshold float64) (Inspection, error) {
	if interval <= 0 {
		interval = time.Second
	}
	if threshold <= 0 {
		threshold = DefaultThreadCPUThreshold
	}
	out := Inspection{PID: p.Pid}
	out.Cmdline, _ = p.CmdlineWithContext(ctx)

	before, _ := p.ThreadsWithContext(ctx)
	cpu, err := p.PercentWithContext(ctx, interval)
	if err != nil {
		return out, err
	}
	out.CPUPercent = cpu
	after, _ := p.ThreadsWithContext(ctx)

	if mp, err := p.MemoryPercentWithContext(ctx); err == nil {
		out.MemoryPercent = mp
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
		out.RSSBytes = mi.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		out.NumThreads = n
	}

	secs := interval.Seconds()
	for tid, a := range after {
		b, ok := before[tid]
		if !ok {
			continue
		}
		pct := ((a.User + a.System) - (b.User + b.System)) / secs * 100
		if pct > threshold {
			out.HotThreads = append(out.HotThreads, ThreadUsage{TID: tid, CPUPercent: pct})
		}
	}
	sort.Slice(out.HotThreads, func(i, j int) bool {
		return out.HotThreads[i].CPUPercent > out.HotThreads[j].CPUPercent
	})
	return out, nil
}
