package detector

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"

	gps "github.com/shirou/gopsutil/v4/process"
)

var (
	ErrNotFound    = errors.New("process not found")
	ErrNoSignature = errors.New("finder requires a signature")
)

// Finder locates an externally started process whose command line contains
// Signature. The last match is remembered and checked first; PID reuse is
// rejected by comparing the remembered start time.
type Finder struct {
	Signature string

	mu        sync.Mutex
	lastPID   int32
	lastStart int64
	self      int32
	list      func(ctx context.Context) ([]*gps.Process, error)
}

func NewFinder(signature string) *Finder {
	return &Finder{
		Signature: signature,
		self:      int32(os.Getpid()),
		list:      gps.ProcessesWithContext,
	}
}

// Find returns the matching process or ErrNotFound.
func (f *Finder) Find(ctx context.Context) (*gps.Process, error) {
	if strings.TrimSpace(f.Signature) == "" {
		return nil, ErrNoSignature
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lastPID > 0 {
		if p, ok := f.checkLast(ctx); ok {
			return p, nil
		}
		f.lastPID, f.lastStart = 0, 0
	}

	procs, err := f.list(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range procs {
		if p.Pid == f.self {
			continue
		}
		if !f.matches(ctx, p) {
			continue
		}
		f.lastPID = p.Pid
		f.lastStart = getProcStartUnix(int(p.Pid))
		slog.Info("Found process", "signature", f.Signature, "pid", p.Pid)
		return p, nil
	}
	return nil, ErrNotFound
}

func (f *Finder) checkLast(ctx context.Context) (*gps.Process, bool) {
	alive, _ := PIDDetector{PID: int(f.lastPID), StartUnix: f.lastStart}.Alive()
	if !alive {
		return nil, false
	}
	p, err := gps.NewProcessWithContext(ctx, f.lastPID)
	if err != nil || !f.matches(ctx, p) {
		return nil, false
	}
	return p, true
}

func (f *Finder) matches(ctx context.Context, p *gps.Process) bool {
	cmdline, err := p.CmdlineWithContext(ctx)
	if err != nil {
		// gone or access denied
		return false
	}
	return strings.Contains(cmdline, f.Signature)
}

// LastPID returns the remembered PID, or 0.
func (f *Finder) LastPID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.lastPID)
}

func (f *Finder) Describe() string { return "signature:" + f.Signature }
