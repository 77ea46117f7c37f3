package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/watchdog/internal/burst"
	"github.com/loykin/watchdog/internal/health"
	"github.com/loykin/watchdog/internal/history"
	"github.com/loykin/watchdog/internal/logtail"
	"github.com/loykin/watchdog/internal/metrics"
	"github.com/loykin/watchdog/internal/process"
	"github.com/loykin/watchdog/internal/storage"
	"github.com/loykin/watchdog/internal/ttlcache"
)

// Launcher starts and stops the managed process tree.
type Launcher interface {
	Start(ctx context.Context, spec process.Spec) (*process.Managed, error)
	StopAll(m *process.Managed, wait time.Duration)
}

// Prober reports liveness and resource usage of the managed process.
type Prober interface {
	Check(ctx context.Context, m *process.Managed) health.Report
}

// StorageChecker watches free space and clears scratch directories.
type StorageChecker interface {
	CheckFreeSpace(path string) (storage.Status, error)
	PurgeScratch(dirs []string) (int64, error)
}

// Clock returns the current time.
type Clock func() time.Time

// Options tunes the control loop. Zero values take the package defaults,
// except BurstCooldown where zero disables the extra wait. A negative
// SocketCooldown disables the socket-error wait.
type Options struct {
	Spec            process.Spec
	ScratchDirs     []string
	StoragePath     string
	MaxRestarts     int
	MinInterval     time.Duration
	StabilityWindow time.Duration
	SocketCooldown  time.Duration
	BurstCooldown   time.Duration
	StopTimeout     time.Duration
	Tick            time.Duration
	StorageEvery    int
	LogEvery        int
	WarnDedupe      time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = DefaultMaxRestarts
	}
	if o.MinInterval <= 0 {
		o.MinInterval = DefaultMinInterval
	}
	if o.StabilityWindow <= 0 {
		o.StabilityWindow = DefaultStabilityWindow
	}
	switch {
	case o.SocketCooldown == 0:
		o.SocketCooldown = DefaultSocketCooldown
	case o.SocketCooldown < 0:
		o.SocketCooldown = 0
	}
	if o.BurstCooldown < 0 {
		o.BurstCooldown = 0
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = process.DefaultStopTimeout
	}
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.StorageEvery <= 0 {
		o.StorageEvery = DefaultStorageEvery
	}
	if o.LogEvery <= 0 {
		o.LogEvery = DefaultLogEvery
	}
	if o.WarnDedupe <= 0 {
		o.WarnDedupe = DefaultWarnDedupe
	}
	if o.StoragePath == "" {
		o.StoragePath = "."
	}
}

// Deps are the collaborators of a Supervisor. Clock and Sleep default to the
// wall clock and a context-aware timer.
type Deps struct {
	Launcher Launcher
	Probe    Prober
	Storage  StorageChecker
	Tailer   *logtail.Tailer
	History  *history.Fanout
	Clock    Clock
	Sleep    func(ctx context.Context, d time.Duration) error
}

// Supervisor keeps one managed process alive. Run owns every field except
// status, which readers copy through Snapshot.
type Supervisor struct {
	opts Options
	deps Deps

	state    State
	restart  RestartState
	proc     *process.Managed
	ticks    int
	reason   string
	cooled   bool
	warnSeen *ttlcache.Cache[string, struct{}]

	mu     sync.Mutex
	status Status
	errors []logtail.ErrorRecord
}

// New builds a Supervisor in the Starting state.
func New(opts Options, deps Deps) *Supervisor {
	opts.applyDefaults()
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	s := &Supervisor{
		opts:  opts,
		deps:  deps,
		state: StateStarting,
		restart: RestartState{
			MaxRestarts: opts.MaxRestarts,
			MinInterval: opts.MinInterval,
		},
		warnSeen: ttlcache.New[string, struct{}](256, opts.WarnDedupe),
	}
	s.warnSeen.SetClock(deps.Clock)
	metrics.SetCurrentState(string(s.state))
	s.publish()
	return s
}

// Run drives the state machine once per tick until ctx is canceled, which
// stops the process and returns nil, or the restart ceiling is reached,
// which returns a *CeilingError.
func (s *Supervisor) Run(ctx context.Context) error {
	slog.Info("Supervisor starting", "name", s.opts.Spec.Name, "command", s.opts.Spec.Command)
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		if err := s.Step(ctx); err != nil {
			s.shutdown()
			return err
		}
		select {
		case <-ctx.Done():
			slog.Info("Shutdown requested, stopping process")
			s.shutdown()
			return nil
		case <-ticker.C:
		}
	}
}

// Step runs one tick of the state machine. It returns an error only on
// FatalStop.
func (s *Supervisor) Step(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	s.ticks++
	defer s.publish()

	if s.state != StateFatalStop && s.ticks%s.opts.StorageEvery == 0 {
		s.checkStorage()
	}

	switch s.state {
	case StateStarting:
		s.launch(ctx, history.EventLaunch)
	case StateRunning:
		s.running(ctx)
	case StateUnhealthy:
		s.unhealthy(ctx)
	case StateRestarting:
		s.deps.Launcher.StopAll(s.proc, s.opts.StopTimeout)
		s.proc = nil
		s.restart.Attempt(s.now())
		metrics.IncRestart()
		slog.Warn("Restarting process", "attempt", s.restart.Count, "max", s.restart.MaxRestarts, "reason", s.reason)
		s.launch(ctx, history.EventRestart)
	case StateFatalStop:
		return s.fatal(ctx)
	}
	return nil
}

// launch purges scratch space and starts the process. A failed launch
// counts as an attempt so debounce and the ceiling bound launch loops.
func (s *Supervisor) launch(ctx context.Context, ev history.EventType) {
	s.purge()
	m, err := s.deps.Launcher.Start(ctx, s.opts.Spec)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Failed to start process", "error", err)
		if ev == history.EventLaunch {
			s.restart.Attempt(s.now())
		}
		s.reason = "launch failed"
		s.record(ctx, history.EventLaunchFailed, err.Error())
		s.transition(StateUnhealthy)
		return
	}
	s.proc = m
	if s.deps.Tailer != nil {
		s.deps.Tailer.Reset()
	}
	s.reason = ""
	s.record(ctx, ev, "")
	s.transition(StateRunning)
}

func (s *Supervisor) running(ctx context.Context) {
	r := s.deps.Probe.Check(ctx, s.proc)
	if ctx.Err() != nil {
		return
	}
	if !r.Healthy {
		s.reason = r.Reason
		if r.Err != nil {
			s.reason = r.Err.Error()
		}
		slog.Warn("Process unhealthy", "reason", s.reason)
		s.transition(StateUnhealthy)
		return
	}
	metrics.ObserveProcess(r.CPUPercent, r.MemoryPercent)
	if r.CPUHigh {
		metrics.IncThresholdBreach("cpu")
	}
	if r.MemoryHigh {
		metrics.IncThresholdBreach("memory")
	}
	s.mu.Lock()
	s.status.CPUPercent = r.CPUPercent
	s.status.MemoryPercent = r.MemoryPercent
	s.mu.Unlock()

	if s.ticks%s.opts.LogEvery == 0 {
		s.checkLogs()
	}

	now := s.now()
	if s.restart.Count > 0 && now.Sub(s.restart.LastRestart) > s.opts.StabilityWindow {
		slog.Info("Process stable, resetting restart count", "count", s.restart.Count, "window", s.opts.StabilityWindow)
		s.restart.Count = 0
	}
}

func (s *Supervisor) unhealthy(ctx context.Context) {
	if !s.cooled {
		s.cooled = true
		// pull in whatever the process wrote before it died
		s.checkLogs()
		if rec, ok := s.lastError(); ok {
			slog.Warn("Last error before failure", "line", rec.Line)
			if s.deps.Tailer.IsSocketError(rec) {
				slog.Warn("Socket send error detected, potential network issue", "cooldown", s.opts.SocketCooldown)
				if err := s.pause(ctx, s.opts.SocketCooldown); err != nil {
					return
				}
				if s.deps.Tailer.EvaluateBurst() == burst.SignalFrequentErrors {
					metrics.IncBurst()
					slog.Warn("Frequent socket errors before failure", "cooldown", s.opts.BurstCooldown)
					if err := s.pause(ctx, s.opts.BurstCooldown); err != nil {
						return
					}
				}
			}
		}
	}

	now := s.now()
	if s.restart.Debounced(now) {
		return
	}
	if s.restart.Exhausted() {
		s.transition(StateFatalStop)
		return
	}
	s.transition(StateRestarting)
}

func (s *Supervisor) fatal(ctx context.Context) error {
	last := ""
	if rec, ok := s.lastError(); ok {
		last = rec.Line
	}
	slog.Error("Max restart attempts reached, manual intervention required",
		"count", s.restart.Count, "last_error", last)
	metrics.IncFatal()
	s.record(ctx, history.EventFatal, last)
	return &CeilingError{Count: s.restart.Count, LastError: last}
}

func (s *Supervisor) checkLogs() {
	t := s.deps.Tailer
	if t == nil {
		return
	}
	res, err := t.Check()
	if err != nil {
		slog.Warn("Log check failed", "error", err)
		return
	}
	for _, rec := range res.Critical {
		metrics.IncLogError(rec.Class.Marker)
		if s.warnSeen.SetIfAbsent(rec.Line, struct{}{}) {
			slog.Warn("Critical error detected", "marker", rec.Class.Marker, "line", rec.Line)
		}
	}
	if res.Burst == burst.SignalFrequentErrors && s.state == StateRunning {
		metrics.IncBurst()
		slog.Warn("Frequent socket errors detected")
	}
	if res.Lines > 0 {
		h := t.History()
		s.mu.Lock()
		s.errors = h
		s.mu.Unlock()
	}
}

func (s *Supervisor) checkStorage() {
	st, err := s.deps.Storage.CheckFreeSpace(s.opts.StoragePath)
	if err != nil {
		slog.Error("Storage check failed", "error", err)
		return
	}
	metrics.SetStorageFree(st.FreeBytes)
	s.mu.Lock()
	s.status.FreeBytes = st.FreeBytes
	s.mu.Unlock()
	if !st.OK() {
		slog.Warn("Low storage space detected, cleaning directories",
			"free_bytes", st.FreeBytes, "threshold_bytes", st.ThresholdBytes)
		s.purge()
	}
}

func (s *Supervisor) purge() {
	if len(s.opts.ScratchDirs) == 0 {
		return
	}
	n, err := s.deps.Storage.PurgeScratch(s.opts.ScratchDirs)
	metrics.AddReclaimed(n)
	if err != nil {
		slog.Error("Error cleaning directories", "error", err)
	}
}

func (s *Supervisor) shutdown() {
	if s.proc != nil {
		s.deps.Launcher.StopAll(s.proc, s.opts.StopTimeout)
		s.proc = nil
	}
	s.publish()
}

func (s *Supervisor) transition(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	if to == StateUnhealthy {
		s.cooled = false
	}
	slog.Info("State transition", "from", string(from), "to", string(to), "restarts", s.restart.Count)
	metrics.RecordStateTransition(string(from), string(to))
}

func (s *Supervisor) record(ctx context.Context, ev history.EventType, errText string) {
	if s.deps.History.Len() == 0 {
		return
	}
	e := history.Event{
		Type:         ev,
		OccurredAt:   s.now(),
		Name:         s.opts.Spec.Name,
		RestartCount: s.restart.Count,
		Reason:       s.reason,
		Error:        errText,
	}
	if s.proc != nil {
		e.PID = s.proc.PID
	}
	s.deps.History.Record(ctx, e)
}

func (s *Supervisor) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return s.deps.Sleep(ctx, d)
}

func (s *Supervisor) lastError() (logtail.ErrorRecord, bool) {
	if s.deps.Tailer == nil {
		return logtail.ErrorRecord{}, false
	}
	return s.deps.Tailer.LastError()
}

func (s *Supervisor) now() time.Time { return s.deps.Clock() }

// publish copies loop-owned fields into the snapshot.
func (s *Supervisor) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.status
	st.State = s.state
	st.Name = s.opts.Spec.Name
	st.RestartCount = s.restart.Count
	st.MaxRestarts = s.restart.MaxRestarts
	st.LastRestart = s.restart.LastRestart
	st.Reason = s.reason
	st.PID = 0
	st.StartedAt = time.Time{}
	if s.proc != nil {
		st.PID = s.proc.PID
		st.StartedAt = s.proc.StartedAt
	}
	if rec, ok := s.lastError(); ok {
		st.LastError = rec.Line
	}
	st.UpdatedAt = s.now()
}

// Snapshot returns a copy of the current status. Safe for concurrent use.
func (s *Supervisor) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Errors returns a copy of the error history as of the last log check.
// Safe for concurrent use.
func (s *Supervisor) Errors() []logtail.ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]logtail.ErrorRecord(nil), s.errors...)
}

// State returns the current state. Only the goroutine running the loop may
// call it.
func (s *Supervisor) State() State { return s.state }

// Restarts returns the restart accounting. Only the goroutine running the
// loop may call it.
func (s *Supervisor) Restarts() RestartState { return s.restart }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsCeiling reports whether err ended the loop because of the restart ceiling.
func IsCeiling(err error) bool { return errors.Is(err, ErrRestartCeiling) }
